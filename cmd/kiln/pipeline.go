package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"kiln/internal/config"
	"kiln/internal/handlers"
	"kiln/internal/reactor"
	"kiln/internal/session"
	"kiln/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e53935"))
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2196F3")).
			Padding(0, 1)
)

// buildReactor constructs the configured handlers and registers them, in
// declaration order, on a new ChainReactor.
func buildReactor(c *config.Config, deps handlers.Deps) (*reactor.ChainReactor, error) {
	hs, err := handlers.Build(c.Pipeline.Handlers, deps)
	if err != nil {
		return nil, err
	}
	return reactor.NewChainReactorWith(hs...)
}

// openLog opens the configured event log, or a throwaway one when memory is
// set.
func openLog(c *config.Config, memory bool) (*store.EventLog, error) {
	if memory {
		return store.Open(store.MemoryPath)
	}
	log, err := store.OpenWithOptions(c.Store.Path, store.Options{BusyTimeout: c.GetBusyTimeout()})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return log, nil
}

func sessionConfig(c *config.Config) session.Config {
	return session.Config{
		MaxContextTokens:  c.Session.MaxContextTokens,
		KeepAfterCompact:  c.Session.KeepAfterCompact,
		SlowTurnThreshold: c.GetSlowTurnThreshold(),
	}
}
