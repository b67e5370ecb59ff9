package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/handlers"
	"kiln/internal/pipeline"
)

// orderCmd prints the execution order of the configured pipeline
var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Show the handler execution order",
	Long: `Builds the configured pipeline and prints the order handlers run in,
together with each handler's dependencies. Missing dependencies and cycles are
reported instead of an order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrder(cmd.OutOrStdout(), cfg, baseDir())
	},
}

func runOrder(out io.Writer, c *config.Config, dir string) error {
	log, err := openLog(c, true)
	if err != nil {
		return err
	}
	defer log.Close()

	r, err := buildReactor(c, handlers.Deps{Log: log, BaseDir: dir})
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("✗ "+err.Error()))
		return err
	}

	order, err := r.ExecutionOrder()
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("✗ "+err.Error()))
		var depErr *pipeline.DependencyError
		if errors.As(err, &depErr) && depErr.Kind == pipeline.CycleDetected {
			fmt.Fprintln(out, mutedStyle.Render("  cycle: "+strings.Join(depErr.Cycle, " -> ")))
		}
		return err
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Execution order (%d handlers)", len(order))))
	for i, name := range order {
		deps := r.DependenciesOf(name)
		line := fmt.Sprintf("%2d. %s", i+1, name)
		if len(deps) > 0 {
			line += mutedStyle.Render("  ← " + strings.Join(deps, ", "))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
