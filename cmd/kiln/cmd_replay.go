package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/events"
	"kiln/internal/handlers"
	"kiln/internal/pipeline"
	"kiln/internal/reactor"
	"kiln/internal/session"
)

const maxLineSize = 4 * 1024 * 1024

// replayCmd feeds a recorded event stream through the pipeline
var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Run recorded events through the pipeline",
	Long: `Reads one event envelope per line ({"type": "...", "data": {...}}), runs each
through a session with the configured pipeline and prints what happened to it.
Ends with the compaction digest of the session.

Example:
  kiln replay testdata/session.jsonl --persist`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		persist, _ := cmd.Flags().GetBool("persist")
		return runReplay(cmd.Context(), cmd.OutOrStdout(), cfg, baseDir(), args[0], persist)
	},
}

// replayStats counts what happened to replayed events.
type replayStats struct {
	processed, cancelled, failed, soft int
}

func runReplay(ctx context.Context, out io.Writer, c *config.Config, dir, path string, persist bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	log, err := openLog(c, !persist)
	if err != nil {
		return err
	}
	defer log.Close()

	r, err := buildReactor(c, handlers.Deps{Log: log, BaseDir: dir})
	if err != nil {
		return err
	}
	var stats replayStats
	r.OnSoftError(func(se pipeline.HandlerError) {
		stats.soft++
		fmt.Fprintln(out, warnStyle.Render("      ! "+se.String()))
	})

	rt := session.New(r, sessionConfig(c))
	id, err := rt.Start(ctx, c.Session.Folder)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, titleStyle.Render("Replaying "+path)+mutedStyle.Render("  session "+id))

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		ev, err := events.Decode([]byte(raw))
		if err != nil {
			stats.failed++
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%4d ✗ %v", line, err)))
			continue
		}

		turn, err := rt.Submit(ctx, ev)
		switch {
		case err != nil:
			stats.failed++
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%4d ✗ %s: %v", line, ev.EventType(), err)))
		case turn.Cancelled:
			stats.cancelled++
			fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("%4d ⊘ %s cancelled", line, ev.EventType())))
		default:
			stats.processed++
			fmt.Fprintf(out, "%4d %s %s\n", line, okStyle.Render("✓"), events.Summary(turn.Event, 72))
			if turn.Compacted {
				fmt.Fprintln(out, mutedStyle.Render("       history compacted"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	digest := reactor.Summarize(rt.History())
	if err := rt.End(ctx, "replay complete"); err != nil {
		return err
	}

	fmt.Fprintln(out, summaryStyle.Render(digest.String()))
	fmt.Fprintf(out, "%d processed, %d cancelled, %d failed, %d soft errors, ~%d tokens\n",
		stats.processed, stats.cancelled, stats.failed, stats.soft, rt.Tokens())
	return nil
}
