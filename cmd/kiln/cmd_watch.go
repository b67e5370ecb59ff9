package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/events"
	"kiln/internal/handlers"
	"kiln/internal/session"
	"kiln/internal/watch"
)

// watchCmd streams file changes into a session
var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Stream file changes in a directory through the pipeline",
	Long: `Watches dir (default: the configured session folder) and submits a
file_changed or file_deleted event for every settled change. Ctrl-C raises the
interrupt signal, which cancels the event in flight, and ends the session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Session.Folder
		if len(args) == 1 {
			dir = args[0]
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sig := &handlers.Signal{}
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				logger.Info("Received shutdown signal")
				sig.Raise()
				cancel()
			case <-ctx.Done():
			}
		}()

		return runWatch(ctx, cmd.OutOrStdout(), cfg, baseDir(), dir, sig)
	},
}

// runWatch blocks until ctx is done.
func runWatch(ctx context.Context, out io.Writer, c *config.Config, base, dir string, sig *handlers.Signal) error {
	log, err := openLog(c, false)
	if err != nil {
		return err
	}
	defer log.Close()

	r, err := buildReactor(c, handlers.Deps{Signal: sig, Log: log, BaseDir: base})
	if err != nil {
		return err
	}
	rt := session.New(r, sessionConfig(c))
	id, err := rt.Start(ctx, dir)
	if err != nil {
		return err
	}

	w, err := watch.New(dir, watch.Options{
		Debounce:  c.GetWatchDebounce(),
		Include:   c.Watch.Include,
		Exclude:   c.Watch.Exclude,
		Recursive: c.Watch.Recursive,
	}, func(ctx context.Context, ev events.SessionEvent) {
		turn, err := rt.Submit(ctx, ev)
		switch {
		case err != nil:
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("✗ %s: %v", ev.Identifier(), err)))
		case turn.Cancelled:
			fmt.Fprintln(out, warnStyle.Render("⊘ "+ev.Identifier()+" cancelled"))
		default:
			fmt.Fprintf(out, "%s %s\n", okStyle.Render("✓"), events.Summary(turn.Event, 72))
		}
	})
	if err != nil {
		_ = rt.End(context.Background(), "watch failed")
		return err
	}

	fmt.Fprintln(out, titleStyle.Render("Watching "+w.Root())+mutedStyle.Render("  session "+id))
	// The loop outlives ctx so that Stop can flush what is still debouncing.
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		_ = rt.End(context.Background(), "watch failed")
		return err
	}

	<-ctx.Done()
	// A signal nobody consumed would cancel the flushed changes and the end
	// event.
	sig.Take()
	w.Stop()

	stats := w.Stats()
	// ctx is done; the end of the session still has to reach the handlers.
	if err := rt.End(context.Background(), "interrupted"); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d created, %d modified, %d deleted, %d events submitted\n",
		stats.FilesCreated, stats.FilesModified, stats.FilesDeleted, stats.Emitted)
	return nil
}
