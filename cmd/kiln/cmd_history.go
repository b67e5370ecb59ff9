package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/events"
)

// historyCmd lists persisted sessions and their events
var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List persisted sessions or the events of one session",
	Long: `Reads the event log written by the persist handler. Without a session id,
lists the sessions in the log, most recent first. With --identifier, lists
the events about one file path or tool name across all sessions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if identifier, _ := cmd.Flags().GetString("identifier"); identifier != "" {
			return runIdentifierHistory(cmd.Context(), cmd.OutOrStdout(), cfg, identifier, limit)
		}
		sessionID := ""
		if len(args) == 1 {
			sessionID = args[0]
		}
		return runHistory(cmd.Context(), cmd.OutOrStdout(), cfg, sessionID, limit)
	},
}

func runHistory(ctx context.Context, out io.Writer, c *config.Config, sessionID string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := openLog(c, false)
	if err != nil {
		return err
	}
	defer log.Close()

	if sessionID == "" {
		sessions, err := log.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions recorded.")
			return nil
		}
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
		for _, s := range sessions {
			fmt.Fprintf(out, "  %s  %4d events  %s\n", s.ID, s.Events, mutedStyle.Render(s.Last.Format(time.DateTime)))
		}
		return nil
	}

	recs, err := log.Events(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(out, "No events for session %s.\n", sessionID)
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render("Session "+sessionID))
	for _, rec := range recs {
		fmt.Fprintf(out, "%4d %s %-18s %s\n",
			rec.Seq,
			mutedStyle.Render(rec.CreatedAt.Format(time.TimeOnly)),
			rec.Event.EventType(),
			events.Summary(rec.Event, 72))
	}
	return nil
}

func runIdentifierHistory(ctx context.Context, out io.Writer, c *config.Config, identifier string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := openLog(c, false)
	if err != nil {
		return err
	}
	defer log.Close()

	recs, err := log.ByIdentifier(ctx, identifier, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(out, "No events for %s.\n", identifier)
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render(identifier))
	for _, rec := range recs {
		fmt.Fprintf(out, "%s %s %-18s %s\n",
			mutedStyle.Render(rec.CreatedAt.Format(time.DateTime)),
			rec.SessionID,
			rec.Event.EventType(),
			events.Summary(rec.Event, 72))
	}
	return nil
}
