package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/customer-export/internal/app"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show export progress and retry state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(func(ctx context.Context, a *app.App) error {
				status, err := a.Status(ctx)
				if err != nil {
					return err
				}
				writeStatus(cmd.OutOrStdout(), status, time.Now())
				return nil
			})
		},
	}
}

func writeStatus(w io.Writer, s app.Status, now time.Time) {
	last := "none"
	if s.LastRecord != nil {
		last = fmt.Sprintf("%s (%s <%s>)", s.LastRecord.ID, s.LastRecord.Name, s.LastRecord.Email)
	}

	next := "-"
	if s.HasNextRun {
		wait := s.NextRunAt.Sub(now).Round(time.Second)
		if wait < 0 {
			wait = 0
		}
		next = fmt.Sprintf("%s (in %s)", s.NextRunAt.UTC().Format(time.RFC3339), wait)
	}

	fmt.Fprintf(w, "last record:    %s\n", last)
	fmt.Fprintf(w, "retry attempt:  %d\n", s.RetryAttempt)
	fmt.Fprintf(w, "pending tasks:  %d\n", s.Pending)
	fmt.Fprintf(w, "dead tasks:     %d\n", s.Dead)
	fmt.Fprintf(w, "next retry:     %s\n", next)
}
