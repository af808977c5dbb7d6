package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/customer-export/internal/app"
	"github.com/Sternrassler/customer-export/pkg/client"
	"github.com/Sternrassler/customer-export/pkg/lock"
)

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Export customers added since the last run",
		Long: `Run one sync: resume after the last exported record and append every
newer customer. A rate-limited run schedules a retry on the queue and exits 0;
any other failure exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.run(runSync)
		},
	}
}

func runSync(ctx context.Context, a *app.App) error {
	result, err := a.Sync(ctx)
	switch {
	case errors.Is(err, lock.ErrLocked):
		log.Warn().Msg("Another sync is running, nothing to do")
		return nil
	case err != nil:
		log.Error().
			Err(err).
			Str("error_class", string(client.ClassOf(err))).
			Str("cursor", result.Cursor.String()).
			Msg("Sync failed")
		return err
	case !result.Completed:
		log.Info().
			Dur("delay", result.RetryDelay).
			Int("records", result.Records).
			Msg("Sync deferred by rate limit, retry scheduled")
		return nil
	default:
		log.Info().
			Int("pages", result.Pages).
			Int("records", result.Records).
			Str("cursor", result.Cursor.String()).
			Msg("Sync finished")
		return nil
	}
}
