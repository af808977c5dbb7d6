package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/customer-export/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newWorkerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run scheduled sync retries",
		Long: `Run the queue worker: poll Redis for due retry tasks and run each as a
retry sync. Serves /health, /ready and /metrics on the worker address.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.run(func(ctx context.Context, a *app.App) error {
				return runWorker(ctx, a, c.cfg.Worker.Address)
			})
		},
	}

	cmd.Flags().String("address", ":8080", "address of the health and metrics server")
	if err := c.viper.BindPFlag("worker.address", cmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}

	return cmd
}

func runWorker(ctx context.Context, a *app.App, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           newRouter(a.Ping),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", address).Msg("Starting health and metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerErr := make(chan error, 1)
	go func() { workerErr <- a.NewWorker().Run(workerCtx) }()

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Health server failed")
			runErr = err
		}
		cancel()
		<-workerErr
	case runErr = <-workerErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Health server shutdown failed")
	}

	return runErr
}
