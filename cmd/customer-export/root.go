package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/customer-export/internal/app"
	"github.com/Sternrassler/customer-export/internal/config"
	"github.com/Sternrassler/customer-export/pkg/logging"
)

// version is set at build time.
var version = "dev"

// cli carries state shared by the subcommands.
type cli struct {
	viper      *viper.Viper
	configFile string
	cfg        *config.Config

	// newApp is replaced in tests.
	newApp func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&cli{
		viper:  config.New(),
		newApp: app.New,
	})
}

func newRootCmdFor(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "customer-export",
		Short:        "Incremental customer export",
		Long:         `customer-export copies every customer from the customers API into a local record store, resuming after the last exported record and backing off when the API rate limits.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (YAML)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable console logs")
	flags.String("store", "", "record store path (default depends on backend)")

	bindings := map[string]string{
		"log.level":  "log-level",
		"log.pretty": "pretty",
		"store.path": "store",
	}
	for key, flag := range bindings {
		if err := c.viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(newSyncCmd(c))
	rootCmd.AddCommand(newWorkerCmd(c))
	rootCmd.AddCommand(newStatusCmd(c))

	return rootCmd
}

// load reads .env, the config file and the environment, then sets up logging.
func (c *cli) load() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Load(c.viper, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Output:  os.Stderr,
		Service: "customer-export",
	})
	return nil
}

// run builds the App under a context cancelled by SIGINT/SIGTERM and calls fn.
func (c *cli) run(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := c.newApp(ctx, c.cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close resources")
		}
	}()

	return fn(ctx, a)
}
