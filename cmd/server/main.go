package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"addrhist/internal/address/store"
	"addrhist/internal/platform/config"
	"addrhist/internal/platform/logger"
	"addrhist/internal/platform/postgres"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// main wires the cobra commands. Configuration comes from the environment;
// flags override it.
func main() {
	root := &cobra.Command{
		Use:           "addrhist",
		Short:         "Person address history service",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		addr           string
		baselinePolicy string
		logLevel       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("baseline-policy") {
				cfg.Address.BaselinePolicy = baselinePolicy
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return serve(cmd.Context(), cfg, logger.New(cfg.LogLevel))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides ADDRHIST_ADDR)")
	cmd.Flags().StringVar(&baselinePolicy, "baseline-policy", "latest", "start date baseline: latest or first (overrides ADDRESS_BASELINE_POLICY)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (overrides LOG_LEVEL)")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("database-url") {
				cfg.Postgres.URL = databaseURL
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			log := logger.New(cfg.LogLevel)

			ctx := cmd.Context()
			db, err := postgres.Open(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(ctx, db); err != nil {
				return err
			}
			log.InfoContext(ctx, "schema migrated")
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres connection URL (overrides DATABASE_URL)")
	return cmd
}
