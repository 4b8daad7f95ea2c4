package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/acme/claims/internal/config"
	"github.com/acme/claims/internal/ingest/audit"
	"github.com/acme/claims/internal/ingest/orchestrator"
	"github.com/acme/claims/internal/ingest/orchestrator/localfs"
	"github.com/acme/claims/internal/ingest/parse"
	"github.com/acme/claims/internal/ingest/persist"
	"github.com/acme/claims/internal/ingest/reconcile"
	"github.com/acme/claims/internal/ingest/refdata"
	"github.com/acme/claims/internal/ingest/verify"
	"github.com/acme/claims/internal/ops"
	"github.com/acme/claims/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claims-ingestor",
		Short: "Claim ingestion and reconciliation engine",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion engine and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Ingestion wiring: everything shares the pool; reconciliation runs
	// inside the persisting transaction through the context tx.
	txRunner := &db.PoolTxRunner{Pool: pool}
	resolver := refdata.NewResolver(pool, logger)
	recEngine := reconcile.NewEngine(reconcile.NewStorePG(pool), logger)
	persistSvc := persist.NewService(persist.NewStorePG(pool), resolver, recEngine, txRunner, logger)
	verifySvc := verify.NewService(verify.NewStorePG(pool), logger)
	recorder := audit.NewRecorder(audit.NewStorePG(pool), logger, cfg.Profile, cfg.FetcherName, "noop")
	fetcher := localfs.New(cfg.InboxDir, cfg.ArchiveDir, logger)
	parser := parse.NewParser(logger)

	orch := orchestrator.New(orchestrator.Config{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		PollInterval:  cfg.PollInterval,
		RetryMax:      cfg.RetryMax,
		AckEnabled:    cfg.AckEnabled,
	}, fetcher, parser, persistSvc, verifySvc, orchestrator.NewStorePG(pool), recorder, orchestrator.NoopAcker{}, logger)

	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestrator")
	}

	// Ops API
	e := ops.NewServer(pool, ops.NewStorePG(pool), logger)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("ops server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server stopped")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	cancel()
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown")
	}

	logger.Info().Msg("stopped")
	return nil
}
