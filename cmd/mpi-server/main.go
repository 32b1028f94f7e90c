package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mpi/mpi/internal/config"
	"github.com/mpi/mpi/internal/domain/conflict"
	"github.com/mpi/mpi/internal/domain/identity"
	"github.com/mpi/mpi/internal/domain/matching"
	"github.com/mpi/mpi/internal/platform/audit"
	"github.com/mpi/mpi/internal/platform/db"
	"github.com/mpi/mpi/internal/platform/middleware"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mpi-server",
		Short: "Patient identity matching and merge engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MPI API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
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
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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

func scoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Run one candidate scoring pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			policy, err := matching.LoadPolicy(cfg.MatchPolicyFile)
			if err != nil {
				return err
			}
			scorer, err := matching.NewScorer(policy)
			if err != nil {
				return err
			}

			metrics := telemetry.NewProvider("mpi-server")
			job := matching.NewJob(
				identity.NewPatientRepoPG(pool),
				matching.NewCandidateRepoPG(pool),
				scorer,
				cfg.ScoringWorkers,
				metrics,
				logger,
			)

			runCtx, cancel := context.WithTimeout(ctx, cfg.ScoringTimeout)
			defer cancel()

			res, err := job.Run(runCtx)
			if err != nil {
				return fmt.Errorf("scoring pass failed: %w", err)
			}
			fmt.Printf("Scored %d pair(s) across %d patient(s), %d upserted, %d with insufficient data.\n",
				res.PairsScored, res.PatientsSeen, res.Upserted, res.InsufficientData)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Scoring and conflict policies come from one document. A broken
	// policy fails startup rather than a scoring pass hours later.
	matchPolicy, err := matching.LoadPolicy(cfg.MatchPolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.MatchPolicyFile).Msg("failed to load match policy")
	}
	scorer, err := matching.NewScorer(matchPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid match policy")
	}
	conflictPolicy, err := conflict.LoadPolicy(cfg.MatchPolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load conflict policy")
	}

	metrics := telemetry.NewProvider("mpi-server")
	sink := audit.NewPGSink(pool, logger)
	inTx := matching.PoolTxer(pool)

	// Repositories
	patientRepo := identity.NewPatientRepoPG(pool)
	candidateRepo := matching.NewCandidateRepoPG(pool)
	decisionRepo := matching.NewDecisionRepoPG(pool)
	mergeRepo := matching.NewMergeRecordRepoPG(pool)
	conflictRepo := conflict.NewRepoPG(pool)

	// Services
	identitySvc := identity.NewService(patientRepo, matching.BlockingKeys, sink)
	merger := matching.NewMergeExecutor(
		patientRepo, candidateRepo, mergeRepo, conflictRepo,
		matching.BlockingKeys, scorer.SurvivorPolicy(), inTx, sink, metrics,
	)
	matchingSvc := matching.NewService(candidateRepo, decisionRepo, mergeRepo, merger, inTx, sink, metrics, logger)
	conflictSvc := conflict.NewService(conflictRepo, patientRepo, conflictPolicy, conflict.Txer(inTx), sink, metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "X-Actor"},
	}))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", metricsHandler(metrics, pool))

	apiV1 := e.Group("/api/v1")
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	matching.NewHandler(matchingSvc).RegisterRoutes(apiV1)
	conflict.NewHandler(conflictSvc).RegisterRoutes(apiV1)

	// Background scoring loop
	job := matching.NewJob(patientRepo, candidateRepo, scorer, cfg.ScoringWorkers, metrics, logger)
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go runScoringLoop(loopCtx, job, cfg.ScoringInterval, cfg.ScoringTimeout, logger)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	stopLoop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}

// runScoringLoop runs a scoring pass immediately and then on every
// tick until the context is cancelled. Each pass gets its own timeout
// so one stuck run cannot wedge the loop.
func runScoringLoop(ctx context.Context, job *matching.Job, interval, timeout time.Duration, logger zerolog.Logger) {
	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := job.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("scoring pass failed")
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// metricsHandler refreshes the pool gauges before rendering, so the
// scrape always sees current connection counts.
func metricsHandler(metrics *telemetry.Provider, pool *pgxpool.Pool) echo.HandlerFunc {
	render := metrics.PrometheusHandler()
	return func(c echo.Context) error {
		stats := db.GetPoolStats(pool)
		metrics.SetGauge(telemetry.GaugeDBPoolActive, int64(stats.AcquiredConns))
		metrics.SetGauge(telemetry.GaugeDBPoolIdle, int64(stats.IdleConns))
		return render(c)
	}
}
