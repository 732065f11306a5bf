/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contract billing server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve     Start the HTTP API server
  migrate   Apply the database schema and exit

STARTUP SEQUENCE (serve):
  1. Load config (.env, environment, flags)
  2. Open the store (SQLite file or PostgreSQL pool) and migrate
  3. Build the billing service and API handler
  4. Start the contract expiry sweeper
  5. Start server with graceful shutdown

FLAGS:
  --port          HTTP server port (PORT, default: 8080)
  --db-driver     sqlite | postgres (DB_DRIVER, default: sqlite)
  --database-url  SQLite path or PostgreSQL URL (DATABASE_URL, default: billing.db)
                  Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --database-url=./data/billing.db
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/billing ./server serve
  ./server migrate --db-driver=postgres --database-url=postgres://localhost/billing

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/contract-billing/api"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/config"
	"github.com/warp/contract-billing/store/postgres"
	"github.com/warp/contract-billing/store/sqlite"
)

// backend is what both database stores provide.
type backend interface {
	billing.TxStore
	Reset(ctx context.Context) error
	Close() error
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "billing-server",
		Short: "Clinic contract billing and payment reconciliation server",
	}
	rootCmd.PersistentFlags().String("port", "8080", "HTTP server port")
	rootCmd.PersistentFlags().String("db-driver", config.DriverSQLite, "database driver (sqlite|postgres)")
	rootCmd.PersistentFlags().String("database-url", "billing.db", "SQLite path or PostgreSQL URL")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(bindFlags(cmd))
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(bindFlags(cmd))
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			// Opening a store applies the schema
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info().Str("driver", cfg.DBDriver).Msg("migrations applied")
			return nil
		},
	}
}

// bindFlags lets command-line flags override environment and .env values.
func bindFlags(cmd *cobra.Command) config.Option {
	return func(v *viper.Viper) error {
		for key, name := range map[string]string{
			"PORT":         "port",
			"DB_DRIVER":    "db-driver",
			"DATABASE_URL": "database-url",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		return nil
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("connected to postgres")
		return store, nil
	default:
		store, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.DatabaseURL).Msg("opened sqlite database")
		return store, nil
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize database")
		return err
	}
	defer store.Close()

	svc := billing.NewService(store,
		billing.WithLogger(logger.With().Str("component", "billing").Logger()),
		billing.WithTxTimeout(cfg.TxTimeout),
	)

	sweeper := api.NewExpirySweeper(svc.Contracts, cfg.ExpirySweepInterval, logger)
	sweeper.Start()

	handler := api.NewHandler(svc, store, logger.With().Str("component", "api").Logger())
	router := api.NewRouter(handler, cfg.CORSOrigins, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or a failed listener
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		sweeper.Stop()
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	logger.Info().Msg("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
