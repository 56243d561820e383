package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/db"
	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		}, logger)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flushing traces", "error", err)
			}
		}()
	}

	st, pool, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	sessions := session.NewManager(st, session.Config{
		TTL:           cfg.SessionTTL,
		MaxSessions:   cfg.MaxSessions,
		SweepInterval: cfg.SweepInterval,
	}, logger)
	go sessions.Run(ctx)

	runner := agent.NewCLIRunner(cfg.AgentCommand, logger)
	executor := query.NewExecutor(runner, st, logger)

	srv, err := api.NewServer(api.ServerConfig{
		Logger:       logger,
		Sessions:     sessions,
		Executor:     executor,
		Pool:         pool,
		QueryTimeout: cfg.QueryTimeout,
		TrustProxy:   cfg.TrustProxy,
		RateBurst:    cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	logger.Info("agentgate ready",
		"addr", cfg.Addr,
		"store", storeKind(cfg),
		"agent", cfg.AgentCommand,
		"session_ttl", cfg.SessionTTL,
		"max_sessions", cfg.MaxSessions,
	)
	return srv.Run(ctx, cfg.Addr)
}

// newStore selects the persistence backend: PostgreSQL when a host is
// configured (running migrations first), the in-memory table otherwise.
func newStore(ctx context.Context, cfg *config.Config, logger log.Logger) (store.Store, *pgxpool.Pool, error) {
	if !cfg.UsePostgres() {
		logger.Warn("no PostgreSQL host configured, sessions will not survive restarts")
		return store.NewMemory(), nil, nil
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	return store.NewPostgres(pool, logger), pool, nil
}

func storeKind(cfg *config.Config) string {
	if cfg.UsePostgres() {
		return "postgres"
	}
	return "memory"
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}
