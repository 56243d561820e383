package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/mcp"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the session tools over MCP stdio",
	Long: `Runs a Model Context Protocol server on stdin/stdout, exposing the
session and query operations as tools (create_session, run_query, ...).
Intended to be spawned by an MCP-capable client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Logs must stay off stdout: stdout carries the MCP protocol.
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	srv, err := mcp.NewServer(mcp.Config{
		Name:     "agentgate",
		Version:  Version,
		Sessions: sessions,
		Executor: executor,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	logger.Info("MCP server ready", "transport", "stdio", "store", storeKind(cfg))
	return srv.Run(ctx, &sdkmcp.StdioTransport{})
}
