package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/agent"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve memory tools to agents over MCP (stdio)",
	Long: `Serve memory tools to agents over MCP on stdin/stdout.

Register membank as an MCP server in your agent's configuration and it gains
store_memory, get_memory, search_memories, delete_memory, and sync_memories
tools, all backed by the same caching and offline fallback as the CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := agent.NewMCPServer(agent.Deps{Client: c})
		stdioSrv := server.NewStdioServer(mcpSrv)

		slog.Info("MCP server started (stdio transport)")
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
