package root

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nick-boey/homespun/pkg/config"
	"github.com/nick-boey/homespun/pkg/toolserver"
	"github.com/nick-boey/homespun/pkg/version"
)

func newMCPCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run an orchestrator that is driven through MCP tools on stdio",
		Long: `Run an orchestrator whose sessions are controlled through MCP tools over
standard input and output, for use as an MCP server in an agent or editor.
Logs go to stderr or --log-file so they never mix with the protocol.`,
		Example: `  # Register with an MCP client
  {"command": "homespun", "args": ["mcp", "--log-file", "/tmp/homespun.log"]}`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := orch.close(shutdownCtx); err != nil {
					slog.Error("Shutdown incomplete", "error", err)
				}
			}()
			orch.watchConfig(ctx, resolveConfigPath(root.configPath))

			return toolserver.New(orch.registry, version.Version).RunStdio(ctx)
		},
	}
}
