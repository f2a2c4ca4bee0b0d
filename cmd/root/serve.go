package root

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nick-boey/homespun/pkg/auth"
	"github.com/nick-boey/homespun/pkg/cli"
	"github.com/nick-boey/homespun/pkg/config"
	"github.com/nick-boey/homespun/pkg/paths"
	"github.com/nick-boey/homespun/pkg/server"
	"github.com/nick-boey/homespun/pkg/toolserver"
	"github.com/nick-boey/homespun/pkg/version"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	*rootFlags

	listen    string
	mcpListen string
	backend   string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := serveFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session orchestrator",
		Long:  `Run the orchestrator: the HTTP API with live event feeds and, optionally, the MCP tool surface.`,
		Example: `  # Serve on the default address with the process backend
  homespun serve

  # Run agents in Docker and expose MCP tools on a second port
  homespun serve --backend docker --mcp-listen 127.0.0.1:8421

  # Listen on a Unix socket
  homespun serve --listen unix:///run/homespun.sock`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket)")
	cmd.Flags().StringVar(&flags.mcpListen, "mcp-listen", "", "Also serve MCP tools over HTTP on this address")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "Compute backend: process, docker or ecs")

	return cmd
}

// loadConfig reads the config file and applies command-line overrides.
func (f *serveFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.mcpListen != "" {
		cfg.Server.MCPListen = f.mcpListen
	}
	if f.backend != "" {
		cfg.Backend.Type = f.backend
	}
	return cfg, cfg.Validate()
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}

	if isFirstRun() {
		out.Printf("Welcome to %s! Settings are read from %s\n", APP_NAME, paths.GetConfigFile())
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
	orch.watchConfig(ctx, resolveConfigPath(f.configPath))

	ln, err := server.Listen(ctx, cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	opts := []server.Opt{server.WithCORS(cfg.Server.CORSOrigins...)}
	if cfg.Server.AuthSecret != "" {
		m, err := auth.NewManager(cfg.Server.AuthSecret)
		if err != nil {
			_ = ln.Close()
			return err
		}
		opts = append(opts, server.WithAuth(m))
	} else if !isLoopback(cfg.Server.Listen) {
		slog.Warn("API is reachable without authentication", "listen", cfg.Server.Listen)
	}

	api := server.New(orch.registry, opts...)
	g.Go(func() error { return api.Serve(ctx, ln) })
	out.Println("Listening on " + ln.Addr().String())

	if cfg.Server.MCPListen != "" {
		mcpLn, err := server.Listen(ctx, cfg.Server.MCPListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.MCPListen, err)
		}
		tools := toolserver.New(orch.registry, version.Version)
		g.Go(func() error { return tools.Serve(ctx, mcpLn) })
		out.Println("MCP tools on " + mcpLn.Addr().String() + "/mcp")
	}

	return g.Wait()
}

func isLoopback(addr string) bool {
	if strings.HasPrefix(addr, "unix://") {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
