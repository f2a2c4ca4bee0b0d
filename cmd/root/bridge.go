package root

import (
	"cmp"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nick-boey/homespun/pkg/bridge"
	"github.com/nick-boey/homespun/pkg/cli"
	"github.com/nick-boey/homespun/pkg/config"
	"github.com/nick-boey/homespun/pkg/server"
)

type bridgeFlags struct {
	*rootFlags

	listen    string
	binary    string
	extraArgs []string
}

func newBridgeCmd(root *rootFlags) *cobra.Command {
	flags := bridgeFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the agent bridge inside a compute unit",
		Long: `Run the agent bridge: an HTTP and websocket service that starts the agent runtime
and relays its messages, questions and plans to the orchestrator. Compute units run
this command; the listen address defaults to $` + bridge.EnvListenAddr + `.`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runBridgeCommand,
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket)")
	cmd.Flags().StringVar(&flags.binary, "claude-bin", "", "Agent runtime executable")
	cmd.Flags().StringSliceVar(&flags.extraArgs, "runtime-arg", nil, "Extra argument for the agent runtime (repeatable)")

	return cmd
}

func (f *bridgeFlags) runBridgeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	addr := cmp.Or(f.listen, os.Getenv(bridge.EnvListenAddr), "127.0.0.1:8080")
	launcher := &bridge.ClaudeLauncher{
		Binary:    cmp.Or(f.binary, os.Getenv(envClaudeBinary), cfg.Agent.Binary),
		ExtraArgs: append(cfg.Agent.ExtraArgs, f.extraArgs...),
	}

	ln, err := server.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	out.Println("Bridge listening on " + ln.Addr().String() + " (" + strings.Join(append([]string{launcher.Binary}, launcher.ExtraArgs...), " ") + ")")
	return bridge.NewServer(bridge.New(launcher, nil)).Serve(ctx, ln)
}
