// Package root holds the homespun command tree.
package root

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// APP_NAME is shown in help and banners.
const APP_NAME = "homespun"

type rootFlags struct {
	configPath string
	debug      bool
	logFormat  string
	logFile    string

	logCloser io.Closer
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   APP_NAME,
		Short: "Orchestrate coding agent sessions on local or remote compute",
		Long: `homespun runs coding agent sessions inside isolated compute units,
streams their output to observers, and keeps every session's history so it can
be resumed later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return flags.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if flags.logCloser != nil {
				_ = flags.logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the config file (default $HOMESPUN_CONFIG or the user config dir)")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	cmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr")

	cmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	cmd.AddCommand(newServeCmd(&flags))
	cmd.AddCommand(newBridgeCmd(&flags))
	cmd.AddCommand(newMCPCmd(&flags))
	cmd.AddCommand(newTokenCmd(&flags))
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func (f *rootFlags) setupLogging(stderr io.Writer) error {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}

	w := stderr
	if f.logFile != "" {
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		f.logCloser = file
		w = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(f.logFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", f.logFormat)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
