package root

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/nick-boey/homespun/pkg/auth"
	"github.com/nick-boey/homespun/pkg/cli"
	"github.com/nick-boey/homespun/pkg/config"
)

type tokenFlags struct {
	*rootFlags

	subject string
	ttl     time.Duration
}

func newTokenCmd(root *rootFlags) *cobra.Command {
	flags := tokenFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the orchestrator API",
		Long: `Sign a bearer token with the configured server.auth_secret. Pass it to session
commands with --token or $` + envToken + `.`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runTokenCommand,
	}

	cmd.Flags().StringVar(&flags.subject, "subject", "operator", "Name recorded in the token")
	cmd.Flags().DurationVar(&flags.ttl, "ttl", 24*time.Hour, "Token lifetime (0 never expires)")

	return cmd
}

func (f *tokenFlags) runTokenCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	m, err := auth.NewManager(cfg.Server.AuthSecret)
	if errors.Is(err, auth.ErrNoSecret) {
		return errors.New("server.auth_secret is not configured")
	}
	if err != nil {
		return err
	}

	token, err := m.GenerateToken(f.subject, f.ttl)
	if err != nil {
		return err
	}
	cli.NewPrinter(cmd.OutOrStdout()).Println(token)
	return nil
}
