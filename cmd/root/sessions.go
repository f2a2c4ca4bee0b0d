package root

import (
	"cmp"
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nick-boey/homespun/pkg/cli"
	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

const (
	// envServer points session commands at a running orchestrator.
	envServer = "HOMESPUN_SERVER"
	envToken  = "HOMESPUN_TOKEN"
)

type sessionsFlags struct {
	server     string
	token      string
	jsonOutput bool
}

func (f *sessionsFlags) client() *cli.Client {
	return cli.NewClient(cmp.Or(f.server, os.Getenv(envServer), "127.0.0.1:8420")).
		WithToken(cmp.Or(f.token, os.Getenv(envToken)))
}

func newSessionsCmd() *cobra.Command {
	var flags sessionsFlags

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Inspect and drive sessions on a running orchestrator",
		GroupID: "core",
	}

	cmd.PersistentFlags().StringVar(&flags.server, "server", "", "Orchestrator address (default $"+envServer+" or 127.0.0.1:8420)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token for an authenticated orchestrator (default $"+envToken+")")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Output in JSON format")

	cmd.AddCommand(newSessionsListCmd(&flags))
	cmd.AddCommand(newSessionsShowCmd(&flags))
	cmd.AddCommand(newSessionsStartCmd(&flags))
	cmd.AddCommand(newSessionsSendCmd(&flags))
	cmd.AddCommand(newSessionsStopCmd(&flags))
	cmd.AddCommand(newSessionsWatchCmd(&flags))

	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSessionsListCmd(flags *sessionsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [project]",
		Short: "List live sessions, or every live and cached session of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				list []session.Session
				err  error
			)
			if len(args) == 1 {
				list, err = flags.client().ListProjectSessions(cmd.Context(), args[0])
			} else {
				list, err = flags.client().ListSessions(cmd.Context())
			}
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, list)
			}
			cli.NewPrinter(cmd.OutOrStdout()).PrintSessions(list)
			return nil
		},
	}
}

func newSessionsShowCmd(flags *sessionsFlags) *cobra.Command {
	var withMessages bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and optionally its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			s, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var msgs []protocol.Message
			if withMessages {
				if msgs, err = c.Messages(cmd.Context(), args[0]); err != nil {
					return err
				}
			}

			if flags.jsonOutput {
				return writeJSON(cmd, struct {
					Session  session.Session    `json:"session"`
					Messages []protocol.Message `json:"messages,omitempty"`
				}{s, msgs})
			}

			out := cli.NewPrinter(cmd.OutOrStdout())
			out.PrintSession(s)
			if withMessages {
				out.Println()
				out.PrintMessages(msgs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&withMessages, "messages", "m", false, "Include the cached transcript")

	return cmd
}

func newSessionsStartCmd(flags *sessionsFlags) *cobra.Command {
	var req session.StartRequest
	var mode string

	cmd := &cobra.Command{
		Use:   "start <project> <entity> [prompt...]",
		Short: "Start a session for an entity",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ProjectID, req.EntityID = args[0], args[1]
			req.Prompt = strings.Join(args[2:], " ")
			req.Mode = protocol.SessionMode(mode)

			s, err := flags.client().Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, s)
			}
			cli.NewPrinter(cmd.OutOrStdout()).PrintSession(s)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Session mode: plan or build")
	cmd.Flags().StringVar(&req.Model, "model", "", "Model for the agent")
	cmd.Flags().StringVar(&req.WorkingDir, "working-dir", "", "Working directory for the agent")
	cmd.Flags().StringVar(&req.ResumeID, "resume", "", "Resume a previous session by id")

	return cmd
}

func newSessionsSendCmd(flags *sessionsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a message to a session's agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.client().Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, s)
			}
			cli.NewPrinter(cmd.OutOrStdout()).Printf("%s is %s\n", s.ID, s.State)
			return nil
		},
	}
}

func newSessionsStopCmd(flags *sessionsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session and release its compute unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.client().Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, s)
			}
			cli.NewPrinter(cmd.OutOrStdout()).Printf("%s is %s\n", s.ID, s.State)
			return nil
		},
	}
}

func newSessionsWatchCmd(flags *sessionsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's live events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cli.NewPrinter(cmd.OutOrStdout())
			enc := json.NewEncoder(cmd.OutOrStdout())
			return flags.client().Watch(cmd.Context(), args[0], func(ev events.Event) {
				if flags.jsonOutput {
					_ = enc.Encode(ev)
					return
				}
				out.PrintEvent(ev)
			})
		},
	}
}
