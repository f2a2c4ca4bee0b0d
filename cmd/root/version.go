package root

import (
	"github.com/spf13/cobra"

	"github.com/nick-boey/homespun/pkg/cli"
	"github.com/nick-boey/homespun/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cli.NewPrinter(cmd.OutOrStdout()).Println(APP_NAME, version.String())
		},
	}
}
