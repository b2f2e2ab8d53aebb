package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relay/relayer"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relay service",
		Long: `Initialize and run the relay HTTP API and the pending reconciler.

Use --config=path-to-your-config-file. default is=./config/relay.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayer.RunWithConfig(configPath)
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
