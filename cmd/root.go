package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath = "./config/relay.yaml"
	rootCmd    = &cobra.Command{
		Use:   "ap-relay",
		Short: "Gasless smart account transaction relay",
		Long: `Relay sponsored ERC-4337 user operations for smart accounts.

Such as "ap-relay run" to start the service or "ap-relay resolve" to find the
smart account of an owner.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config/relay.yaml", "Path to config file")
}
