package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relay/relayer"
	"github.com/AvaProtocol/ap-relay/storage"
)

var (
	statusDbPath string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display pending submissions",
		Long:  `Display the submissions stored in the relay database that still wait for a receipt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Relay Status Report\n")
			fmt.Fprintf(out, "===================\n\n")
			fmt.Fprintf(out, "Using database path: %s\n\n", statusDbPath)

			db, err := storage.NewWithPath(statusDbPath)
			if err != nil {
				return fmt.Errorf("failed to open database, make sure the relay has been started at least once: %w", err)
			}
			defer db.Close()

			pending, err := relayer.NewSubmissionStore(db).ListPending()
			if err != nil {
				return fmt.Errorf("failed to query pending submissions: %w", err)
			}

			fmt.Fprintf(out, "Pending submissions: %d\n", len(pending))
			for i, r := range pending {
				if i >= 10 {
					fmt.Fprintf(out, "   ... and %d more\n", len(pending)-10)
					break
				}
				fmt.Fprintf(out, "   %d. %s sender=%s bundlerOperationId=%s status=%s\n",
					i+1, r.IdempotencyKey, r.Sender.Hex(), r.BundlerOperationID, r.Status)
			}
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db", "./data/badger", "path to the relay database")
	rootCmd.AddCommand(statusCmd)
}
