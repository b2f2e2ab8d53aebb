package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relay/core/backup"
	"github.com/AvaProtocol/ap-relay/storage"
)

var (
	backupDir   string
	dbPath      string
	restoreFile string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup the relay database",
		Long: `Write a full backup of the relay BadgerDB.

Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm-ss/full-backup.db
Stop the relay first, badger allows a single process per database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			file, err := backup.NewService(nil, db, backupDir).PerformBackup(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", file)
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the relay database from a backup",
		Long: `Load a backup file produced by "ap-relay backup" into the database at --db-path.

The nonce counters it contains are reconciled with the EntryPoint again on first use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := backup.Restore(context.Background(), db, restoreFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s\n", restoreFile, dbPath)
			return nil
		},
	}
)

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "./data/badger", "path to the relay database")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./data/backups", "directory to store backups")
	restoreCmd.Flags().StringVar(&dbPath, "db-path", "./data/badger", "path to the relay database")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore from")
	_ = restoreCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}
