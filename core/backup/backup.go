// Package backup writes full snapshots of the relay database. Nonce counters live there
// when no redis is configured, so losing the database means re-reconciling every sender.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/storage"
)

const backupFileName = "full-backup.db"

type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.EnsureLogger(log),
		db:        db,
		backupDir: backupDir,
	}
}

// PerformBackup writes a full backup under backupDir/yy-mm-dd-hh-mm-ss and returns the file
// path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	timestamp := time.Now().Format("06-01-02-15-04-05")
	backupPath := filepath.Join(s.backupDir, timestamp)

	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	s.logger.Infof("Running backup to %s", backupFile)
	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("cannot flush backup file: %w", err)
	}

	s.logger.Infof("Backup completed successfully to %s", backupFile)
	return backupFile, nil
}

// Restore loads a backup file into the database. The database should be empty and no
// relay may be running against it.
func Restore(ctx context.Context, db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("cannot open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	return nil
}
