package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/citiesmods/resource_downloader/internal/logctx"
)

// DeleteExpiredFiles deletes downloaded files older than keepDuration from
// dir. Subdirectories (notably the staging area) are skipped here; stale
// staging leftovers are handled by DeleteStaleStaging.
func DeleteExpiredFiles(ctx context.Context, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired file", "file", filePath, "err", err)

			return err
		}

		logger.Info("deleted expired file", "file", filePath)
	}

	return nil
}

// DeleteStaleStaging removes partial transfer files whose resume tokens can
// no longer reference them: tokens do not survive a restart, so any .part
// file older than keepDuration is an orphan.
func DeleteStaleStaging(ctx context.Context, stagingDir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	matches, err := filepath.Glob(filepath.Join(stagingDir, "*.part"))
	if err != nil {
		return err
	}

	for _, filePath := range matches {
		info, err := os.Stat(filePath)
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale staging file", "file", filePath, "err", err)

			continue
		}

		logger.Info("deleted stale staging file", "file", filePath)
	}

	return nil
}
