package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// ResetOptions guards the destructive Reset path.
type ResetOptions struct {
	// Confirm must be set explicitly by the caller after user confirmation.
	Confirm bool
}

// ResetResult reports what a reset did.
type ResetResult struct {
	BackupPath     string
	RecordsDropped int64
}

// Reset truncates the database after writing a backup copy next to it. The
// backup name carries a nanosecond UTC timestamp and this process's PID, so
// two concurrent resets never collide on the same file. Refuses to run
// without ResetOptions.Confirm.
func (s *Store) Reset(ctx context.Context, opts ResetOptions) (ResetResult, error) {
	result := ResetResult{}
	if !opts.Confirm {
		return result, ErrResetNotConfirmed
	}
	if s.path == "" {
		return result, fmt.Errorf("storage: reset requires a file-backed store")
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&result.RecordsDropped); err != nil {
		return result, classifyErr(fmt.Errorf("storage: count before reset: %w", err))
	}

	// Fold the WAL into the main file so the backup is self-contained.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return result, classifyErr(fmt.Errorf("storage: checkpoint before backup: %w", err))
	}

	backupPath := s.backupPath(s.now())
	if err := copyFile(s.path, backupPath); err != nil {
		return result, fmt.Errorf("storage: write reset backup: %w", err)
	}
	result.BackupPath = backupPath

	for _, table := range []string{"usage_records", "daily_aggregates", "limits_snapshots"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return result, classifyErr(fmt.Errorf("storage: truncate %s: %w", table, err))
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return result, classifyErr(fmt.Errorf("storage: vacuum after reset: %w", err))
	}
	return result, nil
}

func (s *Store) backupPath(now time.Time) string {
	stamp := now.UTC().Format("20060102T150405.000000000Z")
	return fmt.Sprintf("%s.reset-%s.%d.bak", s.path, stamp, os.Getpid())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
