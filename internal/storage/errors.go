package storage

import (
	"errors"
	"strings"
)

var (
	// ErrBusy reports that the busy-timeout elapsed while another writer
	// (this process, another machine, or the sync client) held the lock.
	// Recoverable; callers may retry the whole operation.
	ErrBusy = errors.New("storage: database busy")

	// ErrCorrupt reports an integrity-check failure. Fatal; never silently
	// repaired. The caller should point the user at the newest backup.
	ErrCorrupt = errors.New("storage: database corrupt")

	// ErrResetNotConfirmed is returned when Reset is called without the
	// explicit confirmation flag.
	ErrResetNotConfirmed = errors.New("storage: reset requires confirmation")
)

// classifyErr maps driver errors onto the package taxonomy, preserving the
// original error as context.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return errors.Join(ErrBusy, err)
	case strings.Contains(msg, "database disk image is malformed"), strings.Contains(msg, "file is not a database"):
		return errors.Join(ErrCorrupt, err)
	default:
		return err
	}
}

func isUniqueConstraintErr(err error, target string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, target)
}
