package storage

import (
	"database/sql"
	"fmt"
)

// busyTimeoutMillis bounds how long a write waits on another process's
// in-flight transaction before surfacing ErrBusy. The database file may be a
// cloud-sync client's active upload target while a second machine opens it,
// so this is deliberately generous.
const busyTimeoutMillis = 30000

func configureConnection(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("set journal_mode WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set synchronous NORMAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout = %d;`, busyTimeoutMillis)); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}

	// Keep multiple connections so dashboard reads do not stall behind
	// ingest writes.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	return nil
}
