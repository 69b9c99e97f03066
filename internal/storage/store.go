package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the on-disk usage database. It is safe for concurrent use from
// multiple goroutines; cross-process writers are serialized by SQLite's WAL
// mode plus the busy timeout, nothing else.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
	loc  *time.Location
}

// Open opens (creating if necessary) the database at path, applies pragmas
// and forward-only migrations, and verifies integrity. Safe to call
// repeatedly.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening DB: %w", err)
	}

	store := NewStore(db)
	store.path = path
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an already-open connection. Used by tests and by Open.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now, loc: time.Local}
}

// SetLocation sets the timezone used to bucket records into calendar days.
func (s *Store) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path, empty for stores wrapped around an
// existing connection.
func (s *Store) Path() string { return s.path }

// schemaVersion is the current PRAGMA user_version. Migrations are forward
// only and additive; a downgrade is never applied.
const schemaVersion = 2

// timestampLayout is the stored form of every instant. The fixed-width
// fraction keeps lexicographic order identical to time order, which the
// timestamp index comparisons and MAX() rely on; RFC3339Nano trims trailing
// zeros and loses that property within a second.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Init applies pragmas, the schema, and pending migrations. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if err := configureConnection(s.db); err != nil {
		return fmt.Errorf("storage: configure connection: %w", err)
	}

	if err := s.checkIntegrity(ctx); err != nil {
		return err
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateV1(ctx); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateV2(ctx); err != nil {
			return err
		}
	}

	if version < schemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("storage: bump schema version: %w", err)
		}
	}
	return nil
}

// checkIntegrity runs SQLite's quick check. A failure is surfaced as
// ErrCorrupt and never auto-repaired.
func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check(1)`).Scan(&result); err != nil {
		return classifyErr(fmt.Errorf("storage: integrity check: %w", err))
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check reported %q", ErrCorrupt, result)
	}
	return nil
}

func (s *Store) migrateV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			model TEXT,
			project_path TEXT NOT NULL,
			branch TEXT,
			producer_version TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			UNIQUE(session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_date ON usage_records(date);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp);`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			date TEXT PRIMARY KEY,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			prompt_count INTEGER NOT NULL,
			response_count INTEGER NOT NULL,
			session_count INTEGER NOT NULL,
			computed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS limits_snapshots (
			scope TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			percent_used REAL NOT NULL,
			reset_at TEXT,
			UNIQUE(scope, captured_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_limits_snapshots_captured_at ON limits_snapshots(captured_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyErr(fmt.Errorf("storage: init schema: %w", err))
		}
	}
	return nil
}

// migrateV2 adds the machine_label column to databases created before
// multi-machine sync existed. Additive only; the column check makes it safe
// against a database another machine already migrated.
func (s *Store) migrateV2(ctx context.Context) error {
	has, err := s.hasColumn(ctx, "usage_records", "machine_label")
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE usage_records ADD COLUMN machine_label TEXT`); err != nil {
		return classifyErr(fmt.Errorf("storage: add machine_label column: %w", err))
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("storage: table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("storage: scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// InsertRecords persists records with insert-or-ignore dedup on
// (session_id, message_id). The first write for a key wins; later writes with
// different token counts are counted as duplicates and discarded. Inserts are
// applied in submission order within one transaction.
func (s *Store) InsertRecords(ctx context.Context, records []UsageRecord) (InsertSummary, error) {
	summary := InsertSummary{}
	if len(records) == 0 {
		return summary, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, classifyErr(fmt.Errorf("storage: begin tx: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			date, timestamp, session_id, message_id, role, model,
			project_path, branch, producer_version, machine_label,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO NOTHING
	`)
	if err != nil {
		return summary, classifyErr(fmt.Errorf("storage: prepare insert: %w", err))
	}
	defer stmt.Close()

	touched := make(map[string]struct{}, 8)
	for _, rec := range records {
		dateKey := rec.DateKey(s.loc)
		res, err := stmt.ExecContext(ctx,
			dateKey,
			formatTimestamp(rec.Timestamp),
			rec.SessionID,
			rec.MessageID,
			string(rec.Role),
			nullable(rec.Model),
			rec.ProjectPath,
			nullable(rec.Branch),
			rec.ProducerVersion,
			nullable(rec.MachineLabel),
			rec.InputTokens,
			rec.OutputTokens,
			rec.CacheWriteTokens,
			rec.CacheReadTokens,
			rec.TotalTokens(),
		)
		if err != nil {
			return summary, classifyErr(fmt.Errorf("storage: insert record %s/%s: %w", rec.SessionID, rec.MessageID, err))
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			summary.Duplicates++
			continue
		}
		summary.Inserted++
		if _, ok := touched[dateKey]; !ok {
			touched[dateKey] = struct{}{}
			summary.Dates = append(summary.Dates, dateKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return summary, classifyErr(fmt.Errorf("storage: commit insert tx: %w", err))
	}
	return summary, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
