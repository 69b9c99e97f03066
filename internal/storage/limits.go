package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordLimitsSnapshot appends a quota snapshot with insert-or-ignore dedup on
// (scope, captured_at). Returns true if a new row was written.
func (s *Store) RecordLimitsSnapshot(ctx context.Context, snap LimitsSnapshot) (bool, error) {
	capturedAt := snap.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO limits_snapshots (scope, captured_at, percent_used, reset_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, captured_at) DO NOTHING
	`,
		string(snap.Scope),
		formatTimestamp(capturedAt),
		snap.PercentUsed,
		nullable(snap.ResetAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err, "limits_snapshots") {
			return false, nil
		}
		return false, classifyErr(fmt.Errorf("storage: insert limits snapshot: %w", err))
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// FetchLatestLimits returns the most recent snapshot for one scope, or nil if
// none has been captured yet.
func (s *Store) FetchLatestLimits(ctx context.Context, scope LimitScope) (*LimitsSnapshot, error) {
	var (
		capturedAt string
		snap       = LimitsSnapshot{Scope: scope}
		resetAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT captured_at, percent_used, reset_at
		FROM limits_snapshots
		WHERE scope = ?
		ORDER BY captured_at DESC
		LIMIT 1
	`, string(scope)).Scan(&capturedAt, &snap.PercentUsed, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr(fmt.Errorf("storage: latest limits for %s: %w", scope, err))
	}
	if ts, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		snap.CapturedAt = ts
	}
	snap.ResetAt = resetAt.String
	return &snap, nil
}

// FetchDailyMaxLimits returns, per calendar day in the store's timezone, the
// peak percent-used seen for each scope. Feeds the long-range limits view.
func (s *Store) FetchDailyMaxLimits(ctx context.Context) (map[string]map[LimitScope]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, captured_at, percent_used
		FROM limits_snapshots
		ORDER BY captured_at
	`)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("storage: daily max limits: %w", err))
	}
	defer rows.Close()

	out := make(map[string]map[LimitScope]float64)
	for rows.Next() {
		var (
			scope, capturedAt string
			pct               float64
		)
		if err := rows.Scan(&scope, &capturedAt, &pct); err != nil {
			return nil, fmt.Errorf("storage: scan limits row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, capturedAt)
		if err != nil {
			continue
		}
		day := ts.In(s.loc).Format("2006-01-02")
		if out[day] == nil {
			out[day] = make(map[LimitScope]float64, len(KnownScopes))
		}
		if pct > out[day][LimitScope(scope)] {
			out[day][LimitScope(scope)] = pct
		}
	}
	return out, rows.Err()
}

// PruneLimitsSnapshots drops snapshots older than keepDays. Zero or negative
// keepDays disables pruning.
func (s *Store) PruneLimitsSnapshots(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := formatTimestamp(s.now().AddDate(0, 0, -keepDays))
	res, err := s.db.ExecContext(ctx, `DELETE FROM limits_snapshots WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, classifyErr(fmt.Errorf("storage: prune limits snapshots: %w", err))
	}
	pruned, _ := res.RowsAffected()
	return pruned, nil
}
