package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpdateDailyAggregates recomputes the aggregate rows for exactly the given
// dates by summing the records currently stored for each date. Callers pass
// the date set the latest insert batch touched; nothing else is recomputed.
//
// A date with zero current records is skipped entirely, leaving any existing
// aggregate row in place. Wholesale recomputation from the currently visible
// log window would erase history once the producer expires old logs, which is
// exactly the failure this function is shaped to avoid. Recomputing the same
// date twice with unchanged records yields the same row.
func (s *Store) UpdateDailyAggregates(ctx context.Context, dates []string) error {
	if len(dates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr(fmt.Errorf("storage: begin aggregate tx: %w", err))
	}
	defer tx.Rollback()

	computedAt := formatTimestamp(s.now())
	for _, date := range dates {
		var (
			recordCount int64
			agg         DailyAggregate
		)
		err := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*),
				COALESCE(SUM(input_tokens), 0),
				COALESCE(SUM(output_tokens), 0),
				COALESCE(SUM(cache_write_tokens), 0),
				COALESCE(SUM(cache_read_tokens), 0),
				COALESCE(SUM(total_tokens), 0),
				COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0),
				COUNT(DISTINCT session_id)
			FROM usage_records
			WHERE date = ?
		`, date).Scan(
			&recordCount,
			&agg.InputTokens,
			&agg.OutputTokens,
			&agg.CacheWriteTokens,
			&agg.CacheReadTokens,
			&agg.TotalTokens,
			&agg.PromptCount,
			&agg.ResponseCount,
			&agg.SessionCount,
		)
		if err != nil {
			return classifyErr(fmt.Errorf("storage: sum records for %s: %w", date, err))
		}
		if recordCount == 0 {
			// Source records for this date have aged out; the stored
			// aggregate is the only surviving history.
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO daily_aggregates (
				date, input_tokens, output_tokens, cache_write_tokens,
				cache_read_tokens, total_tokens, prompt_count, response_count,
				session_count, computed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			date,
			agg.InputTokens,
			agg.OutputTokens,
			agg.CacheWriteTokens,
			agg.CacheReadTokens,
			agg.TotalTokens,
			agg.PromptCount,
			agg.ResponseCount,
			agg.SessionCount,
			computedAt,
		); err != nil {
			return classifyErr(fmt.Errorf("storage: upsert aggregate for %s: %w", date, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyErr(fmt.Errorf("storage: commit aggregate tx: %w", err))
	}
	return nil
}

// FetchDailyAggregates returns aggregates for the inclusive date-key range,
// ordered by date. Empty from/to leave that bound open.
func (s *Store) FetchDailyAggregates(ctx context.Context, from, to string) ([]DailyAggregate, error) {
	query := `
		SELECT date, input_tokens, output_tokens, cache_write_tokens,
		       cache_read_tokens, total_tokens, prompt_count, response_count,
		       session_count, computed_at
		FROM daily_aggregates
		WHERE 1=1`
	args := make([]any, 0, 2)
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("storage: fetch daily aggregates: %w", err))
	}
	defer rows.Close()

	var out []DailyAggregate
	for rows.Next() {
		var (
			agg        DailyAggregate
			computedAt string
		)
		if err := rows.Scan(
			&agg.Date,
			&agg.InputTokens,
			&agg.OutputTokens,
			&agg.CacheWriteTokens,
			&agg.CacheReadTokens,
			&agg.TotalTokens,
			&agg.PromptCount,
			&agg.ResponseCount,
			&agg.SessionCount,
			&computedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan daily aggregate: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, computedAt); err == nil {
			agg.ComputedAt = ts
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// FillEmptyDays inserts zero aggregates for any calendar day between the
// oldest aggregated date and today that has no row, so long-range views see
// contiguous coverage. Existing rows are never replaced.
func (s *Store) FillEmptyDays(ctx context.Context) (int, error) {
	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(date) FROM daily_aggregates`).Scan(&oldest); err != nil {
		return 0, classifyErr(fmt.Errorf("storage: oldest aggregate date: %w", err))
	}
	if !oldest.Valid || oldest.String == "" {
		return 0, nil
	}

	start, err := time.ParseInLocation("2006-01-02", oldest.String, s.loc)
	if err != nil {
		return 0, fmt.Errorf("storage: parse oldest date %q: %w", oldest.String, err)
	}
	end := s.now().In(s.loc)
	computedAt := formatTimestamp(s.now())

	filled := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO daily_aggregates (
				date, input_tokens, output_tokens, cache_write_tokens,
				cache_read_tokens, total_tokens, prompt_count, response_count,
				session_count, computed_at
			) VALUES (?, 0, 0, 0, 0, 0, 0, 0, 0, ?)
		`, day.Format("2006-01-02"), computedAt)
		if err != nil {
			return filled, classifyErr(fmt.Errorf("storage: fill empty day: %w", err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			filled++
		}
	}
	return filled, nil
}
