package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/mod/semver"
)

// FetchRecords returns stored records matching the filter in timestamp order.
func (s *Store) FetchRecords(ctx context.Context, filter RecordFilter) ([]UsageRecord, error) {
	query := `
		SELECT timestamp, session_id, message_id, role, model, project_path,
		       branch, producer_version, machine_label,
		       input_tokens, output_tokens, cache_write_tokens, cache_read_tokens
		FROM usage_records
		WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.From != "" {
		query += ` AND date >= ?`
		args = append(args, filter.From)
	}
	if filter.To != "" {
		query += ` AND date <= ?`
		args = append(args, filter.To)
	}
	if filter.ProjectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, filter.ProjectPath)
	}
	if filter.MachineLabel != "" {
		query += ` AND COALESCE(machine_label, '') = ?`
		args = append(args, filter.MachineLabel)
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("storage: fetch records: %w", err))
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			rec                   UsageRecord
			ts, role              string
			model, branch, labelV sql.NullString
		)
		if err := rows.Scan(
			&ts,
			&rec.SessionID,
			&rec.MessageID,
			&role,
			&model,
			&rec.ProjectPath,
			&branch,
			&rec.ProducerVersion,
			&labelV,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CacheWriteTokens,
			&rec.CacheReadTokens,
		); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: parse stored timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed
		rec.Role = Role(role)
		rec.Model = model.String
		rec.Branch = branch.String
		rec.MachineLabel = labelV.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats summarizes the whole database for the stats command and the
// reconciler's freshness signal.
type Stats struct {
	TotalRecords    int64
	TotalDays       int64
	OldestDate      string
	NewestDate      string
	NewestTimestamp time.Time
	TotalTokens     int64
	PromptCount     int64
	ResponseCount   int64
	SessionCount    int64
	TokensByModel   map[string]int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{TokensByModel: map[string]int64{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&stats.TotalRecords); err != nil {
		return stats, classifyErr(fmt.Errorf("storage: count records: %w", err))
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT date), MIN(date), MAX(date) FROM usage_records`,
	).Scan(&stats.TotalDays, &oldest, &newest); err != nil {
		return stats, classifyErr(fmt.Errorf("storage: record date range: %w", err))
	}
	stats.OldestDate = oldest.String
	stats.NewestDate = newest.String

	var newestTS sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM usage_records`).Scan(&newestTS); err != nil {
		return stats, classifyErr(fmt.Errorf("storage: newest timestamp: %w", err))
	}
	if newestTS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, newestTS.String); err == nil {
			stats.NewestTimestamp = ts
		}
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(prompt_count), 0),
			COALESCE(SUM(response_count), 0),
			COALESCE(SUM(session_count), 0)
		FROM daily_aggregates
	`).Scan(&stats.TotalTokens, &stats.PromptCount, &stats.ResponseCount, &stats.SessionCount); err != nil {
		return stats, classifyErr(fmt.Errorf("storage: aggregate totals: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, SUM(total_tokens)
		FROM usage_records
		WHERE model IS NOT NULL
		GROUP BY model
		ORDER BY SUM(total_tokens) DESC
	`)
	if err != nil {
		return stats, classifyErr(fmt.Errorf("storage: tokens by model: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			model  string
			tokens int64
		)
		if err := rows.Scan(&model, &tokens); err != nil {
			return stats, fmt.Errorf("storage: scan model tokens: %w", err)
		}
		stats.TokensByModel[model] = tokens
	}
	return stats, rows.Err()
}

// RecordCountSince counts records with a timestamp at or after since,
// optionally restricted to one machine label. Used by the reconciler to
// compare the stored window against the live log window.
func (s *Store) RecordCountSince(ctx context.Context, since time.Time, machineLabel string) (int64, error) {
	query := `SELECT COUNT(*) FROM usage_records WHERE timestamp >= ?`
	args := []any{formatTimestamp(since)}
	if machineLabel != "" {
		query += ` AND COALESCE(machine_label, '') = ?`
		args = append(args, machineLabel)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, classifyErr(fmt.Errorf("storage: count records since: %w", err))
	}
	return count, nil
}

// DeviceStat is a per-machine rollup. Records are the source of per-device
// statistics; there is no separate devices table.
type DeviceStat struct {
	MachineLabel     string
	TotalRecords     int64
	SessionCount     int64
	ResponseCount    int64
	TotalTokens      int64
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	OldestDate       string
	NewestDate       string
	// NewestProducerVersion is the highest producer version seen from this
	// machine, compared as semver.
	NewestProducerVersion string
}

func (s *Store) DeviceStats(ctx context.Context) ([]DeviceStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(machine_label, 'unknown') AS machine,
			COUNT(*),
			COUNT(DISTINCT session_id),
			SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			MIN(date),
			MAX(date)
		FROM usage_records
		GROUP BY machine
		ORDER BY SUM(total_tokens) DESC
	`)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("storage: device stats: %w", err))
	}
	defer rows.Close()

	var out []DeviceStat
	for rows.Next() {
		var stat DeviceStat
		if err := rows.Scan(
			&stat.MachineLabel,
			&stat.TotalRecords,
			&stat.SessionCount,
			&stat.ResponseCount,
			&stat.TotalTokens,
			&stat.InputTokens,
			&stat.OutputTokens,
			&stat.CacheWriteTokens,
			&stat.CacheReadTokens,
			&stat.OldestDate,
			&stat.NewestDate,
		); err != nil {
			return nil, fmt.Errorf("storage: scan device stat: %w", err)
		}
		version, err := s.newestProducerVersion(ctx, stat.MachineLabel)
		if err != nil {
			return nil, err
		}
		stat.NewestProducerVersion = version
		out = append(out, stat)
	}
	return out, rows.Err()
}

func (s *Store) newestProducerVersion(ctx context.Context, machineLabel string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT producer_version
		FROM usage_records
		WHERE COALESCE(machine_label, 'unknown') = ?
	`, machineLabel)
	if err != nil {
		return "", classifyErr(fmt.Errorf("storage: producer versions: %w", err))
	}
	defer rows.Close()

	newest := ""
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", fmt.Errorf("storage: scan producer version: %w", err)
		}
		if newest == "" || compareProducerVersions(v, newest) > 0 {
			newest = v
		}
	}
	return newest, rows.Err()
}

// compareProducerVersions orders producer version strings. The producer
// reports plain "2.0.14"-style versions, so a "v" prefix is added before
// semver comparison; unparseable versions lose to valid ones and fall back to
// string order among themselves.
func compareProducerVersions(a, b string) int {
	va, vb := "v"+a, "v"+b
	validA, validB := semver.IsValid(va), semver.IsValid(vb)
	switch {
	case validA && validB:
		return semver.Compare(va, vb)
	case validA:
		return 1
	case validB:
		return -1
	default:
		switch {
		case a > b:
			return 1
		case a < b:
			return -1
		}
		return 0
	}
}
