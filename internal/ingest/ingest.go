// Package ingest runs the log-to-database pipeline: discover producer JSONL
// files, parse them, insert with dedup, then refresh the touched daily
// aggregates. A pass over an unchanged log tree is a no-op by construction.
package ingest

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/usagevault/internal/logparse"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

// Pipeline binds the parser to a store. Construct with New.
type Pipeline struct {
	store        *storage.Store
	roots        []string
	machineLabel string
}

// Options tunes one ingestion pass.
type Options struct {
	// FillGaps inserts zero aggregates for calendar days between the oldest
	// record and today, so rendered timelines have no holes.
	FillGaps bool
}

// Summary reports one ingestion pass. Duplicates and skips are normal.
type Summary struct {
	Files      int
	Parsed     int
	Skipped    int
	Failed     int
	Inserted   int
	Duplicates int
	// DatesTouched are the local date keys whose aggregates were recomputed.
	DatesTouched []string
	FilledDays   int
}

func New(store *storage.Store, roots []string, machineLabel string) *Pipeline {
	return &Pipeline{store: store, roots: roots, machineLabel: machineLabel}
}

// Run executes one full pass. Parser-level failures are counted, not fatal;
// only storage errors abort the pass.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary

	files := logparse.DiscoverFiles(p.roots)
	summary.Files = len(files)

	records, counters := logparse.ParseFiles(files)
	summary.Parsed = counters.Records
	summary.Skipped = counters.Skipped
	summary.Failed = counters.Failed

	records = lo.Map(records, func(rec storage.UsageRecord, _ int) storage.UsageRecord {
		rec.MachineLabel = p.machineLabel
		return rec
	})

	inserted, err := p.store.InsertRecords(ctx, records)
	if err != nil {
		return summary, fmt.Errorf("ingest: insert records: %w", err)
	}
	summary.Inserted = inserted.Inserted
	summary.Duplicates = inserted.Duplicates
	summary.DatesTouched = inserted.Dates

	if len(inserted.Dates) > 0 {
		if err := p.store.UpdateDailyAggregates(ctx, inserted.Dates); err != nil {
			return summary, fmt.Errorf("ingest: update aggregates: %w", err)
		}
	}

	if opts.FillGaps {
		filled, err := p.store.FillEmptyDays(ctx)
		if err != nil {
			return summary, fmt.Errorf("ingest: fill empty days: %w", err)
		}
		summary.FilledDays = filled
	}
	return summary, nil
}
