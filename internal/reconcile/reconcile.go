// Package reconcile compares the producer's live logs against the shared
// database and classifies how the two relate. It never mutates storage on
// its own; anything other than a clean match is surfaced to the user, and
// re-ingestion runs only behind explicit confirmation. The database is the
// append-only merge point for every machine, so an automatic fix could
// paper over a genuine cross-machine conflict.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/ingest"
	"github.com/janekbaraniewski/usagevault/internal/logparse"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

// ErrNotConfirmed is returned by Resync when the caller has not collected
// explicit user confirmation.
var ErrNotConfirmed = errors.New("reconcile: resync requires explicit confirmation")

// State classifies the relationship between live logs and the database.
type State string

const (
	// StateSynced: newest timestamps agree within a second and the window
	// counts match.
	StateSynced State = "synced"
	// StateLocalStale: live logs are strictly newer and the database holds
	// fewer records. Re-running ingestion resolves it.
	StateLocalStale State = "local_stale"
	// StateRemoteAhead: the database holds more records than the local logs
	// can account for. Another machine's writes already merged in; no action.
	StateRemoteAhead State = "remote_ahead"
	// StateIntegrityConcern: the signals disagree in a way ingestion alone
	// does not explain. Flagged for manual inspection, never auto-resolved.
	StateIntegrityConcern State = "integrity_concern"
)

// timestampTolerance absorbs sub-second formatting differences between the
// producer's log timestamps and what the database stored.
const timestampTolerance = time.Second

// Signals are the three measurements Classify operates on, taken over the
// window both sides can see.
type Signals struct {
	LiveNewest time.Time
	DBNewest   time.Time
	LiveCount  int64
	DBCount    int64
}

// Classify maps the signals onto exactly one state.
func Classify(s Signals) State {
	delta := s.LiveNewest.Sub(s.DBNewest)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= timestampTolerance && s.LiveCount == s.DBCount:
		return StateSynced
	case s.DBCount > s.LiveCount:
		return StateRemoteAhead
	case s.LiveNewest.Sub(s.DBNewest) > timestampTolerance && s.DBCount < s.LiveCount:
		return StateLocalStale
	default:
		return StateIntegrityConcern
	}
}

// Report is the outcome of one inspection pass.
type Report struct {
	Signals Signals
	State   State
	Window  time.Time
	Files   int
	Scanned logparse.Counters
}

// Inspect gathers the three signals: newest live timestamp, newest stored
// timestamp, and record counts over the overlapping window (everything at or
// after the oldest live record).
func Inspect(ctx context.Context, store *storage.Store, roots []string) (Report, error) {
	var report Report

	files := logparse.DiscoverFiles(roots)
	report.Files = len(files)
	records, counters := logparse.ParseFiles(files)
	report.Scanned = counters

	var windowStart time.Time
	for _, rec := range records {
		if report.Signals.LiveNewest.IsZero() || rec.Timestamp.After(report.Signals.LiveNewest) {
			report.Signals.LiveNewest = rec.Timestamp
		}
		if windowStart.IsZero() || rec.Timestamp.Before(windowStart) {
			windowStart = rec.Timestamp
		}
	}
	report.Window = windowStart
	report.Signals.LiveCount = int64(len(records))

	stats, err := store.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: read store stats: %w", err)
	}
	report.Signals.DBNewest = stats.NewestTimestamp

	if !windowStart.IsZero() {
		count, err := store.RecordCountSince(ctx, windowStart, "")
		if err != nil {
			return report, fmt.Errorf("reconcile: count stored window: %w", err)
		}
		report.Signals.DBCount = count
	}

	report.State = Classify(report.Signals)
	return report, nil
}

// Resync re-runs ingestion over the live logs. confirm must be true; callers
// obtain it from the user after showing the inspection report. An integrity
// concern is never resyncable from here.
func Resync(ctx context.Context, pipeline *ingest.Pipeline, report Report, confirm bool) (ingest.Summary, error) {
	if !confirm {
		return ingest.Summary{}, ErrNotConfirmed
	}
	if report.State == StateIntegrityConcern {
		return ingest.Summary{}, fmt.Errorf("reconcile: %s requires manual inspection", report.State)
	}
	return pipeline.Run(ctx, ingest.Options{})
}

// Describe renders a short human explanation for a state.
func Describe(state State) string {
	descriptions := map[State]string{
		StateSynced:           "database and live logs agree",
		StateLocalStale:       "live logs are ahead; re-run ingestion to catch up",
		StateRemoteAhead:      "another machine's records are already merged in; nothing to do",
		StateIntegrityConcern: "signals disagree; inspect manually before changing anything",
	}
	desc, ok := descriptions[state]
	if !ok {
		return string(state)
	}
	return desc
}
