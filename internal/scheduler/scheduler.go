// Package scheduler runs the background activities: a log watcher that
// turns file changes into ingestion passes, and a limits refresher that
// periodically captures quota snapshots. Each activity is one goroutine;
// results flow out as immutable view snapshots on a last-write-wins channel
// and every write path relies on the store's WAL mode plus busy timeout for
// serialization, never on cross-activity locks.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/ingest"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

// DefaultDebounce coalesces bursts of file events into one ingestion pass.
const DefaultDebounce = 2 * time.Second

// Capturer is the quota capture dependency; limits.Capturer satisfies it.
type Capturer interface {
	Capture(ctx context.Context) ([]storage.LimitsSnapshot, error)
}

// ViewSnapshot is one immutable publication of current state. The render
// path consumes the latest snapshot and never touches scheduler internals.
type ViewSnapshot struct {
	GeneratedAt time.Time
	Ingest      ingest.Summary
	Aggregates  []storage.DailyAggregate
	Limits      map[storage.LimitScope]*storage.LimitsSnapshot
	Stats       storage.Stats
}

// Options configures a Scheduler.
type Options struct {
	Roots          []string
	PollInterval   time.Duration
	LimitsInterval time.Duration
	LimitsKeepDays int
	Debounce       time.Duration
	// ViewDays bounds how much aggregate history each snapshot carries.
	ViewDays int
	Logger   *log.Logger
}

type Scheduler struct {
	store     *storage.Store
	pipeline  *ingest.Pipeline
	capturer  Capturer
	opts      Options
	logger    *log.Logger
	snapshots chan ViewSnapshot
	now       func() time.Time
}

func New(store *storage.Store, pipeline *ingest.Pipeline, capturer Capturer, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LimitsInterval <= 0 {
		opts.LimitsInterval = time.Minute
	}
	if opts.ViewDays <= 0 {
		opts.ViewDays = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:     store,
		pipeline:  pipeline,
		capturer:  capturer,
		opts:      opts,
		logger:    logger,
		snapshots: make(chan ViewSnapshot, 1),
		now:       time.Now,
	}
}

// Snapshots is the view channel. It holds at most the latest snapshot;
// slow consumers only ever miss intermediate states.
func (s *Scheduler) Snapshots() <-chan ViewSnapshot {
	return s.snapshots
}

// Run starts the activities and blocks until ctx is cancelled. Each loop
// observes cancellation within one polling interval, and an in-flight
// database write always completes before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.ingestPass(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.watchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.limitsLoop(ctx)
	}()
	wg.Wait()
}

// Refresh runs one ingestion pass immediately, outside the watcher's
// debounce. Safe to call from any goroutine; the store's WAL mode handles
// the concurrent write.
func (s *Scheduler) Refresh(ctx context.Context) {
	s.ingestPass(ctx)
}

// watchLoop debounces file-change signals into ingestion passes. The
// polling ticker doubles as a fallback for platforms where the native
// watcher misses events.
func (s *Scheduler) watchLoop(ctx context.Context) {
	changes := make(chan struct{}, 1)
	watcher := newLogWatcher(s.opts.Roots, changes, s.logger)
	defer watcher.close()

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-changes:
			if debounce == nil {
				debounce = time.NewTimer(s.opts.Debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(s.opts.Debounce)
			}
		case <-poll.C:
			if watcher.changedSinceLastPoll() {
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			s.ingestPass(ctx)
		}
	}
}

func (s *Scheduler) limitsLoop(ctx context.Context) {
	if s.capturer == nil {
		return
	}
	ticker := time.NewTicker(s.opts.LimitsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limitsPass(ctx)
		}
	}
}

// ingestPass runs one full pipeline pass and publishes the resulting view.
func (s *Scheduler) ingestPass(ctx context.Context) {
	summary, err := s.pipeline.Run(ctx, ingest.Options{})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("scheduler: ingestion pass: %v", err)
		}
		return
	}
	s.publishView(ctx, summary)
}

// limitsPass captures quota once. Capture failures are logged and skipped;
// the desktop app being closed is not an error worth surfacing.
func (s *Scheduler) limitsPass(ctx context.Context) {
	snaps, err := s.capturer.Capture(ctx)
	if err != nil {
		s.logger.Printf("scheduler: limits capture skipped: %v", err)
		return
	}
	for _, snap := range snaps {
		if _, err := s.store.RecordLimitsSnapshot(ctx, snap); err != nil {
			s.logger.Printf("scheduler: record limits snapshot: %v", err)
			return
		}
	}
	if s.opts.LimitsKeepDays > 0 {
		if _, err := s.store.PruneLimitsSnapshots(ctx, s.opts.LimitsKeepDays); err != nil {
			s.logger.Printf("scheduler: prune limits snapshots: %v", err)
		}
	}
	s.publishView(ctx, ingest.Summary{})
}

func (s *Scheduler) publishView(ctx context.Context, summary ingest.Summary) {
	snap, err := s.buildView(ctx, summary)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("scheduler: build view snapshot: %v", err)
		}
		return
	}
	// Last write wins: drop the stale snapshot rather than block.
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
			select {
			case <-s.snapshots:
			default:
			}
		}
	}
}

func (s *Scheduler) buildView(ctx context.Context, summary ingest.Summary) (ViewSnapshot, error) {
	now := s.now()
	snap := ViewSnapshot{
		GeneratedAt: now,
		Ingest:      summary,
		Limits:      make(map[storage.LimitScope]*storage.LimitsSnapshot, len(storage.KnownScopes)),
	}

	from := now.AddDate(0, 0, -s.opts.ViewDays).Format("2006-01-02")
	aggs, err := s.store.FetchDailyAggregates(ctx, from, "")
	if err != nil {
		return snap, err
	}
	snap.Aggregates = aggs

	for _, scope := range storage.KnownScopes {
		latest, err := s.store.FetchLatestLimits(ctx, scope)
		if err != nil {
			return snap, err
		}
		if latest != nil {
			snap.Limits[scope] = latest
		}
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return snap, err
	}
	snap.Stats = stats
	return snap, nil
}
