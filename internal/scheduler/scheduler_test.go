package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/ingest"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "usage_history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.SetLocation(time.UTC)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func assistantLine(session, msg, ts string) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"sessionId":%q,"uuid":%q,"message":{"model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":5}}}`, ts, session, msg)
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
}

type fakeCapturer struct {
	snaps []storage.LimitsSnapshot
	err   error
}

func (f *fakeCapturer) Capture(context.Context) ([]storage.LimitsSnapshot, error) {
	return f.snaps, f.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitForSnapshot(t *testing.T, snapshots <-chan ViewSnapshot, timeout time.Duration, ok func(ViewSnapshot) bool) ViewSnapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case snap := <-snapshots:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestRun_InitialPassPublishesAndStopsPromptly(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	appendLog(t, filepath.Join(root, "proj", "conv.jsonl"),
		assistantLine("s1", "m1", "2026-03-10T09:00:00Z"),
	)

	pipeline := ingest.New(store, []string{root}, "laptop")
	sched := New(store, pipeline, &fakeCapturer{}, Options{
		Roots:          []string{root},
		PollInterval:   50 * time.Millisecond,
		LimitsInterval: time.Hour,
		Debounce:       20 * time.Millisecond,
		Logger:         quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	snap := waitForSnapshot(t, sched.Snapshots(), 5*time.Second, func(s ViewSnapshot) bool {
		return s.Stats.TotalRecords == 1
	})
	if snap.Ingest.Inserted != 1 {
		t.Fatalf("initial pass inserted = %d, want 1", snap.Ingest.Inserted)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop within the polling interval")
	}
}

func TestRun_PicksUpAppendedRecords(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	logPath := filepath.Join(root, "proj", "conv.jsonl")
	appendLog(t, logPath, assistantLine("s1", "m1", "2026-03-10T09:00:00Z"))

	pipeline := ingest.New(store, []string{root}, "laptop")
	sched := New(store, pipeline, &fakeCapturer{}, Options{
		Roots:          []string{root},
		PollInterval:   50 * time.Millisecond,
		LimitsInterval: time.Hour,
		Debounce:       20 * time.Millisecond,
		Logger:         quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitForSnapshot(t, sched.Snapshots(), 5*time.Second, func(s ViewSnapshot) bool {
		return s.Stats.TotalRecords == 1
	})

	// A burst of appends should land as stored records via one or more
	// debounced passes.
	appendLog(t, logPath, assistantLine("s1", "m2", "2026-03-10T10:00:00Z"))
	appendLog(t, logPath, assistantLine("s1", "m3", "2026-03-10T11:00:00Z"))

	waitForSnapshot(t, sched.Snapshots(), 5*time.Second, func(s ViewSnapshot) bool {
		return s.Stats.TotalRecords == 3
	})
}

func TestWatchLoop_CancelWithPendingDebounce(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	pipeline := ingest.New(store, []string{root}, "laptop")
	sched := New(store, pipeline, nil, Options{
		Roots:        []string{root},
		PollInterval: 20 * time.Millisecond,
		Debounce:     time.Hour,
		Logger:       quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.watchLoop(ctx)
		close(done)
	}()

	// Arm the debounce timer via the polling fallback, then cancel while it
	// is still pending.
	appendLog(t, filepath.Join(root, "proj", "conv.jsonl"),
		assistantLine("s1", "m1", "2026-03-10T09:00:00Z"),
	)
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchLoop did not stop with a pending debounce timer")
	}
}

func TestLimitsPass_RecordsAndPublishes(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	pipeline := ingest.New(store, []string{root}, "laptop")

	capturer := &fakeCapturer{snaps: []storage.LimitsSnapshot{{
		Scope:       storage.ScopeSession,
		CapturedAt:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		PercentUsed: 55,
	}}}
	sched := New(store, pipeline, capturer, Options{
		Roots:          []string{root},
		LimitsKeepDays: 90,
		Logger:         quietLogger(),
	})

	ctx := context.Background()
	sched.limitsPass(ctx)

	latest, err := store.FetchLatestLimits(ctx, storage.ScopeSession)
	if err != nil {
		t.Fatalf("FetchLatestLimits: %v", err)
	}
	if latest == nil || latest.PercentUsed != 55 {
		t.Fatalf("latest = %+v, want 55%%", latest)
	}

	snap := <-sched.Snapshots()
	if got := snap.Limits[storage.ScopeSession]; got == nil || got.PercentUsed != 55 {
		t.Fatalf("snapshot limits = %+v", snap.Limits)
	}
}

func TestLimitsPass_CaptureFailureIsSkipped(t *testing.T) {
	store := newTestStore(t)
	pipeline := ingest.New(store, nil, "laptop")
	sched := New(store, pipeline, &fakeCapturer{err: fmt.Errorf("desktop app not running")}, Options{
		Logger: quietLogger(),
	})

	sched.limitsPass(context.Background())
	select {
	case snap := <-sched.Snapshots():
		t.Fatalf("failed capture must not publish, got %+v", snap)
	default:
	}
}

func TestPublishView_LastWriteWins(t *testing.T) {
	store := newTestStore(t)
	pipeline := ingest.New(store, nil, "laptop")
	sched := New(store, pipeline, nil, Options{Logger: quietLogger()})

	ctx := context.Background()
	sched.publishView(ctx, ingest.Summary{Inserted: 1})
	sched.publishView(ctx, ingest.Summary{Inserted: 2})

	snap := <-sched.Snapshots()
	if snap.Ingest.Inserted != 2 {
		t.Fatalf("consumed inserted = %d, want the latest publication", snap.Ingest.Inserted)
	}
	select {
	case extra := <-sched.Snapshots():
		t.Fatalf("stale snapshot retained: %+v", extra)
	default:
	}
}
