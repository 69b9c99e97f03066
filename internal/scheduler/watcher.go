package scheduler

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// logWatcher signals on the changes channel whenever a producer log file is
// written or created. It layers fsnotify over a size-comparison poll; when
// the native watcher cannot start, polling alone still drives ingestion.
type logWatcher struct {
	roots   []string
	changes chan<- struct{}
	logger  *log.Logger
	fsw     *fsnotify.Watcher

	mu    sync.Mutex
	sizes map[string]int64
}

func newLogWatcher(roots []string, changes chan<- struct{}, logger *log.Logger) *logWatcher {
	w := &logWatcher{
		roots:   roots,
		changes: changes,
		logger:  logger,
		sizes:   make(map[string]int64),
	}
	w.seedSizes()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("scheduler: native watcher unavailable, polling only: %v", err)
		return w
	}
	w.fsw = fsw
	for _, root := range roots {
		w.addRecursive(root)
	}
	go w.eventLoop()
	return w
}

func (w *logWatcher) close() {
	if w.fsw != nil {
		w.fsw.Close()
	}
}

// addRecursive watches root and every directory below it. Producers create
// a directory per project, so new subtrees appear at runtime.
func (w *logWatcher) addRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = w.fsw.Add(path)
		}
		return nil
	})
}

func (w *logWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addRecursive(event.Name)
					continue
				}
			}
			if isLogFile(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.signal()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("scheduler: watch error: %v", err)
		}
	}
}

func (w *logWatcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func isLogFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

func (w *logWatcher) seedSizes() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scanLocked()
}

// changedSinceLastPoll compares current log file sizes against the previous
// poll. Growth or a new file counts as change; truncation does too, since a
// rewritten log still warrants a pass.
func (w *logWatcher) changedSinceLastPoll() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scanLocked()
}

func (w *logWatcher) scanLocked() bool {
	changed := false
	for _, root := range w.roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isLogFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if prev, known := w.sizes[path]; !known || prev != info.Size() {
				changed = true
			}
			w.sizes[path] = info.Size()
			return nil
		})
	}
	return changed
}
