// Package pathresolve decides where the shared usage database lives.
//
// Resolution is a pure function of the loaded configuration, the process
// environment, and filesystem probes, evaluated in strict priority order:
// explicit config, environment override, auto-detected cloud-sync folder,
// local fallback. Nothing here is cached at package level; callers resolve
// again before every database open.
package pathresolve

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/janekbaraniewski/usagevault/internal/config"
)

// EnvDBPath overrides auto-detection but yields to explicit configuration.
const EnvDBPath = "USAGEVAULT_DB_PATH"

// DBFileName is the database file placed inside whichever directory wins.
const DBFileName = "usage_history.db"

// syncDirName is the dot-folder created inside a detected cloud-sync root.
const syncDirName = ".usagevault"

// Resolver resolves the database path. The zero value is not usable; use New.
type Resolver struct {
	env        func(string) string
	goos       string
	strategies []candidateStrategy
	probe      func(dir string) bool
}

// candidateStrategy yields zero or more cloud-sync directories that could
// host the shared database, in preference order.
type candidateStrategy struct {
	name       string
	candidates func(r *Resolver) []string
}

// New builds a resolver over the real environment and filesystem.
func New() *Resolver {
	return newResolver(os.Getenv, runtime.GOOS)
}

func newResolver(env func(string) string, goos string) *Resolver {
	r := &Resolver{env: env, goos: goos, probe: probeWritableDir}
	r.strategies = []candidateStrategy{
		{name: "onedrive-wsl", candidates: (*Resolver).oneDriveCandidates},
		{name: "icloud-drive", candidates: (*Resolver).iCloudCandidates},
	}
	return r
}

// Resolve returns the database file path for cfg. An explicit config value or
// environment override is returned as-is; auto-detected candidates are used
// only when their sync folder can actually be created and written, otherwise
// resolution silently falls through to the next tier. Only the local fallback
// failing is an error.
func (r *Resolver) Resolve(cfg config.Config) (string, error) {
	if path := strings.TrimSpace(cfg.DBPath); path != "" {
		return path, nil
	}
	if path := strings.TrimSpace(r.env(EnvDBPath)); path != "" {
		return path, nil
	}

	for _, strategy := range r.strategies {
		for _, base := range strategy.candidates(r) {
			dir := filepath.Join(base, syncDirName)
			if r.probe(dir) {
				return filepath.Join(dir, DBFileName), nil
			}
		}
	}

	return r.localFallback()
}

// oneDriveCandidates enumerates OneDrive roots visible from WSL2: the
// Windows user profile plus every common drive mount.
func (r *Resolver) oneDriveCandidates() []string {
	if r.goos != "linux" || !isWSL() {
		return nil
	}
	var out []string
	if user := strings.TrimSpace(r.env("USER")); user != "" {
		out = append(out, filepath.Join("/mnt/c/Users", user, "OneDrive"))
	}
	for _, drive := range []string{"c", "d", "e", "f"} {
		out = append(out, filepath.Join("/mnt", drive, "OneDrive"))
	}
	return out
}

func (r *Resolver) iCloudCandidates() []string {
	if r.goos != "darwin" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, "Library", "Mobile Documents", "com~apple~CloudDocs")}
}

func (r *Resolver) localFallback() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pathresolve: resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".claude", "usage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pathresolve: create local fallback %s: %w", dir, err)
	}
	return filepath.Join(dir, DBFileName), nil
}

// probeWritableDir reports whether dir can host the database: the parent
// sync root must already exist (we never conjure a cloud folder), and the
// dot-folder must be creatable and writable. Permission failures disqualify
// the candidate without surfacing.
func probeWritableDir(dir string) bool {
	parent := filepath.Dir(dir)
	if _, err := os.Stat(parent); err != nil {
		return false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func isWSL() bool {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}
