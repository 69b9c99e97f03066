package pathresolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janekbaraniewski/usagevault/internal/config"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestResolve_ConfigBeatsEverything(t *testing.T) {
	r := newResolver(fakeEnv(map[string]string{EnvDBPath: "/env/override.db"}), "linux")
	r.strategies = nil

	got, err := r.Resolve(config.Config{DBPath: "/explicit/usage.db"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/explicit/usage.db" {
		t.Fatalf("Resolve = %q, want explicit config path", got)
	}
}

func TestResolve_EnvBeatsAutoDetection(t *testing.T) {
	r := newResolver(fakeEnv(map[string]string{EnvDBPath: "/env/override.db"}), "linux")
	r.strategies = []candidateStrategy{{
		name: "never-called",
		candidates: func(*Resolver) []string {
			t.Fatal("auto-detection ran despite env override")
			return nil
		},
	}}

	got, err := r.Resolve(config.Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/env/override.db" {
		t.Fatalf("Resolve = %q, want env override", got)
	}
}

func TestResolve_FirstWritableCandidateWins(t *testing.T) {
	good := t.TempDir()
	r := newResolver(fakeEnv(nil), "linux")
	r.strategies = []candidateStrategy{
		{
			name: "unwritable-first",
			candidates: func(*Resolver) []string {
				return []string{"/nonexistent/cloud-root", good}
			},
		},
	}

	got, err := r.Resolve(config.Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(good, syncDirName, DBFileName)
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(good, syncDirName)); err != nil {
		t.Fatalf("sync dir not created: %v", err)
	}
}

func TestResolve_ProbeFailureFallsThroughSilently(t *testing.T) {
	r := newResolver(fakeEnv(nil), "linux")
	r.strategies = []candidateStrategy{
		{
			name: "all-denied",
			candidates: func(*Resolver) []string {
				return []string{"/denied/a", "/denied/b"}
			},
		},
	}
	r.probe = func(string) bool { return false }

	got, err := r.Resolve(config.Config{})
	if err != nil {
		t.Fatalf("Resolve should fall back, got error: %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".claude", "usage", DBFileName)
	if got != want {
		t.Fatalf("Resolve = %q, want local fallback %q", got, want)
	}
}

func TestOneDriveCandidates_OrderedAndPlatformGated(t *testing.T) {
	r := newResolver(fakeEnv(map[string]string{"USER": "dev"}), "darwin")
	if got := r.oneDriveCandidates(); got != nil {
		t.Fatalf("darwin OneDrive candidates = %v, want none", got)
	}

	r = newResolver(fakeEnv(map[string]string{"USER": "dev"}), "linux")
	if !isWSL() {
		t.Skip("not running under WSL; candidate enumeration is gated on it")
	}
	got := r.oneDriveCandidates()
	if len(got) == 0 || got[0] != filepath.Join("/mnt/c/Users", "dev", "OneDrive") {
		t.Fatalf("candidates = %v, want user-profile OneDrive first", got)
	}
}

func TestProbeWritableDir_RequiresExistingParent(t *testing.T) {
	if probeWritableDir("/nonexistent/cloud-root/.usagevault") {
		t.Fatal("probe should refuse to conjure a missing cloud root")
	}
	base := t.TempDir()
	if !probeWritableDir(filepath.Join(base, syncDirName)) {
		t.Fatal("probe should accept a writable parent")
	}
}
