package logparse

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLogRoots returns the producer's conversation log roots. Either or
// both may be absent on a given machine.
func DefaultLogRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return nil
	}
	return []string{
		filepath.Join(home, ".claude", "projects"),
		filepath.Join(home, ".config", "claude", "projects"),
	}
}

// DiscoverFiles walks the given roots and returns every .jsonl file found.
// Missing roots are skipped, as are symlinks; producers occasionally leave
// dangling links behind and following them would double-count logs.
func DiscoverFiles(roots []string) []string {
	var out []string
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".jsonl") {
				out = append(out, path)
			}
			return nil
		})
	}
	return out
}
