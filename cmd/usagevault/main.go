package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/usagevault/internal/config"
	"github.com/janekbaraniewski/usagevault/internal/pathresolve"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

func main() {
	if os.Getenv("USAGEVAULT_DEBUG") != "" {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	root := cobra.Command{
		Use:   "usagevault",
		Short: "usagevault tracks Claude Code usage history in a shared database.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDashboard(cfg)
		},
	}

	root.AddCommand(
		newIngestCommand(cfg),
		newLimitsCommand(cfg),
		newSyncCommand(cfg),
		newStatsCommand(cfg),
		newDevicesCommand(cfg),
		newResetCommand(cfg),
		newConfigCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore resolves the database location and opens it. The resolver runs
// before every open; the cloud-sync folder may have appeared or vanished
// since last time. Open applies the schema and integrity check itself.
func openStore(cfg config.Config) (*storage.Store, error) {
	path, err := pathresolve.New().Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	store, err := storage.Open(path)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			fmt.Fprintf(os.Stderr, "The database failed its integrity check. Restore a .bak copy from %s\n", path)
		}
		return nil, err
	}
	store.SetLocation(cfg.Location())
	return store, nil
}
