package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/usagevault/internal/config"
	"github.com/janekbaraniewski/usagevault/internal/ingest"
	"github.com/janekbaraniewski/usagevault/internal/limits"
	"github.com/janekbaraniewski/usagevault/internal/logparse"
	"github.com/janekbaraniewski/usagevault/internal/reconcile"
	"github.com/janekbaraniewski/usagevault/internal/storage"
	"github.com/janekbaraniewski/usagevault/internal/version"
)

func newIngestCommand(cfg config.Config) *cobra.Command {
	var fillGaps bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the producer's log files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			pipeline := ingest.New(store, logparse.DefaultLogRoots(), cfg.MachineLabel())
			summary, err := pipeline.Run(ctx, ingest.Options{FillGaps: fillGaps})
			if err != nil {
				return err
			}

			fmt.Printf("files scanned:  %d\n", summary.Files)
			fmt.Printf("inserted:       %d\n", summary.Inserted)
			fmt.Printf("duplicates:     %d\n", summary.Duplicates)
			fmt.Printf("skipped lines:  %d\n", summary.Skipped)
			fmt.Printf("failed lines:   %d\n", summary.Failed)
			if fillGaps {
				fmt.Printf("days filled:    %d\n", summary.FilledDays)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fillGaps, "fill-gaps", false, "insert zero aggregates for days without activity")
	return cmd
}

func newLimitsCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Capture the producer's current quota usage once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			snaps, err := limits.NewCapturer().Capture(ctx)
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, snap := range snaps {
				inserted, err := store.RecordLimitsSnapshot(ctx, snap)
				if err != nil {
					return err
				}
				note := ""
				if !inserted {
					note = " (already recorded)"
				}
				fmt.Printf("%-12s %5.1f%% used", snap.Scope, snap.PercentUsed)
				if snap.ResetAt != "" {
					fmt.Printf("  resets %s", snap.ResetAt)
				}
				fmt.Println(note)
			}
			return nil
		},
	}
}

func newSyncCommand(cfg config.Config) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Compare live logs against the shared database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			roots := logparse.DefaultLogRoots()
			report, err := reconcile.Inspect(ctx, store, roots)
			if err != nil {
				return err
			}

			fmt.Printf("state:           %s\n", report.State)
			fmt.Printf("                 %s\n", reconcile.Describe(report.State))
			fmt.Printf("live newest:     %s\n", formatInstant(report.Signals.LiveNewest))
			fmt.Printf("stored newest:   %s\n", formatInstant(report.Signals.DBNewest))
			fmt.Printf("live records:    %d\n", report.Signals.LiveCount)
			fmt.Printf("stored records:  %d (same window)\n", report.Signals.DBCount)

			switch report.State {
			case reconcile.StateSynced, reconcile.StateRemoteAhead:
				return nil
			case reconcile.StateIntegrityConcern:
				return fmt.Errorf("sync: integrity concern, inspect manually")
			}

			if !apply {
				fmt.Println("\nrun again with --apply to re-ingest")
				return nil
			}
			pipeline := ingest.New(store, roots, cfg.MachineLabel())
			summary, err := reconcile.Resync(ctx, pipeline, report, true)
			if err != nil {
				return err
			}
			fmt.Printf("\nresync inserted %d records (%d duplicates)\n", summary.Inserted, summary.Duplicates)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "re-run ingestion when the database is stale")
	return cmd
}

func newStatsCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print database statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("database:       %s\n", store.Path())
			fmt.Printf("records:        %d\n", stats.TotalRecords)
			fmt.Printf("days tracked:   %d\n", stats.TotalDays)
			if stats.OldestDate != "" {
				fmt.Printf("date range:     %s to %s\n", stats.OldestDate, stats.NewestDate)
			}
			fmt.Printf("total tokens:   %d\n", stats.TotalTokens)
			fmt.Printf("prompts:        %d\n", stats.PromptCount)
			fmt.Printf("responses:      %d\n", stats.ResponseCount)
			fmt.Printf("sessions:       %d\n", stats.SessionCount)

			if len(stats.TokensByModel) > 0 {
				fmt.Println("tokens by model:")
				models := make([]string, 0, len(stats.TokensByModel))
				for model := range stats.TokensByModel {
					models = append(models, model)
				}
				sort.Slice(models, func(i, j int) bool {
					return stats.TokensByModel[models[i]] > stats.TokensByModel[models[j]]
				})
				for _, model := range models {
					fmt.Printf("  %-32s %d\n", model, stats.TokensByModel[model])
				}
			}
			return nil
		},
	}
}

func newDevicesCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Print per-machine usage statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.DeviceStats(ctx)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no records yet")
				return nil
			}
			for _, dev := range devices {
				fmt.Printf("%s\n", dev.MachineLabel)
				fmt.Printf("  records:   %d\n", dev.TotalRecords)
				fmt.Printf("  sessions:  %d\n", dev.SessionCount)
				fmt.Printf("  tokens:    %d\n", dev.TotalTokens)
				if dev.OldestDate != "" {
					fmt.Printf("  active:    %s to %s\n", dev.OldestDate, dev.NewestDate)
				}
				if dev.NewestProducerVersion != "" {
					fmt.Printf("  producer:  %s\n", dev.NewestProducerVersion)
				}
			}
			return nil
		},
	}
}

func newResetCommand(cfg config.Config) *cobra.Command {
	var (
		force       bool
		keepBackups bool
	)
	cmd := &cobra.Command{
		Use:   "reset-db",
		Short: "Truncate the database after writing a backup copy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("reset-db is destructive; pass --force to confirm")
			}
			ctx := cmd.Context()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := store.Reset(ctx, storage.ResetOptions{Confirm: true})
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d records\n", result.RecordsDropped)
			if keepBackups {
				fmt.Printf("backup: %s\n", result.BackupPath)
			} else if result.BackupPath != "" {
				if err := os.Remove(result.BackupPath); err != nil {
					return fmt.Errorf("remove backup: %w", err)
				}
				fmt.Println("backup discarded")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")
	cmd.Flags().BoolVar(&keepBackups, "keep-backups", true, "keep the pre-reset backup file")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get [key]",
			Short: "Print settings, or one setting",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				entries := configEntries(cfg)
				if len(args) == 1 {
					value, ok := entries[args[0]]
					if !ok {
						return fmt.Errorf("unknown setting %q", args[0])
					}
					fmt.Println(value)
					return nil
				}
				keys := make([]string, 0, len(entries))
				for key := range entries {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Printf("%-26s %s\n", key, entries[key])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if err := applySetting(&cfg, args[0], args[1]); err != nil {
					return err
				}
				return config.Save(cfg)
			},
		},
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.String())
		},
	}
}

func configEntries(cfg config.Config) map[string]string {
	return map[string]string{
		"db_path":                  cfg.DBPath,
		"machine_name":             cfg.MachineName,
		"timezone":                 cfg.Timezone,
		"refresh_interval_seconds": fmt.Sprintf("%d", cfg.RefreshIntervalSeconds),
		"limits_interval_seconds":  fmt.Sprintf("%d", cfg.LimitsIntervalSeconds),
		"limits_keep_days":         fmt.Sprintf("%d", cfg.LimitsKeepDays),
	}
}

func applySetting(cfg *config.Config, key, value string) error {
	switch key {
	case "db_path":
		cfg.DBPath = value
	case "machine_name":
		cfg.MachineName = value
	case "timezone":
		lowered := strings.ToLower(value)
		if lowered != "local" && lowered != "utc" {
			return fmt.Errorf("timezone must be local or utc")
		}
		cfg.Timezone = lowered
	case "refresh_interval_seconds":
		return parseIntSetting(value, &cfg.RefreshIntervalSeconds)
	case "limits_interval_seconds":
		return parseIntSetting(value, &cfg.LimitsIntervalSeconds)
	case "limits_keep_days":
		return parseIntSetting(value, &cfg.LimitsKeepDays)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func parseIntSetting(value string, dst *int) error {
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
		return fmt.Errorf("value must be a positive integer")
	}
	*dst = n
	return nil
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}
