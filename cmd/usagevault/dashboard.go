package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/janekbaraniewski/usagevault/internal/config"
	"github.com/janekbaraniewski/usagevault/internal/ingest"
	"github.com/janekbaraniewski/usagevault/internal/limits"
	"github.com/janekbaraniewski/usagevault/internal/logparse"
	"github.com/janekbaraniewski/usagevault/internal/scheduler"
	"github.com/janekbaraniewski/usagevault/internal/tui"
)

// devicesRefreshInterval paces the per-machine rollup query; it is a full
// table scan and does not need to track every keystroke of activity.
const devicesRefreshInterval = 30 * time.Second

func runDashboard(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	roots := logparse.DefaultLogRoots()
	pipeline := ingest.New(store, roots, cfg.MachineLabel())
	sched := scheduler.New(store, pipeline, limits.NewCapturer(), scheduler.Options{
		Roots:          roots,
		PollInterval:   cfg.RefreshInterval(),
		LimitsInterval: cfg.LimitsInterval(),
		LimitsKeepDays: cfg.LimitsKeepDays,
	})

	model := tui.NewModel(func() {
		go sched.Refresh(ctx)
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	go sched.Run(ctx)

	// Forward scheduler snapshots and periodic device rollups into the
	// program; the model never reads storage itself.
	go func() {
		devices := time.NewTicker(devicesRefreshInterval)
		defer devices.Stop()
		sendDevices := func() {
			stats, err := store.DeviceStats(ctx)
			if err != nil {
				log.Printf("dashboard: device stats: %v", err)
				return
			}
			program.Send(tui.DevicesMsg(stats))
		}
		sendDevices()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-sched.Snapshots():
				program.Send(tui.SnapshotMsg(snap))
			case <-devices.C:
				sendDevices()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		log.SetOutput(os.Stderr)
		return err
	}
	return nil
}
