// Package tui renders the live dashboard. The model is a pure consumer: it
// receives immutable view snapshots as messages and never touches storage
// or the scheduler directly.
package tui

import (
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/janekbaraniewski/usagevault/internal/scheduler"
	"github.com/janekbaraniewski/usagevault/internal/storage"
)

// SnapshotMsg delivers the latest view snapshot to the model.
type SnapshotMsg scheduler.ViewSnapshot

// DevicesMsg delivers per-machine rollups for the devices view.
type DevicesMsg []storage.DeviceStat

type viewMode int

const (
	viewUsage viewMode = iota
	viewDevices
)

const (
	chartHeight   = 5
	minChartWidth = 10
)

type Model struct {
	width   int
	height  int
	mode    viewMode
	snap    scheduler.ViewSnapshot
	hasSnap bool
	devices []storage.DeviceStat
	spark   sparkline.Model

	// onRefresh triggers a manual ingestion pass; it must not block.
	onRefresh func()
}

func NewModel(onRefresh func()) Model {
	return Model{
		width:     80,
		height:    24,
		onRefresh: onRefresh,
		spark:     sparkline.New(minChartWidth, chartHeight),
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rebuildChart()
	case SnapshotMsg:
		m.snap = scheduler.ViewSnapshot(msg)
		m.hasSnap = true
		m.rebuildChart()
	case DevicesMsg:
		m.devices = msg
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.onRefresh != nil {
				m.onRefresh()
			}
		case "d":
			if m.mode == viewDevices {
				m.mode = viewUsage
			} else {
				m.mode = viewDevices
			}
		}
	}
	return m, nil
}

func (m *Model) chartWidth() int {
	w := m.width - 4
	if w < minChartWidth {
		w = minChartWidth
	}
	return w
}

func (m *Model) rebuildChart() {
	m.spark = sparkline.New(m.chartWidth(), chartHeight)
	for _, agg := range m.snap.Aggregates {
		m.spark.Push(float64(agg.TotalTokens))
	}
	m.spark.Draw()
}

func (m Model) View() string {
	var b strings.Builder

	header := brandStyle.Render("usagevault") + "  " + headerStyle.Render("usage history")
	b.WriteString(m.fit(header) + "\n\n")

	if !m.hasSnap {
		b.WriteString(dimStyle.Render("collecting usage data…") + "\n")
		b.WriteString("\n" + m.helpLine())
		return b.String()
	}

	switch m.mode {
	case viewDevices:
		b.WriteString(m.devicesView())
	default:
		b.WriteString(m.usageView())
	}

	b.WriteString("\n" + m.helpLine())
	return b.String()
}

func (m Model) usageView() string {
	var b strings.Builder

	b.WriteString(sectionHeaderStyle.Render("Limits") + "\n")
	gaugeWidth := m.width - 34
	if gaugeWidth < 10 {
		gaugeWidth = 10
	}
	for _, scope := range storage.KnownScopes {
		label := scopeLabel(scope)
		snap := m.snap.Limits[scope]
		if snap == nil {
			b.WriteString(m.fit(fmt.Sprintf("  %-18s %s", labelStyle.Render(label), RenderUsageGauge(-1, gaugeWidth))) + "\n")
			continue
		}
		line := fmt.Sprintf("  %-18s %s", labelStyle.Render(label), RenderUsageGauge(snap.PercentUsed, gaugeWidth))
		if snap.ResetAt != "" {
			line += dimStyle.Render("  resets " + snap.ResetAt)
		}
		b.WriteString(m.fit(line) + "\n")
	}

	b.WriteString("\n" + sectionHeaderStyle.Render("Daily tokens") + "\n")
	chart := m.spark.View()
	for _, line := range strings.Split(chart, "\n") {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(colorAccent).Render(line) + "\n")
	}

	stats := m.snap.Stats
	b.WriteString("\n" + sectionHeaderStyle.Render("Totals") + "\n")
	b.WriteString(m.fit(fmt.Sprintf("  %s %s   %s %s   %s %s",
		labelStyle.Render("records"), valueStyle.Render(formatCount(stats.TotalRecords)),
		labelStyle.Render("tokens"), valueStyle.Render(formatCount(stats.TotalTokens)),
		labelStyle.Render("sessions"), valueStyle.Render(formatCount(stats.SessionCount)),
	)) + "\n")
	if stats.OldestDate != "" {
		b.WriteString(m.fit(fmt.Sprintf("  %s %s",
			labelStyle.Render("range"),
			valueStyle.Render(stats.OldestDate+" → "+stats.NewestDate),
		)) + "\n")
	}
	return b.String()
}

func (m Model) devicesView() string {
	var b strings.Builder
	b.WriteString(sectionHeaderStyle.Render("Devices") + "\n")
	if len(m.devices) == 0 {
		b.WriteString(dimStyle.Render("  no per-device data yet") + "\n")
		return b.String()
	}
	for _, dev := range m.devices {
		b.WriteString(m.fit(fmt.Sprintf("  %-16s %s %s  %s %s  %s %s",
			valueStyle.Render(dev.MachineLabel),
			labelStyle.Render("tokens"), valueStyle.Render(formatCount(dev.TotalTokens)),
			labelStyle.Render("sessions"), valueStyle.Render(formatCount(dev.SessionCount)),
			labelStyle.Render("version"), valueStyle.Render(orDash(dev.NewestProducerVersion)),
		)) + "\n")
	}
	return b.String()
}

func (m Model) helpLine() string {
	parts := []string{
		helpKeyStyle.Render("q") + dimStyle.Render(" quit"),
		helpKeyStyle.Render("r") + dimStyle.Render(" refresh"),
		helpKeyStyle.Render("d") + dimStyle.Render(" devices"),
	}
	return m.fit(strings.Join(parts, dimStyle.Render(" · ")))
}

// fit truncates a styled line to the terminal width without splitting
// escape sequences.
func (m Model) fit(s string) string {
	return ansi.Cut(s, 0, m.width)
}

func scopeLabel(scope storage.LimitScope) string {
	switch scope {
	case storage.ScopeSession:
		return "Session (5h)"
	case storage.ScopeWeekly:
		return "Week (all models)"
	case storage.ScopeWeeklyOpus:
		return "Week (Opus)"
	}
	return string(scope)
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
