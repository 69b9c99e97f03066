package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// RenderUsageGauge draws a bar that fills left to right as usage climbs.
// percent is 0-100 used; negative renders a dimmed track with N/A.
func RenderUsageGauge(percent float64, width int) string {
	if width < 5 {
		width = 5
	}
	if percent < 0 {
		return dimStyle.Render(strings.Repeat("─", width)) + dimStyle.Render("   N/A")
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(percent / 100 * float64(width))
	empty := width - filled

	var color lipgloss.Color
	switch {
	case percent >= 90:
		color = colorCrit
	case percent >= 70:
		color = colorWarn
	default:
		color = colorOK
	}

	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("━", filled)) +
		lipgloss.NewStyle().Foreground(colorSurface1).Render(strings.Repeat("━", empty))
	pct := lipgloss.NewStyle().Foreground(color).Bold(true).Render(fmt.Sprintf("%5.1f%%", percent))
	return fmt.Sprintf("%s %s", bar, pct)
}
