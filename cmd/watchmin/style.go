package main

import (
	"github.com/benaskins/watchmin/internal/daemon"
	"github.com/benaskins/watchmin/internal/health"
	"github.com/charmbracelet/lipgloss"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleBusy   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleBad    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeader = lipgloss.NewStyle().Bold(true)
)

// stateStyle picks the colour a state is printed in.
func stateStyle(s daemon.State) lipgloss.Style {
	switch s {
	case daemon.StateRunning:
		return styleOK
	case daemon.StateStarting, daemon.StateDetecting, daemon.StateRepairing, daemon.StateRestarting:
		return styleBusy
	case daemon.StateFailed:
		return styleBad
	default:
		return styleMuted
	}
}

func healthStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return styleOK
	case health.StatusUnhealthy:
		return styleBad
	default:
		return styleMuted
	}
}

// pad renders text in style, padded to width on the visible characters so
// colour codes do not break column alignment.
func pad(style lipgloss.Style, text string, width int) string {
	return style.Width(width).Render(text)
}
