package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/wesm/action-status/internal/models"
)

var (
	// State colors
	colorFailing = lipgloss.Color("196") // red
	colorRunning = lipgloss.Color("33")  // blue
	colorQueued  = lipgloss.Color("214") // orange
	colorPassing = lipgloss.Color("46")  // green
	colorUnknown = lipgloss.Color("240") // gray

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func stateColor(state models.State) lipgloss.Color {
	switch state {
	case models.StateFailing:
		return colorFailing
	case models.StateRunning:
		return colorRunning
	case models.StateQueued:
		return colorQueued
	case models.StatePassing:
		return colorPassing
	default:
		return colorUnknown
	}
}

func stateLabel(state models.State) string {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(stateColor(state)).
		Render(fmt.Sprintf("%-7s", state))
}
