// Package watch implements the oc2gw system watch TUI: a live feed of
// dispatched commands beside the profile priority list.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color the watch TUI uses in one place.
type Theme struct {
	StatusOK       lipgloss.Style
	StatusRejected lipgloss.Style
	StatusFailed   lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRejected: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StatusStyle colors a dispatch status: green for ok, yellow for a command
// the gateway refused, red for a handler failure.
func (t Theme) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "ok":
		return t.StatusOK
	case "failed":
		return t.StatusFailed
	case "":
		return t.Dim
	default:
		return t.StatusRejected
	}
}
