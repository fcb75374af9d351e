package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
)

// renderProfiles lists profiles in priority order. Actions owned by a
// higher-priority profile are dimmed and marked shadowed.
func renderProfiles(profiles []dispatch.ProfileCapability, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("PROFILES (priority order)")
	if len(profiles) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No profiles loaded"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, len(profiles))
	for _, p := range profiles {
		actions := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			actions = append(actions, formatAction(a, theme))
		}
		name := theme.Header.Render(fmt.Sprintf("%-14s", p.Profile))
		lines = append(lines, fmt.Sprintf(" %d. %s %s", p.Priority, name, strings.Join(actions, "  ")))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(content)
}

func formatAction(a dispatch.ActionCapability, theme Theme) string {
	label := a.Name
	switch {
	case a.Bare:
		label += " (any)"
	case len(a.Signatures) > 0:
		label += fmt.Sprintf(" (%d)", len(a.Signatures))
	}
	if a.Shadowed {
		return theme.Dim.Render(label + " shadowed")
	}
	return label
}
