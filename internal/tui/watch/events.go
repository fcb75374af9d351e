package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/events"
)

const eventStreamLines = 6

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventStreamLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	typeStyle := theme.Dim
	switch e.Type {
	case eventDispatchCompleted:
		typeStyle = theme.StatusOK
	case eventHistoryPruned:
		typeStyle = theme.Highlight
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e, theme))
}

func describeEvent(e events.Event, theme Theme) string {
	switch e.Type {
	case eventDispatchCompleted:
		var rec dispatch.Record
		if err := json.Unmarshal(e.Data, &rec); err == nil {
			desc := rec.Action + " " + rec.Target.String()
			if rec.Profile != "" {
				desc += " via " + rec.Profile
			}
			return desc + " " + theme.StatusStyle(string(rec.Status)).Render(string(rec.Status))
		}
	case eventHistoryPruned:
		var p struct {
			Removed int64 `json:"removed"`
		}
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("removed %d history entries", p.Removed)
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
