package watch

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/events"
)

const (
	eventDispatchCompleted = "dispatch.completed"
	eventHistoryPruned     = "history.pruned"

	maxFeedRecords = 200
)

// DispatchStats counts outcomes seen since the watch attached.
type DispatchStats struct {
	Total    int
	ByStatus map[dispatch.Status]int
	Pruned   int64
}

func (s DispatchStats) OK() int     { return s.ByStatus[dispatch.StatusOK] }
func (s DispatchStats) Failed() int { return s.ByStatus[dispatch.StatusFailed] }

// Rejected counts commands refused before reaching a handler.
func (s DispatchStats) Rejected() int {
	return s.ByStatus[dispatch.StatusMalformed] +
		s.ByStatus[dispatch.StatusUnknownAction] +
		s.ByStatus[dispatch.StatusNoSignature]
}

// feedState holds dispatch records, newest first.
type feedState struct {
	records []dispatch.Record
	stats   DispatchStats
}

func newFeedState() feedState {
	return feedState{stats: DispatchStats{ByStatus: make(map[dispatch.Status]int)}}
}

// apply folds one hub event into the feed. It reports whether the record
// list changed.
func (f *feedState) apply(e events.Event) bool {
	switch e.Type {
	case eventDispatchCompleted:
		var rec dispatch.Record
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return false
		}
		f.stats.Total++
		f.stats.ByStatus[rec.Status]++
		f.records = append([]dispatch.Record{rec}, f.records...)
		if len(f.records) > maxFeedRecords {
			f.records = f.records[:maxFeedRecords]
		}
		return true
	case eventHistoryPruned:
		var p struct {
			Removed int64 `json:"removed"`
		}
		if err := json.Unmarshal(e.Data, &p); err == nil {
			f.stats.Pruned += p.Removed
		}
	}
	return false
}

func (f feedState) rows() []table.Row {
	rows := make([]table.Row, 0, len(f.records))
	for _, rec := range f.records {
		rows = append(rows, table.Row{
			rec.Started.Local().Format("15:04:05"),
			rec.Action,
			rec.Target.String(),
			orDash(string(rec.Actuator)),
			orDash(rec.Profile),
			string(rec.Status),
			rec.Duration.Round(time.Microsecond).String(),
		})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func feedColumns() []table.Column {
	return []table.Column{
		{Title: "TIME", Width: 8},
		{Title: "ACTION", Width: 10},
		{Title: "TARGET", Width: 16},
		{Title: "ACTUATOR", Width: 12},
		{Title: "PROFILE", Width: 12},
		{Title: "STATUS", Width: 14},
		{Title: "TOOK", Width: 10},
	}
}

func newFeedTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(feedColumns()),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Header.GetForeground())
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#874BFD")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func renderFeed(t table.Model, f feedState, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("DISPATCH FEED")
	if len(f.records) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Waiting for commands..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var detail string
	if cursor := t.Cursor(); cursor >= 0 && cursor < len(f.records) {
		if rec := f.records[cursor]; rec.Error != "" {
			detail = theme.StatusStyle(string(rec.Status)).Render(" " + rec.Error)
		}
	}

	parts := []string{title, t.View()}
	if detail != "" {
		parts = append(parts, detail)
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
