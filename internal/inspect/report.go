// Package inspect renders a stored command together with the state of the
// profile that handled it.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/oc2gw/internal/history"
)

// EntryGetter is satisfied by *history.Log.
type EntryGetter interface {
	Get(ctx context.Context, id string) (history.Entry, error)
}

// StateGetter is satisfied by *state.Store.
type StateGetter interface {
	Get(ctx context.Context, profile string) (json.RawMessage, error)
}

// Report is the structured JSON representation of an inspected command.
type Report struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Target     string          `json:"target"`
	Actuator   string          `json:"actuator,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Started    time.Time       `json:"started"`
	DurationMS int64           `json:"duration_ms"`
	State      json.RawMessage `json:"state,omitempty"`
}

// BuildReport renders a terminal-friendly report for a history entry.
func BuildReport(ctx context.Context, entries EntryGetter, states StateGetter, id string) (string, error) {
	report, err := gatherReportData(ctx, entries, states, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Action      : %s\n", report.Action)
	fmt.Fprintf(&out, "Target      : %s\n", report.Target)
	fmt.Fprintf(&out, "Actuator    : %s\n", renderUnset(report.Actuator, "<absent>"))
	fmt.Fprintf(&out, "Profile     : %s\n", renderUnset(report.Profile, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.Started.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Duration    : %dms\n", report.DurationMS)

	if report.Profile != "" {
		fmt.Fprintf(&out, "\nProfile state (current):\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.State)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, entries EntryGetter, states StateGetter, id string) (string, error) {
	report, err := gatherReportData(ctx, entries, states, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, entries EntryGetter, states StateGetter, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("command id is required")
	}

	e, err := entries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", id, err)
	}

	report := &Report{
		ID:         e.ID,
		Action:     e.Action,
		Target:     string(e.Target),
		Actuator:   string(e.Actuator),
		Profile:    e.Profile,
		Status:     string(e.Status),
		Error:      e.Error,
		Started:    e.Started,
		DurationMS: e.Duration.Milliseconds(),
	}
	// Rejected commands never reached a profile.
	if e.Profile == "" {
		return report, nil
	}

	st, err := states.Get(ctx, e.Profile)
	if err != nil {
		return nil, fmt.Errorf("load state for profile %q: %w", e.Profile, err)
	}
	report.State = st
	return report, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
