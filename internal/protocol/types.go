// Package protocol is the JSON-over-stdio exchange with exec profile entrypoints.
//
// One request is written to the entrypoint's stdin per invocation and one
// response is read back from its stdout.
package protocol

import (
	"fmt"
	"time"
)

// Version is the only protocol version spoken.
const Version = 1

// Request is sent to an exec profile entrypoint via stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	RequestID  string         `json:"request_id"`
	Profile    string         `json:"profile"`
	Action     string         `json:"action"`
	Target     map[string]any `json:"target"`
	Actuator   map[string]any `json:"actuator,omitempty"`
	Modifier   any            `json:"modifier,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Response is read from an exec profile entrypoint via stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Result any        `json:"result,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from an entrypoint.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// HandlerError is a failure reported by the entrypoint itself (status=error).
type HandlerError struct {
	Profile string
	Action  string
	Message string
	Stderr  string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("profile %q action %q failed: %s", e.Profile, e.Action, e.Message)
}
