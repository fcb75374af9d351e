package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// Status classifies a dispatch outcome.
type Status string

const (
	StatusOK            Status = "ok"
	StatusMalformed     Status = "malformed"
	StatusUnknownAction Status = "unknown_action"
	StatusNoSignature   Status = "no_signature"
	StatusFailed        Status = "failed"
)

// StatusFor maps a Dispatch error to its status.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrMalformedCommand):
		return StatusMalformed
	case errors.Is(err, ErrUnknownAction):
		return StatusUnknownAction
	case errors.Is(err, action.ErrNoMatchingSignature):
		return StatusNoSignature
	default:
		return StatusFailed
	}
}

// HTTPStatus is the response code the API and webhook surfaces use for a
// Dispatch error.
func HTTPStatus(err error) int {
	switch StatusFor(err) {
	case StatusOK:
		return http.StatusOK
	case StatusMalformed:
		return http.StatusBadRequest
	case StatusUnknownAction:
		return http.StatusNotFound
	case StatusNoSignature:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Record is the outcome of one Dispatch call.
type Record struct {
	Action   string        `json:"action"`
	Target   openc2.Tag    `json:"target"`
	Actuator openc2.Tag    `json:"actuator,omitempty"`
	Profile  string        `json:"profile,omitempty"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Recorder observes dispatch outcomes. Record errors are logged, never
// returned to the Dispatch caller.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, rec Record) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Publisher is the subset of events.Hub used by EventRecorder.
type Publisher interface {
	Publish(eventType string, data any)
}

// EventRecorder publishes each record as a "dispatch.completed" event.
func EventRecorder(p Publisher) Recorder {
	return RecorderFunc(func(_ context.Context, rec Record) error {
		p.Publish("dispatch.completed", rec)
		return nil
	})
}
