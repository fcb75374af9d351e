package webhook

import (
	"context"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// Dispatcher runs a decoded command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd openc2.Command) (any, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single signed ingress path.
type EndpointConfig struct {
	Path string
	// Secret is the HMAC key.
	Secret string
	// SignatureHeader carries the hex signature, optionally prefixed "sha256=".
	SignatureHeader string
	MaxBodySize     int64
	// Actions is the allow-list; empty allows every action.
	Actions []string
}

func (e *EndpointConfig) allows(action string) bool {
	if len(e.Actions) == 0 {
		return true
	}
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// CommandResponse is the JSON body of a successful dispatch.
type CommandResponse struct {
	Result any `json:"result"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error  string          `json:"error"`
	Status dispatch.Status `json:"status,omitempty"`
}

const DefaultMaxBodySize = 1048576 // 1 MB
