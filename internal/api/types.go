package api

import (
	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/history"
)

// CommandResponse is the body of a successful POST /command.
type CommandResponse struct {
	Result any `json:"result"`
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	// Status is the dispatch status for POST /command failures.
	Status dispatch.Status `json:"status,omitempty"`
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	ProfilesLoaded int      `json:"profiles_loaded"`
	Profiles       []string `json:"profiles"`
}

// ProfilesResponse is the body of GET /profiles.
type ProfilesResponse struct {
	Profiles []dispatch.ProfileCapability `json:"profiles"`
}

// HistoryListResponse is the body of GET /history.
type HistoryListResponse struct {
	Entries []history.Entry `json:"entries"`
}
