package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/oc2gw/internal/scheduler Pruner

// Pruner deletes command log entries older than cutoff. *history.Log
// implements it.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher is the subset of events.Hub the scheduler uses.
type Publisher interface {
	Publish(eventType string, data any)
}
