// Package scheduler runs the gateway's periodic housekeeping: pruning the
// command log to the configured retention.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultInterval = time.Hour
	DefaultJitter   = 5 * time.Minute
)

// Options configures a Scheduler.
type Options struct {
	// Retention is how long command log entries are kept. 0 disables pruning.
	Retention time.Duration
	Interval  time.Duration
	Jitter    time.Duration
	Pruner    Pruner
	Events    Publisher
	Logger    *slog.Logger
}

// Scheduler prunes the command log on a jittered interval.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Pruner == nil {
		return nil, fmt.Errorf("scheduler: pruner is required")
	}
	if opts.Retention < 0 {
		return nil, fmt.Errorf("scheduler: retention must not be negative")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs one pass immediately, then loops in the background until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.opts.Retention == 0 {
		s.logger.Info("history retention disabled, scheduler idle")
		return nil
	}
	s.logger.Info("starting scheduler", "retention", s.opts.Retention, "interval", s.opts.Interval)

	s.tick(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(calculateJitteredInterval(s.opts.Interval, s.opts.Jitter))
		select {
		case <-timer.C:
			s.tick(ctx)
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tick performs a single pruning pass.
func (s *Scheduler) tick(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.Retention)
	removed, err := s.opts.Pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune command log", "cutoff", cutoff, "error", err)
		return
	}
	s.logger.Debug("command log pruned", "cutoff", cutoff, "removed", removed)
	if removed > 0 && s.opts.Events != nil {
		s.opts.Events.Publish("history.pruned", map[string]any{
			"cutoff":  cutoff.UTC(),
			"removed": removed,
		})
	}
}

// calculateJitteredInterval returns base plus a random duration in [0, jitter).
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
