package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/oc2gw/internal/scheduler/mocks"
)

// NewTestSlogger creates a *slog.Logger that writes JSON into a buffer.
func NewTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (p *recordingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	p.data = append(p.data, data)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.Less(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Retention: time.Hour})
	assert.Error(t, err)

	ctrl := gomock.NewController(t)
	_, err = New(Options{Retention: -time.Hour, Pruner: mocks.NewMockPruner(ctrl)})
	assert.Error(t, err)

	s, err := New(Options{Retention: time.Hour, Pruner: mocks.NewMockPruner(ctrl)})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.opts.Interval)
}

func TestStartPrunesImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	pub := &recordingPublisher{}
	logger, _ := NewTestSlogger()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pruner.EXPECT().Prune(gomock.Any(), now.Add(-24*time.Hour)).Return(int64(3), nil).Times(1)

	s, err := New(Options{Retention: 24 * time.Hour, Pruner: pruner, Events: pub, Logger: logger})
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Equal(t, []string{"history.pruned"}, pub.types())
	assert.Equal(t, int64(3), pub.data[0].(map[string]any)["removed"])
}

func TestNothingRemovedPublishesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	pub := &recordingPublisher{}

	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(0), nil)

	s, err := New(Options{Retention: time.Hour, Pruner: pruner, Events: pub})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Empty(t, pub.types())
}

func TestRetentionZeroIsIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).Times(0)

	s, err := New(Options{Retention: 0, Pruner: pruner})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestPruneErrorIsLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)
	pub := &recordingPublisher{}
	logger, buf := NewTestSlogger()

	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("database is locked"))

	s, err := New(Options{Retention: time.Hour, Pruner: pruner, Events: pub, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Contains(t, buf.String(), "failed to prune command log")
	assert.Contains(t, buf.String(), "database is locked")
	assert.Empty(t, pub.types())
}

func TestLoopTicksUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)

	ticked := make(chan struct{}, 16)
	pruner.EXPECT().Prune(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, time.Time) (int64, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return 0, nil
	}).MinTimes(3)

	s, err := New(Options{Retention: time.Hour, Interval: 5 * time.Millisecond, Pruner: pruner})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 3; i++ {
		select {
		case <-ticked:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i+1)
		}
	}
	cancel()
	s.Stop()
}
