package main

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/mattjoyce/oc2gw/internal/log"
)

// slowServer blocks until ctx ends, then takes a moment to shut down the way
// http.Server.Shutdown drains in-flight requests.
func slowServer(done *atomic.Int32) func(context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		done.Add(1)
		return ctx.Err()
	}
}

func TestRunServersWaitsForShutdownAfterSignal(t *testing.T) {
	var done atomic.Int32
	stop := make(chan os.Signal, 1)
	stop <- syscall.SIGTERM

	err := runServers(context.Background(), stop, log.Discard(), map[string]func(context.Context) error{
		"api":     slowServer(&done),
		"webhook": slowServer(&done),
	})
	if err != nil {
		t.Fatalf("runServers: %v", err)
	}
	if got := done.Load(); got != 2 {
		t.Fatalf("%d servers finished shutdown before return, want 2", got)
	}
}

func TestRunServersReportsFailureAndStopsOthers(t *testing.T) {
	var done atomic.Int32
	stop := make(chan os.Signal)

	err := runServers(context.Background(), stop, log.Discard(), map[string]func(context.Context) error{
		"api": slowServer(&done),
		"webhook": func(context.Context) error {
			return errors.New("listen tcp :9443: address already in use")
		},
	})
	if err == nil || err.Error() != "webhook: listen tcp :9443: address already in use" {
		t.Fatalf("err = %v, want webhook listen failure", err)
	}
	if got := done.Load(); got != 1 {
		t.Fatalf("api server did not finish shutdown before return")
	}
}

func TestRunServersCancelledContextIsCleanStop(t *testing.T) {
	var done atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runServers(ctx, make(chan os.Signal), log.Discard(), map[string]func(context.Context) error{
		"api": slowServer(&done),
	}); err != nil {
		t.Fatalf("runServers: %v", err)
	}
	if done.Load() != 1 {
		t.Fatal("api server did not finish shutdown before return")
	}
}
