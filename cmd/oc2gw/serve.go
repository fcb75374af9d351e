package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
)

// errStopRequested ends the server group on a shutdown signal.
var errStopRequested = errors.New("stop requested")

// runServers starts each server under one errgroup and blocks until a signal
// arrives, ctx ends, or a server fails. Every server's Start has returned by
// the time runServers does. A signal or a cancelled ctx is a clean stop.
func runServers(ctx context.Context, stop <-chan os.Signal, logger *slog.Logger, servers map[string]func(context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for name, start := range servers {
		group.Go(func() error {
			if err := start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	group.Go(func() error {
		select {
		case sig := <-stop:
			logger.Info("received shutdown signal", "signal", sig)
			return errStopRequested
		case <-groupCtx.Done():
			return nil
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, errStopRequested) {
		return err
	}
	return nil
}
