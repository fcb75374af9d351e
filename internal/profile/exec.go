package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from an entrypoint.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// DefaultExecTimeout applies when neither config nor manifest set one.
	DefaultExecTimeout = 30 * time.Second
)

// ErrExecTimeout is returned when an entrypoint outlives its timeout.
var ErrExecTimeout = errors.New("profile entrypoint timed out")

// ExecOptions tunes an exec-backed profile.
type ExecOptions struct {
	// Timeout overrides the manifest timeout when > 0.
	Timeout time.Duration
	// Config is passed verbatim to the entrypoint on every request.
	Config map[string]any
	// RegistryOptions are applied to every action registry.
	RegistryOptions []action.Option
}

// LoadExec builds a profile whose handlers run the descriptor's entrypoint.
// Every manifest action is declared through a Builder, so several entries
// with the same name merge into one registry.
func LoadExec(desc *Descriptor, opts ExecOptions) (*Static, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	r := &execRunner{
		profile:    desc.Name,
		entrypoint: desc.Entrypoint,
		config:     opts.Config,
		timeout:    timeout,
		logger:     log.WithProfile(desc.Name),
	}

	b := NewBuilder(desc.Name, opts.RegistryOptions...)
	for _, decl := range desc.Actions {
		b.Declare(decl.Name, decl.Targets, decl.Actuators, r.handlerFor(decl.Name))
	}
	return b.Build()
}

type execRunner struct {
	profile    string
	entrypoint string
	config     map[string]any
	timeout    time.Duration
	logger     *slog.Logger
}

func (r *execRunner) handlerFor(actionName string) action.Handler {
	return func(ctx context.Context, target, actuator openc2.TypedObject, modifier any) (any, error) {
		req := &protocol.Request{
			Protocol:   protocol.Version,
			RequestID:  uuid.NewString(),
			Profile:    r.profile,
			Action:     actionName,
			Target:     target,
			Actuator:   actuator,
			Modifier:   modifier,
			Config:     r.config,
			DeadlineAt: time.Now().Add(r.timeout).UTC(),
		}
		logger := r.logger.With("action", actionName, "request_id", req.RequestID)

		resp, stderr, err := r.spawn(ctx, req, logger)
		if err != nil {
			return nil, err
		}

		for _, entry := range resp.Logs {
			logger.Info("entrypoint log", "level", entry.Level, "message", entry.Message)
		}

		if resp.Status == "error" {
			logger.Warn("entrypoint returned error", "error", resp.Error)
			return nil, &protocol.HandlerError{
				Profile: r.profile,
				Action:  actionName,
				Message: resp.Error,
				Stderr:  stderr,
			}
		}
		return resp.Result, nil
	}
}

// spawn runs the entrypoint once, writing req to stdin and reading the
// response from stdout. Timeout or ctx cancellation sends SIGTERM, then
// SIGKILL after the grace period.
func (r *execRunner) spawn(ctx context.Context, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(r.timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(r.entrypoint)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning entrypoint", "entrypoint", r.entrypoint, "timeout", r.timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopErr error
	select {
	case <-timeoutTimer.C:
		stopErr = fmt.Errorf("%w after %v", ErrExecTimeout, r.timeout)
	case <-ctx.Done():
		stopErr = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, fmt.Errorf("encode request: %w", werr)
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("entrypoint exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponse(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode entrypoint response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	logger.Warn("stopping entrypoint, sending SIGTERM", "reason", stopErr.Error())
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("entrypoint exited after SIGTERM")
	case <-grace.C:
		logger.Warn("entrypoint did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}

	return nil, truncateStderr(stderr.String()), stopErr
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
