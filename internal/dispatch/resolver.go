package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
)

var (
	// ErrMalformedCommand is openc2.ErrMalformedCommand.
	ErrMalformedCommand = openc2.ErrMalformedCommand
	ErrUnknownAction    = errors.New("unknown action")
	ErrShadowedAction   = errors.New("action defined by more than one profile")
)

// UnknownActionError reports an action no loaded profile defines.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("action %q is not defined by any loaded profile", e.Action)
}

func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}

// ShadowPolicy controls what happens when several profiles define one action.
type ShadowPolicy string

const (
	ShadowLenient ShadowPolicy = "lenient"
	ShadowWarn    ShadowPolicy = "warn"
	ShadowStrict  ShadowPolicy = "strict"
)

// ParseShadowPolicy parses a policy name; empty means lenient.
func ParseShadowPolicy(s string) (ShadowPolicy, error) {
	switch p := ShadowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ShadowLenient:
		return ShadowLenient, nil
	case ShadowWarn, ShadowStrict:
		return p, nil
	default:
		return "", fmt.Errorf("invalid shadowing policy %q (valid: lenient, warn, strict)", s)
	}
}

// Shadow describes one action hidden in a lower-priority profile.
type Shadow struct {
	Action string `json:"action"`
	Winner string `json:"winner"`
	Hidden string `json:"hidden"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithShadowPolicy sets the shadowing policy.
func WithShadowPolicy(p ShadowPolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithRecorder adds a recorder notified after every Dispatch.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.recorders = append(r.recorders, rec)
		}
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver dispatches commands across profiles in priority order.
// It is immutable after New and safe for concurrent use.
type Resolver struct {
	profiles  []profile.Profile // priority order, highest first
	shadows   []Shadow
	policy    ShadowPolicy
	recorders []Recorder
	logger    *slog.Logger
}

// New builds a resolver. profiles are given in load order; the last one has
// the highest priority.
func New(profiles []profile.Profile, opts ...Option) (*Resolver, error) {
	r := &Resolver{policy: ShadowLenient}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.WithComponent("dispatch")
	}

	seen := make(map[string]struct{}, len(profiles))
	r.profiles = make([]profile.Profile, 0, len(profiles))
	for i := len(profiles) - 1; i >= 0; i-- {
		p := profiles[i]
		if p == nil {
			return nil, fmt.Errorf("profile at position %d is nil", i)
		}
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("profile %q loaded more than once", p.Name())
		}
		seen[p.Name()] = struct{}{}
		r.profiles = append(r.profiles, p)
	}

	r.shadows = findShadows(r.profiles)
	switch r.policy {
	case ShadowStrict:
		if len(r.shadows) > 0 {
			s := r.shadows[0]
			return nil, fmt.Errorf("%w: %q in %q and %q", ErrShadowedAction, s.Action, s.Winner, s.Hidden)
		}
	case ShadowWarn:
		for _, s := range r.shadows {
			r.logger.Warn("action shadowed by higher-priority profile", "action", s.Action, "winner", s.Winner, "hidden", s.Hidden)
		}
	}

	return r, nil
}

func findShadows(ordered []profile.Profile) []Shadow {
	var out []Shadow
	owner := make(map[string]string)
	for _, p := range ordered {
		for _, name := range p.Actions() {
			if winner, ok := owner[name]; ok {
				out = append(out, Shadow{Action: name, Winner: winner, Hidden: p.Name()})
				continue
			}
			owner[name] = p.Name()
		}
	}
	return out
}

// Profiles returns the profiles in priority order, highest first.
func (r *Resolver) Profiles() []profile.Profile {
	return append([]profile.Profile(nil), r.profiles...)
}

// Shadows returns every shadowed action found at construction.
func (r *Resolver) Shadows() []Shadow {
	return append([]Shadow(nil), r.shadows...)
}

// Owner returns the profile that would handle actionName.
func (r *Resolver) Owner(actionName string) (profile.Profile, action.Invoker, bool) {
	for _, p := range r.profiles {
		if inv, ok := p.Lookup(actionName); ok {
			return p, inv, true
		}
	}
	return nil, nil, false
}

// Dispatch runs cmd on the owning profile and returns the handler result.
// The command is only read.
func (r *Resolver) Dispatch(ctx context.Context, cmd openc2.Command) (any, error) {
	start := time.Now()
	rec := Record{
		Action:   cmd.Action,
		Target:   cmd.Target.Type(),
		Actuator: cmd.Actuator.Type(),
		Started:  start,
	}

	result, err := r.dispatch(ctx, cmd, &rec)

	rec.Duration = time.Since(start)
	rec.Status = StatusFor(err)
	if err != nil {
		rec.Error = err.Error()
	}
	r.notify(ctx, rec)

	return result, err
}

func (r *Resolver) dispatch(ctx context.Context, cmd openc2.Command, rec *Record) (any, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	p, inv, ok := r.Owner(cmd.Action)
	if !ok {
		return nil, &UnknownActionError{Action: cmd.Action}
	}
	rec.Profile = p.Name()

	r.logger.Debug("dispatching command", "action", cmd.Action, "profile", p.Name(),
		"target", cmd.Target.Type().String(), "actuator", cmd.Actuator.Type().String())

	return inv.Invoke(ctx, cmd.Target, cmd.Actuator, cmd.Modifier)
}

func (r *Resolver) notify(ctx context.Context, rec Record) {
	ctx = context.WithoutCancel(ctx)
	for _, recorder := range r.recorders {
		if err := recorder.Record(ctx, rec); err != nil {
			r.logger.Error("failed to record dispatch", "action", rec.Action, "error", err)
		}
	}
}
