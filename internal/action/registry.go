// Package action implements the per-action dispatch table.
//
// A Registry maps exact (target type, actuator type) signatures to handlers.
// There is no wildcard, prefix or supertype matching: what was registered is
// exactly what resolves.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// ErrNoMatchingSignature is matched by every NoMatchingSignatureError.
var ErrNoMatchingSignature = errors.New("no matching signature")

// NoMatchingSignatureError reports an action with no handler for the observed tags.
type NoMatchingSignatureError struct {
	Action   string
	Target   openc2.Tag
	Actuator openc2.Tag
}

func (e *NoMatchingSignatureError) Error() string {
	return fmt.Sprintf("action %q has no handler for target %s with actuator %s", e.Action, e.Target, e.Actuator)
}

func (e *NoMatchingSignatureError) Is(target error) bool {
	return target == ErrNoMatchingSignature
}

// Signature is the exact-match dispatch key.
type Signature struct {
	Target   openc2.Tag `json:"target"`
	Actuator openc2.Tag `json:"actuator,omitempty"`
}

func (s Signature) String() string {
	return s.Target.String() + "/" + s.Actuator.String()
}

// Handler serves one or more signatures of an action.
type Handler func(ctx context.Context, target, actuator openc2.TypedObject, modifier any) (any, error)

// Invoker is anything a profile can export under an action name: a Registry,
// or a bare Handler wrapped in HandlerFunc.
type Invoker interface {
	Invoke(ctx context.Context, target, actuator openc2.TypedObject, modifier any) (any, error)
}

// HandlerFunc adapts a bare Handler, for actions without type-based branching.
type HandlerFunc Handler

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, target, actuator openc2.TypedObject, modifier any) (any, error) {
	return f(ctx, target, actuator, modifier)
}

// Overwrite describes a registration that replaced an existing handler.
type Overwrite struct {
	Action    string
	Signature Signature
}

// Option configures a Registry.
type Option func(*Registry)

// WithOverwriteHook installs fn to observe replaced signatures. It runs in
// addition to the warning log and must not call back into the registry.
func WithOverwriteHook(fn func(Overwrite)) Option {
	return func(r *Registry) { r.onOverwrite = fn }
}

// WithLogger overrides the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the dispatch table of one action name.
// Register takes the write lock; Resolve and Invoke share the read lock.
type Registry struct {
	name        string
	mu          sync.RWMutex
	table       map[Signature]Handler
	onOverwrite func(Overwrite)
	logger      *slog.Logger
}

// NewRegistry creates an empty registry for the named action.
func NewRegistry(name string, opts ...Option) *Registry {
	r := &Registry{
		name:  name,
		table: make(map[Signature]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.WithComponent("action")
	}
	r.logger = r.logger.With("action", name)
	return r
}

// Name returns the action name.
func (r *Registry) Name() string { return r.name }

// Register inserts h for every pair in targets × actuators. An empty
// actuators set means the single absent actuator. Replacing an existing
// signature is not an error; it is logged at WARN and reported to the
// overwrite hook.
func (r *Registry) Register(targets, actuators []openc2.Tag, h Handler) {
	if len(actuators) == 0 {
		actuators = []openc2.Tag{openc2.Absent}
	}

	var replaced []Signature

	r.mu.Lock()
	for _, t := range targets {
		for _, a := range actuators {
			sig := Signature{Target: t, Actuator: a}
			if _, exists := r.table[sig]; exists {
				replaced = append(replaced, sig)
			}
			r.table[sig] = h
		}
	}
	r.mu.Unlock()

	for _, sig := range replaced {
		r.logger.Warn("replacing existing handler", "target", sig.Target.String(), "actuator", sig.Actuator.String())
		if r.onOverwrite != nil {
			r.onOverwrite(Overwrite{Action: r.name, Signature: sig})
		}
	}
}

// Resolve returns the handler registered for exactly the tags of target and actuator.
func (r *Registry) Resolve(target, actuator openc2.TypedObject) (Handler, error) {
	sig := Signature{Target: target.Type(), Actuator: actuator.Type()}

	r.mu.RLock()
	h, ok := r.table[sig]
	r.mu.RUnlock()

	if !ok {
		return nil, &NoMatchingSignatureError{Action: r.name, Target: sig.Target, Actuator: sig.Actuator}
	}
	return h, nil
}

// Invoke resolves and calls the handler. Handler errors are returned as is.
func (r *Registry) Invoke(ctx context.Context, target, actuator openc2.TypedObject, modifier any) (any, error) {
	h, err := r.Resolve(target, actuator)
	if err != nil {
		return nil, err
	}
	return h(ctx, target, actuator, modifier)
}

// Signatures returns the registered signatures sorted by target then actuator.
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	out := make([]Signature, 0, len(r.table))
	for sig := range r.table {
		out = append(out, sig)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Actuator < out[j].Actuator
	})
	return out
}

// Len returns the number of registered signatures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}
