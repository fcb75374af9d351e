// Package profile defines loaded profiles and how they are built.
//
// A profile is a namespace from action names to invokers. The dispatch core
// only asks a profile which actions it defines and for the invoker of one of
// them; how the profile was produced (compiled in, or backed by an external
// executable) is decided here.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

//go:generate mockgen -destination=../dispatch/mocks/mock_profile.go -package=mocks github.com/mattjoyce/oc2gw/internal/profile Profile

// Profile is the capability the resolver needs from a loaded profile.
type Profile interface {
	// Name identifies the profile in logs, history and capabilities.
	Name() string
	// Actions lists the action names the profile defines, sorted.
	Actions() []string
	// Lookup returns the invoker for an action name.
	Lookup(action string) (action.Invoker, bool)
}

var (
	ErrNoTargets       = errors.New("declaration has no target types")
	ErrEmptyActionName = errors.New("action name is empty")
	ErrKindConflict    = errors.New("action declared both as registry and bare handler")
)

// Static is an immutable profile produced by a Builder.
type Static struct {
	name    string
	entries map[string]action.Invoker
}

// Name returns the profile name.
func (s *Static) Name() string { return s.name }

// Actions returns the defined action names, sorted.
func (s *Static) Actions() []string {
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the invoker for name.
func (s *Static) Lookup(name string) (action.Invoker, bool) {
	inv, ok := s.entries[name]
	return inv, ok
}

// Builder accumulates declarations for one profile. Repeated declarations
// under one action name enrich a single shared action.Registry.
type Builder struct {
	name       string
	registries map[string]*action.Registry
	bare       map[string]action.Handler
	opts       []action.Option
	errs       []error
}

// NewBuilder starts a profile. opts are applied to every registry it creates.
func NewBuilder(name string, opts ...action.Option) *Builder {
	return &Builder{
		name:       name,
		registries: make(map[string]*action.Registry),
		bare:       make(map[string]action.Handler),
		opts:       opts,
	}
}

// Declare registers fn for targets × actuators under actionName and returns
// the action's registry. Empty actuators means the absent actuator only.
// Invalid declarations are recorded and reported by Build.
func (b *Builder) Declare(actionName string, targets, actuators []openc2.Tag, fn action.Handler) *action.Registry {
	actionName = strings.TrimSpace(actionName)
	if actionName == "" {
		b.errs = append(b.errs, ErrEmptyActionName)
		return nil
	}
	if len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: action %q", ErrNoTargets, actionName))
		return nil
	}
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("action %q: handler is nil", actionName))
		return nil
	}
	if _, ok := b.bare[actionName]; ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrKindConflict, actionName))
		return nil
	}

	reg, ok := b.registries[actionName]
	if !ok {
		opts := append([]action.Option{}, b.opts...)
		reg = action.NewRegistry(actionName, opts...)
		b.registries[actionName] = reg
	}
	if len(actuators) == 0 {
		actuators = []openc2.Tag{openc2.Absent}
	}
	reg.Register(targets, actuators, fn)
	return reg
}

// DeclareOne is Declare for a single target and a single (possibly absent) actuator.
func (b *Builder) DeclareOne(actionName string, target, actuator openc2.Tag, fn action.Handler) *action.Registry {
	return b.Declare(actionName, []openc2.Tag{target}, []openc2.Tag{actuator}, fn)
}

// Handle exports fn under actionName with no type-based branching.
func (b *Builder) Handle(actionName string, fn action.Handler) {
	actionName = strings.TrimSpace(actionName)
	if actionName == "" {
		b.errs = append(b.errs, ErrEmptyActionName)
		return
	}
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("action %q: handler is nil", actionName))
		return
	}
	if _, ok := b.registries[actionName]; ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrKindConflict, actionName))
		return
	}
	b.bare[actionName] = fn
}

// Registry returns the registry accumulated so far for actionName.
func (b *Builder) Registry(actionName string) (*action.Registry, bool) {
	reg, ok := b.registries[actionName]
	return reg, ok
}

// Build returns the finished profile, or every declaration error joined.
func (b *Builder) Build() (*Static, error) {
	if strings.TrimSpace(b.name) == "" {
		return nil, errors.New("profile name is empty")
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("profile %q: %w", b.name, errors.Join(b.errs...))
	}

	entries := make(map[string]action.Invoker, len(b.registries)+len(b.bare))
	for name, reg := range b.registries {
		entries[name] = reg
	}
	for name, fn := range b.bare {
		entries[name] = action.HandlerFunc(fn)
	}
	return &Static{name: b.name, entries: entries}, nil
}
