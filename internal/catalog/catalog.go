// Package catalog holds the profiles compiled into the gateway binary.
//
// A builtin is selected by name from configuration and built through the
// same profile.Builder that exec profiles use.
package catalog

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/state"
)

// Introspector is the view of the running resolver that builtins may read.
// dispatch.Resolver implements it.
type Introspector interface {
	ProfileNames() []string
	Pairs() map[string][]openc2.Tag
}

// Ref is filled in with the resolver once it exists. Builtins are built
// before the resolver, so they hold the Ref rather than the resolver.
type Ref struct {
	v atomic.Pointer[introspectorBox]
}

type introspectorBox struct{ i Introspector }

// Bind publishes i to every holder of the Ref.
func (r *Ref) Bind(i Introspector) {
	r.v.Store(&introspectorBox{i: i})
}

// Get returns the bound introspector.
func (r *Ref) Get() (Introspector, bool) {
	b := r.v.Load()
	if b == nil || b.i == nil {
		return nil, false
	}
	return b.i, true
}

// Deps are shared services handed to builtin constructors.
type Deps struct {
	State           *state.Store
	Resolver        *Ref
	RegistryOptions []action.Option
}

// Constructor builds a builtin profile named name from its config block.
type Constructor func(name string, cfg map[string]any, deps Deps) (*profile.Static, error)

var builtins = map[string]Constructor{
	"query": NewQuery,
	"slpf":  NewSLPF,
}

// actions lists what each builtin declares, for static checks that run
// without building profiles.
var actions = map[string][]string{
	"query": {"query"},
	"slpf":  {"allow", "delete", "deny", "update"},
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, bool) {
	c, ok := builtins[name]
	return c, ok
}

// Actions returns the sorted action names the builtin called name defines.
func Actions(name string) ([]string, bool) {
	a, ok := actions[name]
	return append([]string(nil), a...), ok
}

// Names lists the builtin profile names, sorted.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the builtin called name.
func Build(name string, cfg map[string]any, deps Deps) (*profile.Static, error) {
	c, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown builtin profile %q (available: %v)", name, Names())
	}
	return c(name, cfg, deps)
}

func configInt(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("config %q must be an integer, got %T", key, v)
	}
	return n, nil
}

func configString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config %q must be a string, got %T", key, v)
	}
	return s, nil
}

// asInt accepts the integer shapes that arrive from YAML, JSON and Go callers.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
