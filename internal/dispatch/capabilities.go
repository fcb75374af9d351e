package dispatch

import (
	"sort"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// signatureLister is implemented by action.Registry.
type signatureLister interface {
	Signatures() []action.Signature
}

// ActionCapability describes one action exported by a profile.
type ActionCapability struct {
	Name string `json:"name"`
	// Bare is true for handlers without type-based branching.
	Bare bool `json:"bare,omitempty"`
	// Shadowed is true when a higher-priority profile owns the action.
	Shadowed   bool               `json:"shadowed,omitempty"`
	Signatures []action.Signature `json:"signatures,omitempty"`
}

// ProfileCapability describes one loaded profile.
type ProfileCapability struct {
	Profile  string             `json:"profile"`
	Priority int                `json:"priority"`
	Actions  []ActionCapability `json:"actions"`
}

// Capabilities lists every profile in priority order (priority 0 first)
// with its actions and signatures.
func (r *Resolver) Capabilities() []ProfileCapability {
	out := make([]ProfileCapability, 0, len(r.profiles))
	owned := make(map[string]struct{})

	for i, p := range r.profiles {
		pc := ProfileCapability{Profile: p.Name(), Priority: i}
		for _, name := range p.Actions() {
			inv, ok := p.Lookup(name)
			if !ok {
				continue
			}
			ac := ActionCapability{Name: name}
			if _, taken := owned[name]; taken {
				ac.Shadowed = true
			} else {
				owned[name] = struct{}{}
			}
			if sl, ok := inv.(signatureLister); ok {
				ac.Signatures = sl.Signatures()
			} else {
				ac.Bare = true
			}
			pc.Actions = append(pc.Actions, ac)
		}
		out = append(out, pc)
	}
	return out
}

// Pairs maps every reachable action to the target types its owning profile
// accepts. Bare handlers map to an empty list.
func (r *Resolver) Pairs() map[string][]openc2.Tag {
	out := make(map[string][]openc2.Tag)
	for _, pc := range r.Capabilities() {
		for _, ac := range pc.Actions {
			if ac.Shadowed {
				continue
			}
			seen := make(map[openc2.Tag]struct{})
			targets := []openc2.Tag{}
			for _, sig := range ac.Signatures {
				if _, ok := seen[sig.Target]; ok {
					continue
				}
				seen[sig.Target] = struct{}{}
				targets = append(targets, sig.Target)
			}
			sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
			out[ac.Name] = targets
		}
	}
	return out
}

// ProfileNames returns profile names in priority order.
func (r *Resolver) ProfileNames() []string {
	out := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Name())
	}
	return out
}
