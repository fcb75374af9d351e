package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/oc2gw/internal/log"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/state"
)

const (
	TargetIPv4Net        openc2.Tag = "ipv4_net"
	TargetIPv6Net        openc2.Tag = "ipv6_net"
	TargetIPv4Connection openc2.Tag = "ipv4_connection"
	TargetIPv6Connection openc2.Tag = "ipv6_connection"
	TargetRuleNumber     openc2.Tag = "slpf:rule_number"
	TargetFile           openc2.Tag = "file"

	ActuatorSLPF openc2.Tag = "slpf"

	DefaultMaxRules = 1000
)

var (
	ErrRuleNotFound   = errors.New("rule not found")
	ErrRuleLimit      = errors.New("rule table is full")
	ErrUpdateDisabled = errors.New("file updates are disabled")
	ErrInvalidTarget  = errors.New("invalid target")
)

// Rule is one entry of the packet filter table.
type Rule struct {
	Number   int                `json:"rule_number"`
	Action   string             `json:"action"`
	Target   openc2.TypedObject `json:"target"`
	Modifier any                `json:"modifier,omitempty"`
	Created  time.Time          `json:"created_at"`
}

// NewSLPF builds the stateless packet filter profile. Its rule table lives
// in the state store under the profile name. cfg keys: max_rules, and
// update_dir (the only directory "update file" may read from).
func NewSLPF(name string, cfg map[string]any, deps Deps) (*profile.Static, error) {
	if deps.State == nil {
		return nil, fmt.Errorf("profile %q: state store is required", name)
	}
	maxRules, err := configInt(cfg, "max_rules", DefaultMaxRules)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	updateDir, err := configString(cfg, "update_dir")
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}

	f := &filter{
		name:      name,
		store:     deps.State,
		maxRules:  maxRules,
		updateDir: updateDir,
		now:       time.Now,
	}

	nets := []openc2.Tag{TargetIPv4Net, TargetIPv6Net, TargetIPv4Connection, TargetIPv6Connection}
	actuators := []openc2.Tag{openc2.Absent, ActuatorSLPF}

	b := profile.NewBuilder(name, deps.RegistryOptions...)
	b.Declare("allow", nets, actuators, f.ruleHandler("allow"))
	b.Declare("deny", nets, actuators, f.ruleHandler("deny"))
	b.Declare("delete", []openc2.Tag{TargetRuleNumber}, actuators, f.deleteRule)
	b.Declare("update", []openc2.Tag{TargetFile}, actuators, f.updateFile)
	return b.Build()
}

type filter struct {
	name      string
	store     *state.Store
	maxRules  int
	updateDir string
	now       func() time.Time
}

// table is the persisted shape of the filter state.
type table struct {
	NextRule int           `json:"next_rule"`
	Rules    map[int]*Rule `json:"rules"`
}

func (f *filter) ruleHandler(verb string) func(context.Context, openc2.TypedObject, openc2.TypedObject, any) (any, error) {
	return func(ctx context.Context, target, _ openc2.TypedObject, modifier any) (any, error) {
		if err := validateTarget(target); err != nil {
			return nil, err
		}

		var number int
		err := f.mutate(ctx, func(t *table) error {
			if len(t.Rules) >= f.maxRules {
				return fmt.Errorf("%w (%d rules)", ErrRuleLimit, f.maxRules)
			}
			t.NextRule++
			number = t.NextRule
			t.Rules[number] = &Rule{
				Number:   number,
				Action:   verb,
				Target:   target,
				Modifier: modifier,
				Created:  f.now().UTC(),
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		log.WithProfile(f.name).Info("rule added", "action", verb, "rule_number", number, "target", target.Type().String())
		return map[string]any{"rule_number": number}, nil
	}
}

func (f *filter) deleteRule(ctx context.Context, target, _ openc2.TypedObject, _ any) (any, error) {
	number, ok := asRuleNumber(target["rule_number"])
	if !ok {
		return nil, fmt.Errorf("%w: rule_number must be a positive integer", ErrInvalidTarget)
	}

	err := f.mutate(ctx, func(t *table) error {
		if _, exists := t.Rules[number]; !exists {
			return fmt.Errorf("%w: %d", ErrRuleNotFound, number)
		}
		delete(t.Rules, number)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithProfile(f.name).Info("rule deleted", "rule_number", number)
	return map[string]any{}, nil
}

// updateFile replaces the rule table with the rules listed in a JSON file
// under update_dir. Each entry is {"action": "allow"|"deny", "target": {...}}.
func (f *filter) updateFile(ctx context.Context, target, _ openc2.TypedObject, _ any) (any, error) {
	if f.updateDir == "" {
		return nil, ErrUpdateDisabled
	}
	name, _ := target["name"].(string)
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: file name must be a bare file name", ErrInvalidTarget)
	}

	data, err := os.ReadFile(filepath.Join(f.updateDir, name))
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var entries []struct {
		Action   string             `json:"action"`
		Target   openc2.TypedObject `json:"target"`
		Modifier any                `json:"modifier,omitempty"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	if len(entries) > f.maxRules {
		return nil, fmt.Errorf("%w (%d rules)", ErrRuleLimit, f.maxRules)
	}
	for i, e := range entries {
		if e.Action != "allow" && e.Action != "deny" {
			return nil, fmt.Errorf("rules file entry %d: action must be allow or deny, got %q", i, e.Action)
		}
		if err := validateTarget(e.Target); err != nil {
			return nil, fmt.Errorf("rules file entry %d: %w", i, err)
		}
	}

	err = f.mutate(ctx, func(t *table) error {
		t.Rules = make(map[int]*Rule, len(entries))
		now := f.now().UTC()
		for _, e := range entries {
			t.NextRule++
			t.Rules[t.NextRule] = &Rule{Number: t.NextRule, Action: e.Action, Target: e.Target, Modifier: e.Modifier, Created: now}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithProfile(f.name).Info("rules replaced from file", "file", name, "count", len(entries))
	return map[string]any{"rules": len(entries)}, nil
}

// ListRules returns the rule table of the slpf profile called name,
// sorted by rule number.
func ListRules(ctx context.Context, store *state.Store, name string) ([]Rule, error) {
	raw, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(t.Rules))
	for _, r := range t.Rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *filter) mutate(ctx context.Context, fn func(*table) error) error {
	_, err := f.store.Update(ctx, f.name, func(m map[string]json.RawMessage) error {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		t, err := decodeTable(raw)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}

		next, err := json.Marshal(t.NextRule)
		if err != nil {
			return err
		}
		rules, err := json.Marshal(t.Rules)
		if err != nil {
			return err
		}
		m["next_rule"] = next
		m["rules"] = rules
		return nil
	})
	return err
}

func decodeTable(raw []byte) (*table, error) {
	t := &table{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	if t.Rules == nil {
		t.Rules = make(map[int]*Rule)
	}
	return t, nil
}

// validateTarget checks the address fields of a network target against its
// type's address family.
func validateTarget(target openc2.TypedObject) error {
	switch tag := target.Type(); tag {
	case TargetIPv4Net, TargetIPv6Net:
		s, _ := target[string(tag)].(string)
		if s == "" {
			return fmt.Errorf("%w: %s requires field %q", ErrInvalidTarget, tag, string(tag))
		}
		return checkAddr(s, tag == TargetIPv6Net)
	case TargetIPv4Connection, TargetIPv6Connection:
		v6 := tag == TargetIPv6Connection
		for _, field := range []string{"src_addr", "dst_addr"} {
			if s, ok := target[field].(string); ok {
				if err := checkAddr(s, v6); err != nil {
					return fmt.Errorf("%s: %w", field, err)
				}
			}
		}
		for _, field := range []string{"src_port", "dst_port"} {
			if v, present := target[field]; present {
				if p, ok := asInt(v); !ok || p < 0 || p > 65535 {
					return fmt.Errorf("%w: %s must be a port number", ErrInvalidTarget, field)
				}
			}
		}
		if v, present := target["protocol"]; present {
			p, _ := v.(string)
			switch strings.ToLower(p) {
			case "tcp", "udp", "icmp", "sctp":
			default:
				return fmt.Errorf("%w: unsupported protocol %v", ErrInvalidTarget, v)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is not a network target", ErrInvalidTarget, tag)
	}
}

func checkAddr(s string, v6 bool) error {
	var addr netip.Addr
	if p, err := netip.ParsePrefix(s); err == nil {
		addr = p.Addr()
	} else if a, err := netip.ParseAddr(s); err == nil {
		addr = a
	} else {
		return fmt.Errorf("%w: %q is not an address or prefix", ErrInvalidTarget, s)
	}
	if v6 != addr.Is6() {
		return fmt.Errorf("%w: %q has the wrong address family", ErrInvalidTarget, s)
	}
	return nil
}

func asRuleNumber(v any) (int, bool) {
	if s, ok := v.(string); ok {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	}
	n, ok := asInt(v)
	return n, ok && n > 0
}
