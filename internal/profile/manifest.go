package profile

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// TagList is a set of type tags in a manifest.
//
// Accepted formats:
//   - scalar: targets: ipv4_net
//   - sequence: targets: [ipv4_net, ipv6_net]
type TagList []openc2.Tag

func (l *TagList) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*l = nil
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		*l = TagList(openc2.Tags(n.Value))
		return nil
	case yaml.SequenceNode:
		names := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("type tag must be a string")
			}
			names = append(names, item.Value)
		}
		*l = TagList(openc2.Tags(names...))
		return nil
	default:
		return fmt.Errorf("type tags must be a string or a sequence of strings")
	}
}

// UnmarshalTOML implements toml.Unmarshaler.
func (l *TagList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*l = TagList(openc2.Tags(val))
		return nil
	case []any:
		names := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("type tag must be a string, got %T", item)
			}
			names = append(names, s)
		}
		*l = TagList(openc2.Tags(names...))
		return nil
	default:
		return fmt.Errorf("type tags must be a string or an array of strings, got %T", v)
	}
}

// ActionDecl declares one action signature set served by an exec profile.
type ActionDecl struct {
	Name        string  `yaml:"name" toml:"name"`
	Targets     TagList `yaml:"targets" toml:"targets"`
	Actuators   TagList `yaml:"actuators,omitempty" toml:"actuators"`
	Description string  `yaml:"description,omitempty" toml:"description"`
}

// Manifest defines the structure of a profile's manifest.yaml / manifest.toml.
type Manifest struct {
	Name        string       `yaml:"name" toml:"name"`
	Version     string       `yaml:"version" toml:"version"`
	Protocol    int          `yaml:"protocol" toml:"protocol"`
	Entrypoint  string       `yaml:"entrypoint" toml:"entrypoint"`
	Description string       `yaml:"description,omitempty" toml:"description"`
	Timeout     string       `yaml:"timeout,omitempty" toml:"timeout"`
	Actions     []ActionDecl `yaml:"actions" toml:"actions"`
}

// Descriptor is a discovered and validated exec profile manifest.
type Descriptor struct {
	Name         string        // Profile name from manifest
	Path         string        // Absolute path to profile directory
	ManifestPath string        // Absolute path to the manifest file
	Entrypoint   string        // Absolute path to entrypoint executable
	Protocol     int           // Protocol version
	Version      string        // Profile version
	Description  string        // Human-readable description
	Timeout      time.Duration // Manifest default timeout, 0 if unset
	Actions      []ActionDecl
}

// ActionNames returns declared action names in manifest order, deduplicated.
func (d *Descriptor) ActionNames() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, a := range d.Actions {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		out = append(out, a.Name)
	}
	return out
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q", m.Timeout)
		}
	}

	if len(m.Actions) == 0 {
		return fmt.Errorf("at least one action must be declared")
	}

	for i, a := range m.Actions {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("actions[%d]: name is required", i)
		}
		if len(a.Targets) == 0 {
			return fmt.Errorf("action %q: at least one target type is required", a.Name)
		}
		for _, t := range a.Targets {
			if t == openc2.Absent {
				return fmt.Errorf("action %q: empty target type", a.Name)
			}
		}
	}

	return nil
}
