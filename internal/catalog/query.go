package catalog

import (
	"context"
	"fmt"

	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
)

// Language versions the actuator accepts.
var SupportedVersions = []string{"1.0"}

const TargetFeatures openc2.Tag = "features"

// NewQuery builds the profile answering "query features". cfg may set
// rate_limit, an advertised commands-per-minute ceiling.
func NewQuery(name string, cfg map[string]any, deps Deps) (*profile.Static, error) {
	rateLimit, err := configInt(cfg, "rate_limit", 0)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("profile %q: resolver reference is required", name)
	}

	q := &query{ref: deps.Resolver, rateLimit: rateLimit}
	b := profile.NewBuilder(name, deps.RegistryOptions...)
	b.Declare("query", []openc2.Tag{TargetFeatures}, nil, q.features)
	return b.Build()
}

type query struct {
	ref       *Ref
	rateLimit int
}

// features answers the listed features. An empty list is a heartbeat and
// returns an empty object.
func (q *query) features(_ context.Context, target, _ openc2.TypedObject, _ any) (any, error) {
	requested, err := featureList(target["features"])
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(requested))
	for _, f := range requested {
		switch f {
		case "versions":
			out[f] = append([]string(nil), SupportedVersions...)
		case "profiles":
			r, ok := q.ref.Get()
			if !ok {
				return nil, fmt.Errorf("resolver not ready")
			}
			out[f] = r.ProfileNames()
		case "pairs":
			r, ok := q.ref.Get()
			if !ok {
				return nil, fmt.Errorf("resolver not ready")
			}
			out[f] = r.Pairs()
		case "rate_limit":
			out[f] = q.rateLimit
		default:
			return nil, fmt.Errorf("unsupported feature %q", f)
		}
	}
	return out, nil
}

func featureList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("features must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("features must be a list, got %T", v)
	}
}
