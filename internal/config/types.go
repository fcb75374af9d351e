package config

import "time"

// Config represents the complete oc2gw configuration.
type Config struct {
	Service     ServiceConfig   `yaml:"service"`
	State       StateConfig     `yaml:"state"`
	API         APIConfig       `yaml:"api,omitempty"`
	Dispatch    DispatchConfig  `yaml:"dispatch,omitempty"`
	Webhooks    *WebhooksConfig `yaml:"webhooks,omitempty"`
	ProfilesDir string          `yaml:"profiles_dir"`
	// Profiles are in load order; later entries take priority.
	Profiles []ProfileConf `yaml:"profiles"`

	// SourcePath is the absolute path of the file Load read.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// HistoryRetention bounds the command log; 0 keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines HMAC-signed command ingress.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint accepts signed commands on one path.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts a byte count or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
	// Actions restricts which actions the endpoint may dispatch; empty allows all.
	Actions []string `yaml:"actions,omitempty"`
}

// DispatchConfig controls the resolver.
type DispatchConfig struct {
	// Shadowing is lenient, warn or strict.
	Shadowing string `yaml:"shadowing"`
}

// ProfileKind selects how a profile is built.
type ProfileKind string

const (
	KindBuiltin ProfileKind = "builtin"
	KindExec    ProfileKind = "exec"
)

// ProfileConf defines one profile to load.
type ProfileConf struct {
	Name    string         `yaml:"name"`
	Kind    ProfileKind    `yaml:"kind"`
	Enabled *bool          `yaml:"enabled,omitempty"`
	Timeout time.Duration  `yaml:"timeout,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// IsEnabled reports whether the profile should be loaded. Unset means true.
func (p ProfileConf) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// EnabledProfiles returns the enabled profiles in load order.
func (c *Config) EnabledProfiles() []ProfileConf {
	out := make([]ProfileConf, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "oc2gw",
			LogLevel:         "info",
			LogFormat:        "json",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/oc2gw.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			Shadowing: "lenient",
		},
		ProfilesDir: "./profiles",
	}
}
