package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, overrides from the environment, and
// validates the configuration at configPath (a file, or a directory holding
// config.yaml). If the directory has a .checksums manifest, the file must
// match it.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check. Only config lock uses
// it, to re-authorize a file that was edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if verify {
		if err := verifyConfigFile(absPath); err != nil {
			return nil, err
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	applyConfigDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// verifyConfigFile checks absPath against a .checksums manifest beside it,
// if there is one.
func verifyConfigFile(absPath string) error {
	checksums, err := LoadChecksums(filepath.Dir(absPath))
	if err != nil {
		return nil
	}
	key := checksumKey(filepath.Dir(absPath), absPath)
	expected, ok := checksums.Hashes[key]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums\n"+
			"Run: oc2gw config lock --config %s", key, absPath)
	}
	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: oc2gw config lock --config %s", absPath, err, absPath)
	}
	return nil
}

// Dir returns the directory of the loaded config file.
func (c *Config) Dir() string {
	if c.SourcePath == "" {
		return "."
	}
	return filepath.Dir(c.SourcePath)
}

// ResolvePath makes a relative path from the config file relative to the
// config directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config location by checking standard places.
// Priority order: $OC2GW_CONFIG_DIR, ~/.config/oc2gw, /etc/oc2gw, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("OC2GW_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "oc2gw")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/oc2gw"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./" + ConfigFileName
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $OC2GW_CONFIG_DIR, ~/.config/oc2gw, /etc/oc2gw, ./config.yaml)")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// applyConfigDefaults fills values not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Dispatch.Shadowing == "" {
		cfg.Dispatch.Shadowing = defaults.Dispatch.Shadowing
	}
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = defaults.ProfilesDir
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and fail validation where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.HistoryRetention < 0 {
		return fmt.Errorf("service.history_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dispatch.Shadowing)) {
	case "lenient", "warn", "strict":
	default:
		return fmt.Errorf("dispatch.shadowing must be one of: lenient, warn, strict (got %q)", cfg.Dispatch.Shadowing)
	}

	if cfg.API.Enabled {
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when api is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := checkUnresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}

	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}

	seen := make(map[string]int, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		field := fmt.Sprintf("profiles[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if prev, dup := seen[p.Name]; dup {
			return fmt.Errorf("%s.name: profile %q already listed at profiles[%d]", field, p.Name, prev)
		}
		seen[p.Name] = i

		switch p.Kind {
		case KindBuiltin, KindExec:
		default:
			return fmt.Errorf("%s.kind: must be builtin or exec (got %q for profile %q)", field, p.Kind, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("%s.timeout: must not be negative (profile %q)", field, p.Name)
		}
		if p.Kind == KindExec && p.IsEnabled() && cfg.ProfilesDir == "" {
			return fmt.Errorf("profiles_dir is required for exec profile %s (%q)", field, p.Name)
		}
		if p.IsEnabled() && p.Config != nil {
			if err := checkUnresolvedEnvVars(field+".config", p.Config); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil || len(wc.Endpoints) == 0 {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	paths := make(map[string]struct{}, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if _, dup := paths[ep.Path]; dup {
			return fmt.Errorf("%s: path %q already configured", field, ep.Path)
		}
		paths[ep.Path] = struct{}{}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required", field)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders left in
// profile config values. field is the dotted path of data.
func checkUnresolvedEnvVars(field string, data map[string]any) error {
	for key, value := range data {
		if err := checkUnresolvedValue(field+"."+key, value); err != nil {
			return err
		}
	}
	return nil
}

func checkUnresolvedValue(field string, value any) error {
	switch v := value.(type) {
	case string:
		return checkUnresolved(field, v)
	case map[string]any:
		return checkUnresolvedEnvVars(field, v)
	case []any:
		for j, item := range v {
			if err := checkUnresolvedValue(fmt.Sprintf("%s[%d]", field, j), item); err != nil {
				return err
			}
		}
	}
	return nil
}
