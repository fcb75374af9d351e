package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are service-level settings that the environment may force
// regardless of the config file.
type envOverrides struct {
	LogLevel  string `env:"OC2GW_LOG_LEVEL"`
	LogFormat string `env:"OC2GW_LOG_FORMAT"`
	StatePath string `env:"OC2GW_STATE_PATH"`
	APIListen string `env:"OC2GW_API_LISTEN"`
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Service.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Service.LogFormat = o.LogFormat
	}
	if o.StatePath != "" {
		cfg.State.Path = o.StatePath
	}
	if o.APIListen != "" {
		cfg.API.Listen = o.APIListen
	}
	return nil
}
