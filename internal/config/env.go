package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds tracer configuration read from INSTRACE_* environment
// variables. Command-line flags take precedence over all of it.
type EnvConfig struct {
	OutputPrefix    string `env:"INSTRACE_OUTPUT_PREFIX"`
	FilterFile      string `env:"INSTRACE_FILTER_FILE"`
	InterestingExpr string `env:"INSTRACE_INTERESTING_EXPR"`
	HeapProbeObj    string `env:"INSTRACE_HEAP_PROBE_OBJ"`
	Session         string `env:"INSTRACE_SESSION"`
}

// ParseEnvConfig parses tracer configuration from environment variables
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return &cfg, nil
}
