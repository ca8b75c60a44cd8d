package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

// EnvLogLevel overrides telemetry.logging.level when set.
const EnvLogLevel = "CONVERGE_LOG_LEVEL"

// Load reads a YAML configuration file, applies defaults and environment
// overrides and validates the result. Relative paths in the file are resolved
// against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Workflow.Definition = resolve(base, cfg.Workflow.Definition)
	cfg.Source.Dir = resolve(base, cfg.Source.Dir)
	if cfg.Journal.Store.Path != ":memory:" {
		cfg.Journal.Store.Path = resolve(base, cfg.Journal.Store.Path)
	}

	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, engine.NewConfigurationError("failed to parse configuration", err).
			WithCode(engine.ErrCodeValidation)
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Telemetry.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewConfigurationError("invalid configuration", err).
			WithCode(engine.ErrCodeValidation)
	}
	if c.Journal.Enabled && c.Journal.Store.Path == "" {
		return engine.NewConfigurationError("journal store path is required when the journal is enabled", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.EngineProcessorConfig().Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewConfigurationError("invalid telemetry configuration", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
