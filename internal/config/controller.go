package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ControllerConfig is the mdb client's configuration (mdb.yaml). All
// fields are optional — the controller binary accepts the equivalent
// flags directly and a config file is a convenience, not a requirement.
type ControllerConfig struct {
	Exchange    ExchangeAddr `yaml:"exchange"`
	TLS         TLSClient    `yaml:"tls"`
	HistoryFile string       `yaml:"history_file"`
	Logging     LoggingInfo  `yaml:"logging"`
}

// LoadControllerConfig reads and validates the controller's YAML config
// file. A missing file is not an error here: the controller can run from
// flags alone, so callers should only invoke this when a --config flag
// was actually given.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading controller config: %w", err)
	}

	var cfg ControllerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing controller config: %w", err)
	}

	cfg.validate()

	return &cfg, nil
}

func (c *ControllerConfig) validate() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
