// Package config loads and validates the YAML configuration for each of
// mdb's three long-lived components, following the load-then-validate
// pattern used throughout this codebase: LoadXConfig unmarshals, then
// cfg.validate() fills in defaults and rejects anything left incomplete.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig is the exchange broker's configuration (exchange.yaml).
type ExchangeConfig struct {
	Listen       ExchangeListen `yaml:"listen"`
	TLS          TLSServer      `yaml:"tls"`
	Job          JobInfo        `yaml:"job"`
	Registration Registration   `yaml:"registration"`
	Logging      LoggingInfo    `yaml:"logging"`
}

// ExchangeListen is the address the exchange accepts connections on.
type ExchangeListen struct {
	Address string `yaml:"address"`
}

// TLSServer holds the certificate paths a TLS server side needs. Any of
// the three fields may be left empty to fall back to the self-signed
// pair EnsureSelfSigned generates under ~/.mdb (spec §6.5).
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// JobInfo describes the overall MPI job the exchange expects workers to
// register from.
type JobInfo struct {
	NumRanks int    `yaml:"num_ranks"`
	Select   string `yaml:"select"` // e.g. "0,3-5,8"; empty means all ranks
	Backend  string `yaml:"backend"`
}

// Registration controls the worker registration barrier (spec §4.1.a).
type Registration struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingInfo controls structured log output for a component.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadExchangeConfig reads and validates the exchange's YAML config file.
func LoadExchangeConfig(path string) (*ExchangeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading exchange config: %w", err)
	}

	var cfg ExchangeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing exchange config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating exchange config: %w", err)
	}

	return &cfg, nil
}

func (c *ExchangeConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Job.NumRanks <= 0 {
		return fmt.Errorf("job.num_ranks must be positive")
	}
	if c.Job.Backend == "" {
		return fmt.Errorf("job.backend is required")
	}
	if c.Registration.Timeout <= 0 {
		c.Registration.Timeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
