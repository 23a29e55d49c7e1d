package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig is a single debug client's configuration (worker.yaml).
// In practice most worker processes never read this from disk — the
// launcher synthesizes one worker.yaml per rank (or the equivalent CLI
// flags) when it writes the MPI appfile (spec §6.3) — but hand-authoring
// one is supported for standalone testing of a single rank.
type WorkerConfig struct {
	Rank       int            `yaml:"rank"`
	Exchange   ExchangeAddr   `yaml:"exchange"`
	TLS        TLSClient      `yaml:"tls"`
	Backend    string         `yaml:"backend"`
	Target     TargetCommand  `yaml:"target"`
	Connection ConnectionInfo `yaml:"connection"`
	Logging    LoggingInfo    `yaml:"logging"`
	RankLogDir string         `yaml:"rank_log_dir"`
}

// ExchangeAddr is the address of the exchange broker a worker connects to.
type ExchangeAddr struct {
	Address string `yaml:"address"`
}

// TLSClient holds the certificate paths a TLS client side needs.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// TargetCommand is the debuggee program and its arguments.
type TargetCommand struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// ConnectionInfo controls the worker's connect-to-exchange retry policy
// (spec §4.1.a, "connect_to_exchange").
type ConnectionInfo struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// LoadWorkerConfig reads and validates a worker's YAML config file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker config: %w", err)
	}

	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing worker config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating worker config: %w", err)
	}

	return &cfg, nil
}

func (c *WorkerConfig) validate() error {
	if c.Rank < 0 {
		return fmt.Errorf("rank must be non-negative")
	}
	if c.Exchange.Address == "" {
		return fmt.Errorf("exchange.address is required")
	}
	if c.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if c.Target.Path == "" {
		return fmt.Errorf("target.path is required")
	}
	if c.Connection.MaxAttempts <= 0 {
		c.Connection.MaxAttempts = 30
	}
	if c.Connection.RetryDelay <= 0 {
		c.Connection.RetryDelay = 1 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
