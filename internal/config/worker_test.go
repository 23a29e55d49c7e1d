package config

import (
	"testing"
	"time"
)

func TestLoadWorkerConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
rank: 2
exchange:
  address: "127.0.0.1:9000"
backend: gdb
target:
  path: /usr/bin/my-mpi-app
  args: ["--flag"]
`)
	cfg, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("LoadWorkerConfig: %v", err)
	}
	if cfg.Connection.MaxAttempts != 30 {
		t.Errorf("expected default max_attempts 30, got %d", cfg.Connection.MaxAttempts)
	}
	if cfg.Connection.RetryDelay != time.Second {
		t.Errorf("expected default retry_delay 1s, got %v", cfg.Connection.RetryDelay)
	}
}

func TestLoadWorkerConfig_MissingExchangeAddress(t *testing.T) {
	path := writeTempConfig(t, `
rank: 0
backend: gdb
target:
  path: /usr/bin/my-mpi-app
`)
	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected error for missing exchange.address")
	}
}

func TestLoadWorkerConfig_MissingTargetPath(t *testing.T) {
	path := writeTempConfig(t, `
rank: 0
exchange:
  address: "127.0.0.1:9000"
backend: gdb
`)
	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected error for missing target.path")
	}
}

func TestLoadWorkerConfig_NegativeRank(t *testing.T) {
	path := writeTempConfig(t, `
rank: -1
exchange:
  address: "127.0.0.1:9000"
backend: gdb
target:
  path: /usr/bin/my-mpi-app
`)
	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected error for negative rank")
	}
}
