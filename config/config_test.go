package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Negotiation.MaxRounds != 5 {
		t.Errorf("expected 5 max rounds, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.ContextStore.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.ContextStore.Backend)
	}
}

func TestLoader_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
negotiation:
  max_rounds: 8
  round_timeout: 10s
context_store:
  backend: redis
  redis:
    addr: "redis.internal:6379"
log:
  level: debug
  format: console
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Negotiation.MaxRounds != 8 {
		t.Errorf("expected 8 rounds, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.Negotiation.RoundTimeout != 10*time.Second {
		t.Errorf("expected 10s round timeout, got %v", cfg.Negotiation.RoundTimeout)
	}
	if cfg.ContextStore.Backend != BackendRedis || cfg.ContextStore.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis config not loaded: %+v", cfg.ContextStore)
	}
	// Unset fields keep defaults.
	if cfg.Negotiation.OverallTimeout != 5*time.Minute {
		t.Errorf("expected default overall timeout, got %v", cfg.Negotiation.OverallTimeout)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("negotiation:\n  max_rounds: 8\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("COLLABCORE_NEGOTIATION_MAX_ROUNDS", "3")
	t.Setenv("COLLABCORE_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Negotiation.MaxRounds != 3 {
		t.Errorf("env override lost: got %d rounds", cfg.Negotiation.MaxRounds)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("env override lost: got level %s", cfg.Log.Level)
	}
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Negotiation.MaxRounds != 5 {
		t.Errorf("expected defaults, got %d rounds", cfg.Negotiation.MaxRounds)
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown context backend": func(c *Config) { c.ContextStore.Backend = "etcd" },
		"redis without addr": func(c *Config) {
			c.ContextStore.Backend = BackendRedis
			c.ContextStore.Redis.Addr = ""
		},
		"sqlite without path": func(c *Config) { c.Learning.Backend = BackendSQLite },
		"zero rounds":         func(c *Config) { c.Negotiation.MaxRounds = 0 },
		"bad log level":       func(c *Config) { c.Log.Level = "verbose" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLogConfig_BuildLogger(t *testing.T) {
	cfg := LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stdout"}}
	logger, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	logger.Debug("probe")

	bad := LogConfig{Level: "nope"}
	if _, err := bad.BuildLogger(); err == nil {
		t.Error("expected error for invalid level")
	}
}
