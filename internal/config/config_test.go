package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 5672 {
		t.Errorf("broker defaults wrong: %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Broker.ConnectAttempts != 5 {
		t.Errorf("connect attempts = %d, want 5", cfg.Broker.ConnectAttempts)
	}
	if cfg.ActiveWindow != time.Hour {
		t.Errorf("active window = %s, want 1h", cfg.ActiveWindow)
	}
	if cfg.Broker.ManagerQueue != "manager-queue" || cfg.Broker.DeveloperQueue != "developer-queue" {
		t.Errorf("queue defaults wrong: %s / %s", cfg.Broker.ManagerQueue, cfg.Broker.DeveloperQueue)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentnet.toml")
	file := `
[broker]
host = "broker.internal"
port = 5673

[lifecycle]
active_window = "30m"
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BROKER_HOST", "broker.override")
	t.Setenv("ACTIVE_WINDOW", "2h")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Broker.Host != "broker.override" {
		t.Errorf("env should win over file, got host %q", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 5673 {
		t.Errorf("file should win over default, got port %d", cfg.Broker.Port)
	}
	if cfg.ActiveWindow != 2*time.Hour {
		t.Errorf("active window = %s, want 2h", cfg.ActiveWindow)
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentnet.toml")
	file := `
[lifecycle]
idle_after = "soon"
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("unparseable duration should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Broker.Port = 0 }},
		{"no attempts", func(c *Config) { c.Broker.ConnectAttempts = 0 }},
		{"same queues", func(c *Config) { c.Broker.DeveloperQueue = c.Broker.ManagerQueue }},
		{"zero activity limit", func(c *Config) { c.ActivityLimit = 0 }},
		{"unknown executor", func(c *Config) { c.Executor = "quantum" }},
		{"script without command", func(c *Config) { c.Executor = "script" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := defaults()
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation failure")
			}
		})
	}
}
