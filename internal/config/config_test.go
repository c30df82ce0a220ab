package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claw0.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DefaultAgent != "main" {
		t.Errorf("DefaultAgent = %q, want main", cfg.DefaultAgent)
	}
	if _, ok := cfg.Agents["main"]; !ok {
		t.Errorf("default agent not seeded into Agents")
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("LLM.Model = %q, want deepseek-chat", cfg.LLM.Model)
	}
	if cfg.LLM.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if !strings.HasSuffix(cfg.Workspace, "workspace") {
		t.Errorf("Workspace = %q, want <cwd>/workspace", cfg.Workspace)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.PollInterval != time.Second {
		t.Errorf("queue defaults = %d attempts, %v poll", cfg.Queue.MaxAttempts, cfg.Queue.PollInterval)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("scheduler tick = %v, want 10s", cfg.Scheduler.TickInterval)
	}
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("CLAW0_TEST_KEY", "sk-test-123")
	path := writeConfig(t, `
workspace: /tmp/ws
default_agent: ops
agents:
  ops:
    model: deepseek-reasoner
llm:
  api_key: ${CLAW0_TEST_KEY}
gateway:
  port: 9999
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, env expansion failed", cfg.LLM.APIKey)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
	if got := cfg.AgentModel("ops"); got != "deepseek-reasoner" {
		t.Errorf("AgentModel(ops) = %q", got)
	}
	if got := cfg.AgentModel("nonexistent"); got != "deepseek-chat" {
		t.Errorf("AgentModel fallback = %q, want deepseek-chat", got)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "workspace: /tmp/ws\nbogus_key: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"missing default agent", func(c *Config) { c.DefaultAgent = "ghost" }},
		{"port out of range", func(c *Config) { c.Gateway.Port = 70000 }},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			cfg.Channels.Telegram.BotToken = ""
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted invalid config")
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema error: %v", err)
	}
	for _, want := range []string{"workspace", "default_agent", "max_attempts"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
