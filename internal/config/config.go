// Package config loads and validates the claw0 configuration document.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for claw0.
type Config struct {
	Workspace    string                 `yaml:"workspace"`
	DefaultAgent string                 `yaml:"default_agent"`
	Agents       map[string]AgentConfig `yaml:"agents"`
	LLM          LLMConfig              `yaml:"llm"`
	Gateway      GatewayConfig          `yaml:"gateway"`
	Queue        QueueConfig            `yaml:"queue"`
	Scheduler    SchedulerConfig        `yaml:"scheduler"`
	Channels     ChannelsConfig         `yaml:"channels"`
	LogLevel     string                 `yaml:"log_level"`
}

// AgentConfig describes one named agent.
type AgentConfig struct {
	Model string `yaml:"model"`
	Soul  string `yaml:"soul"`
}

// LLMConfig points at the chat-completion backend.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// GatewayConfig is the control-plane listen address.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// QueueConfig tunes the delivery queue.
type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchedulerConfig tunes the job scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ChannelsConfig enables and configures the channel adapters.
type ChannelsConfig struct {
	File     FileChannelConfig `yaml:"file"`
	Telegram TelegramConfig    `yaml:"telegram"`
	Discord  DiscordConfig     `yaml:"discord"`
}

type FileChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// Load reads and parses the configuration file. An empty path yields the
// built-in defaults so the binary runs without any config file.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		cfg.Workspace = filepath.Join(cwd, "workspace")
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "main"
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	if _, ok := cfg.Agents[cfg.DefaultAgent]; !ok {
		cfg.Agents[cfg.DefaultAgent] = AgentConfig{}
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("CLAW0_API_KEY")
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "deepseek-chat"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18789
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 10 * time.Second
	}
	if cfg.Channels.Telegram.BotToken == "" {
		cfg.Channels.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Channels.Discord.BotToken == "" {
		cfg.Channels.Discord.BotToken = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	if _, ok := cfg.Agents[cfg.DefaultAgent]; !ok {
		return fmt.Errorf("default_agent %q is not defined in agents", cfg.DefaultAgent)
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", cfg.Gateway.Port)
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("telegram channel enabled without bot_token")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.BotToken == "" {
		return fmt.Errorf("discord channel enabled without bot_token")
	}
	return nil
}

// AgentModel returns the model for an agent, falling back to the LLM default.
func (cfg *Config) AgentModel(agentID string) string {
	if ac, ok := cfg.Agents[agentID]; ok && ac.Model != "" {
		return ac.Model
	}
	return cfg.LLM.Model
}
