package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/Bldg-7/agentmeter/internal/analytics"
)

type ServerConfig struct {
	HTTPPort       int      `json:"http_port"`
	MCPPort        int      `json:"mcp_port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`

	// MinSDKVersion is a semver constraint checked against the
	// X-Agentmeter-SDK header on ingest requests. Empty disables the gate.
	MinSDKVersion string `json:"min_sdk_version"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type DiscordConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type AlertsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type OpencodeCollectorConfig struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url"`
	Directory string `json:"directory"`
}

type CollectorConfig struct {
	Opencode OpencodeCollectorConfig `json:"opencode"`
}

type Config struct {
	Server    ServerConfig      `json:"server"`
	Database  DatabaseConfig    `json:"database"`
	Pricing   analytics.Pricing `json:"pricing"`
	Alerts    AlertsConfig      `json:"alerts"`
	Collector CollectorConfig   `json:"collector"`
}

const (
	defaultHTTPPort     = 8430
	defaultMCPPort      = 8431
	defaultDatabasePath = "./agentmeter.db"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = defaultHTTPPort
	}
	if cfg.Server.MCPPort == 0 {
		cfg.Server.MCPPort = defaultMCPPort
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 0 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MCPPort < 0 || cfg.Server.MCPPort > 65535 {
		return fmt.Errorf("validation error: server.mcp_port must be between 0 and 65535, got %d", cfg.Server.MCPPort)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Server.MinSDKVersion != "" {
		if _, err := semver.NewConstraint(cfg.Server.MinSDKVersion); err != nil {
			return fmt.Errorf("validation error: server.min_sdk_version is not a valid constraint: %w", err)
		}
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	if len(cfg.Pricing.Tiers) == 0 && cfg.Pricing.Default == (analytics.PricingTier{}) {
		cfg.Pricing = analytics.DefaultPricing()
	}
	for i, tier := range cfg.Pricing.Tiers {
		if tier.Match == "" {
			return fmt.Errorf("validation error: pricing.tiers[%d].match must not be empty", i)
		}
		if tier.InputPer1M < 0 || tier.OutputPer1M < 0 {
			return fmt.Errorf("validation error: pricing.tiers[%d] rates must be >= 0", i)
		}
	}
	if cfg.Pricing.Default.InputPer1M < 0 || cfg.Pricing.Default.OutputPer1M < 0 {
		return fmt.Errorf("validation error: pricing.default rates must be >= 0")
	}

	discord := cfg.Alerts.Discord
	if (discord.BotToken == "") != (discord.ChannelID == "") {
		return fmt.Errorf("validation error: alerts.discord requires both bot_token and channel_id")
	}

	if cfg.Collector.Opencode.Enabled && cfg.Collector.Opencode.BaseURL == "" {
		return fmt.Errorf("validation error: collector.opencode.base_url is required when the collector is enabled")
	}

	return nil
}
