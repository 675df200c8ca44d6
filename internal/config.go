package internal

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"prrelay/internal/bus"
	"prrelay/internal/journal"
)

// Config is the full relay configuration.
type Config struct {
	// Server holds the HTTP listener configuration.
	Server struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		MaxConns       int    `yaml:"max_conns"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	// Webhook holds the ingress verification settings.
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	// Relay sizes the per-connection delivery machinery.
	Relay struct {
		SendBuffer     int   `yaml:"send_buffer"`
		WriteTimeoutMS int64 `yaml:"write_timeout_ms"`
		ReadLimitBytes int64 `yaml:"read_limit_bytes"`
	} `yaml:"relay"`
	// Journal configures the optional delivery history store.
	Journal journal.Config `yaml:"journal"`
	// Mirror configures the optional broker mirror.
	Mirror bus.Config `yaml:"mirror"`
}

// LoadConfig reads the YAML configuration, expands environment variables in
// it and applies defaults. An empty path yields the default configuration.
// PRRELAY_HOST, PRRELAY_PORT and PRRELAY_WEBHOOK_SECRET override the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, err
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	normalized, err := bus.NormalizeRules(cfg.Mirror.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Mirror.Rules = normalized

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Relay.SendBuffer == 0 {
		cfg.Relay.SendBuffer = 256
	}
	if cfg.Relay.WriteTimeoutMS == 0 {
		cfg.Relay.WriteTimeoutMS = 10000
	}
	if cfg.Relay.ReadLimitBytes == 0 {
		cfg.Relay.ReadLimitBytes = 1 << 20
	}
	if cfg.Journal.Table == "" {
		cfg.Journal.Table = "relay_deliveries"
	}
	cfg.Mirror.ApplyDefaults()
}

func applyEnv(cfg *Config) {
	if host := os.Getenv("PRRELAY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PRRELAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if secret := os.Getenv("PRRELAY_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}
}
