package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

type Config struct {
	Report  ReportConfig  `json:"report"`
	Push    PushConfig    `json:"push"`
	Notify  NotifyConfig  `json:"notify"`
	API     APIConfig     `json:"api"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// ReportConfig describes the reporting cycle and the identity fields copied
// verbatim into every report.
type ReportConfig struct {
	ServerName       string `json:"server_name"`
	ScraperName      string `json:"scraper_name"`
	ProjectCode      string `json:"project_code"`
	ScraperType      string `json:"scraper_type"`
	RequestFrequency int64  `json:"request_frequency"`

	IntervalSeconds  int    `json:"interval_seconds"`
	TestPort         uint16 `json:"test_port"`
	ProbeTimeoutMs   int    `json:"probe_timeout_ms"`
	ProbeConcurrency int    `json:"probe_concurrency"`
	HostsSource      string `json:"hosts_source"` // file path or http(s) URL, empty disables probing
}

type PushConfig struct {
	Targets                    []string `json:"targets"`
	ConnectTimeoutMs           int      `json:"connect_timeout_ms"`
	HeartbeatIntervalMs        int      `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMultiplier int      `json:"heartbeat_timeout_multiplier"`
	SendTimeoutMs              int      `json:"send_timeout_ms"`
	ReconnectDelayMs           int      `json:"reconnect_delay_ms"`
	CooldownMs                 int      `json:"cooldown_ms"`
	BufferSize                 int      `json:"buffer_size"`
	ProxyURL                   string   `json:"proxy_url"` // socks5:// or http(s)://
}

type NotifyConfig struct {
	Enabled                bool           `json:"enabled"`
	Debug                  bool           `json:"debug"` // log messages instead of delivering them
	Telegram               TelegramConfig `json:"telegram"`
	SlackWebhook           string         `json:"slack_webhook"`
	Marker                 string         `json:"marker"`
	FloodThreshold         int            `json:"flood_threshold"`
	FloodResetAfterSeconds int            `json:"flood_reset_after_seconds"`
	SendTimeoutMs          int            `json:"send_timeout_ms"`
	StartupDelayMs         int            `json:"startup_delay_ms"`
	PageSize               int            `json:"page_size"`

	// FileRoot is the only directory the HTTP API may attach files from.
	// Empty disables file attachments over the API.
	FileRoot string `json:"file_root"`
}

type TelegramConfig struct {
	Token       string   `json:"token"`
	APIBase     string   `json:"api_base"`
	Subscribers []string `json:"subscribers"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled"`
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type    string `json:"type"` // "none", "file", "sqlite", "redis"
	Path    string `json:"path"`
	History int    `json:"history"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a JSON document, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no push
// targets or notification transports.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Report.IntervalSeconds == 0 {
		c.Report.IntervalSeconds = 60
	}
	if c.Report.ProbeTimeoutMs == 0 {
		c.Report.ProbeTimeoutMs = 3000
	}
	if c.Report.ProbeConcurrency == 0 {
		c.Report.ProbeConcurrency = 16
	}

	if c.Push.ConnectTimeoutMs == 0 {
		c.Push.ConnectTimeoutMs = 2000
	}
	if c.Push.HeartbeatIntervalMs == 0 {
		c.Push.HeartbeatIntervalMs = 30000
	}
	if c.Push.HeartbeatTimeoutMultiplier == 0 {
		c.Push.HeartbeatTimeoutMultiplier = 2
	}
	if c.Push.SendTimeoutMs == 0 {
		c.Push.SendTimeoutMs = 2000
	}
	if c.Push.ReconnectDelayMs == 0 {
		c.Push.ReconnectDelayMs = 3000
	}
	if c.Push.CooldownMs == 0 {
		c.Push.CooldownMs = 500
	}
	if c.Push.BufferSize == 0 {
		c.Push.BufferSize = 10
	}

	if c.Notify.Marker == "" {
		c.Notify.Marker = "timed out"
	}
	if c.Notify.FloodThreshold == 0 {
		c.Notify.FloodThreshold = 100
	}
	if c.Notify.SendTimeoutMs == 0 {
		c.Notify.SendTimeoutMs = 10
	}
	if c.Notify.StartupDelayMs == 0 {
		c.Notify.StartupDelayMs = 1000
	}
	if c.Notify.PageSize == 0 {
		c.Notify.PageSize = 4000
	}
	if c.Notify.Telegram.APIBase == "" {
		c.Notify.Telegram.APIBase = "https://api.telegram.org"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/report.json"
	}
	if c.Storage.History == 0 {
		c.Storage.History = 100
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "spiderstats"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Report.IntervalSeconds < 1 {
		return fmt.Errorf("report.interval_seconds must be positive")
	}
	if c.Report.ProbeTimeoutMs < 1 || c.Report.ProbeTimeoutMs > 60000 {
		return fmt.Errorf("report.probe_timeout_ms must be between 1 and 60000")
	}
	if c.Report.HostsSource != "" && c.Report.TestPort == 0 {
		return fmt.Errorf("report.test_port is required when hosts_source is set")
	}

	for _, target := range c.Push.Targets {
		if err := validateTargetURL(target); err != nil {
			return fmt.Errorf("push target %q: %w", target, err)
		}
	}
	if c.Push.ProxyURL != "" {
		u, err := url.Parse(c.Push.ProxyURL)
		if err != nil {
			return fmt.Errorf("push.proxy_url: %w", err)
		}
		switch u.Scheme {
		case "socks5", "socks5h", "http", "https":
		default:
			return fmt.Errorf("push.proxy_url scheme must be socks5, http or https")
		}
	}
	if c.Push.HeartbeatIntervalMs < 1 {
		return fmt.Errorf("push.heartbeat_interval_ms must be positive")
	}
	for name, v := range map[string]int{
		"push.connect_timeout_ms":  c.Push.ConnectTimeoutMs,
		"push.send_timeout_ms":     c.Push.SendTimeoutMs,
		"push.reconnect_delay_ms":  c.Push.ReconnectDelayMs,
		"push.cooldown_ms":         c.Push.CooldownMs,
		"notify.send_timeout_ms":   c.Notify.SendTimeoutMs,
		"notify.startup_delay_ms":  c.Notify.StartupDelayMs,
		"report.probe_concurrency": c.Report.ProbeConcurrency,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Notify.FloodResetAfterSeconds < 0 {
		return fmt.Errorf("notify.flood_reset_after_seconds must not be negative")
	}
	if c.Push.HeartbeatTimeoutMultiplier < 1 {
		return fmt.Errorf("push.heartbeat_timeout_multiplier must be at least 1")
	}
	if c.Push.BufferSize < 1 {
		return fmt.Errorf("push.buffer_size must be positive")
	}

	if c.Notify.FloodThreshold < 1 {
		return fmt.Errorf("notify.flood_threshold must be positive")
	}
	if c.Notify.PageSize < 32 {
		return fmt.Errorf("notify.page_size must be at least 32")
	}
	if c.Notify.Enabled && !c.Notify.Debug && c.Notify.Telegram.Token == "" && c.Notify.SlackWebhook == "" {
		return fmt.Errorf("notify enabled without telegram token or slack webhook")
	}

	switch c.Storage.Type {
	case "none", "file", "sqlite", "redis":
	default:
		return fmt.Errorf("storage type must be 'none', 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (r ReportConfig) Interval() time.Duration     { return time.Duration(r.IntervalSeconds) * time.Second }
func (r ReportConfig) ProbeTimeout() time.Duration { return ms(r.ProbeTimeoutMs) }

func (p PushConfig) ConnectTimeout() time.Duration    { return ms(p.ConnectTimeoutMs) }
func (p PushConfig) HeartbeatInterval() time.Duration { return ms(p.HeartbeatIntervalMs) }
func (p PushConfig) SendTimeout() time.Duration       { return ms(p.SendTimeoutMs) }
func (p PushConfig) ReconnectDelay() time.Duration    { return ms(p.ReconnectDelayMs) }
func (p PushConfig) Cooldown() time.Duration          { return ms(p.CooldownMs) }

// HeartbeatTimeout is the maximum silence tolerated on a streaming connection.
func (p PushConfig) HeartbeatTimeout() time.Duration {
	return p.HeartbeatInterval() * time.Duration(p.HeartbeatTimeoutMultiplier)
}

func (n NotifyConfig) SendTimeout() time.Duration  { return ms(n.SendTimeoutMs) }
func (n NotifyConfig) StartupDelay() time.Duration { return ms(n.StartupDelayMs) }

func (n NotifyConfig) FloodResetAfter() time.Duration {
	return time.Duration(n.FloodResetAfterSeconds) * time.Second
}
