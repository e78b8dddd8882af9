package config

import "time"

// Config holds readshelf configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Extraction ExtractionCfg `mapstructure:"extraction" yaml:"extraction"`
	Queue      QueueCfg      `mapstructure:"queue" yaml:"queue"`
	Cache      CacheCfg      `mapstructure:"cache" yaml:"cache"`
	Server     ServerCfg     `mapstructure:"server" yaml:"server"`
	Log        LogCfg        `mapstructure:"log" yaml:"log"`
}

// ExtractionCfg configures the text-extraction backend.
type ExtractionCfg struct {
	BaseURL           string `mapstructure:"base_url" yaml:"base_url"`
	Model             string `mapstructure:"model" yaml:"model"`
	APIKey            string `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxDimension      int    `mapstructure:"max_dimension" yaml:"max_dimension"` // longest image side in pixels
	JPEGQuality       int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

// QueueCfg configures retry policy and signaling of the OCR queue.
type QueueCfg struct {
	MaxRetries               int     `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBaseSeconds       int     `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds"`
	RateLimitCooldownSeconds int     `mapstructure:"rate_limit_cooldown_seconds" yaml:"rate_limit_cooldown_seconds"`
	LowConfidenceThreshold   float64 `mapstructure:"low_confidence_threshold" yaml:"low_confidence_threshold"`
}

// CacheCfg configures the sentence-manifest spool.
type CacheCfg struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled"`
	QueueSize int  `mapstructure:"queue_size" yaml:"queue_size"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// LogCfg configures the slog handler.
type LogCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Extraction: ExtractionCfg{
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "google/gemini-2.5-flash",
			APIKey:            "${OPENROUTER_API_KEY}",
			TimeoutSeconds:    120,
			RequestsPerMinute: 60,
			MaxDimension:      1500,
			JPEGQuality:       85,
		},
		Queue: QueueCfg{
			MaxRetries:               3,
			BackoffBaseSeconds:       2,
			RateLimitCooldownSeconds: 5,
			LowConfidenceThreshold:   0.7,
		},
		Cache: CacheCfg{
			Enabled:   true,
			QueueSize: 256,
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Log: LogCfg{
			Level:  "info",
			Format: "text",
		},
	}
}

// Timeout returns the extraction request timeout.
func (c ExtractionCfg) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c QueueCfg) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// RateLimitCooldown returns the extra pause after a rate-limit response.
func (c QueueCfg) RateLimitCooldown() time.Duration {
	return time.Duration(c.RateLimitCooldownSeconds) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (c ServerCfg) Addr() string {
	return c.Host + ":" + c.Port
}
