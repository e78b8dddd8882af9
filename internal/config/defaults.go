package config

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry is a single configuration key with its default value.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every known configuration key with its default.
// These are registered as viper defaults so environment overrides apply to
// nested keys.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		// ===================
		// Extraction backend
		// ===================
		{
			Key:         "extraction.base_url",
			Value:       d.Extraction.BaseURL,
			Description: "OpenAI-compatible API base URL for the extraction backend",
		},
		{
			Key:         "extraction.model",
			Value:       d.Extraction.Model,
			Description: "Vision model used for page extraction",
		},
		{
			Key:         "extraction.api_key",
			Value:       d.Extraction.APIKey,
			Description: "Extraction API key (uses environment variable)",
		},
		{
			Key:         "extraction.timeout_seconds",
			Value:       d.Extraction.TimeoutSeconds,
			Description: "HTTP timeout in seconds for extraction requests",
		},
		{
			Key:         "extraction.requests_per_minute",
			Value:       d.Extraction.RequestsPerMinute,
			Description: "Rate limit in requests per minute",
		},
		{
			Key:         "extraction.max_dimension",
			Value:       d.Extraction.MaxDimension,
			Description: "Longest image side in pixels before upload",
		},
		{
			Key:         "extraction.jpeg_quality",
			Value:       d.Extraction.JPEGQuality,
			Description: "JPEG quality for uploaded images (1-100)",
		},

		// ===================
		// Queue
		// ===================
		{
			Key:         "queue.max_retries",
			Value:       d.Queue.MaxRetries,
			Description: "Retries before a page is marked failed; values below 1 use the default",
		},
		{
			Key:         "queue.backoff_base_seconds",
			Value:       d.Queue.BackoffBaseSeconds,
			Description: "First retry delay in seconds, doubled on each retry; values below 1 use the default",
		},
		{
			Key:         "queue.rate_limit_cooldown_seconds",
			Value:       d.Queue.RateLimitCooldownSeconds,
			Description: "Extra pause in seconds after a rate-limit response; values below 1 use the default",
		},
		{
			Key:         "queue.low_confidence_threshold",
			Value:       d.Queue.LowConfidenceThreshold,
			Description: "Confidence below which a low-confidence signal is emitted; values at or below 0 use the default",
		},

		// ===================
		// Cache spool
		// ===================
		{
			Key:         "cache.enabled",
			Value:       d.Cache.Enabled,
			Description: "Write sentence manifests for finalized pages",
		},
		{
			Key:         "cache.queue_size",
			Value:       d.Cache.QueueSize,
			Description: "Buffered manifests before new ones are dropped",
		},

		// ===================
		// Server and logging
		// ===================
		{
			Key:         "server.host",
			Value:       d.Server.Host,
			Description: "HTTP listen host",
		},
		{
			Key:         "server.port",
			Value:       d.Server.Port,
			Description: "HTTP listen port",
		},
		{
			Key:         "log.level",
			Value:       d.Log.Level,
			Description: "Log level: debug, info, warn, error",
		},
		{
			Key:         "log.format",
			Value:       d.Log.Format,
			Description: "Log format: text or json",
		},
	}
}

// GetDefault returns the default value for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	// Don't allow keys starting or ending with dots
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}
