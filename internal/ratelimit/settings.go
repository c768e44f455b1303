// ABOUTME: TTL-cached view of the persisted rate-limit settings row.
// ABOUTME: Refreshes from the store at most once per interval, never per message.

package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// settingsKey is the system settings row holding the limit configuration.
const settingsKey = "rate_limits"

// Settings holds every runtime-tunable limit the gateway enforces.
type Settings struct {
	AgentMessagesPerMinute  int `json:"agent_messages_per_minute"`
	AgentMetricsPerMinute   int `json:"agent_metrics_per_minute"`
	ServerMetricsPerMinute  int `json:"server_metrics_per_minute"`
	ClientCommandsPerMinute int `json:"client_commands_per_minute"`
	ServerCommandsPerMinute int `json:"server_commands_per_minute"`
	ConsoleBytesPerSecond   int `json:"console_bytes_per_second"`
}

// DefaultSettings are used until the store provides a settings row, and for
// any field left at zero in the persisted row.
func DefaultSettings() Settings {
	return Settings{
		AgentMessagesPerMinute:  600,
		AgentMetricsPerMinute:   120,
		ServerMetricsPerMinute:  120,
		ClientCommandsPerMinute: 60,
		ServerCommandsPerMinute: 120,
		ConsoleBytesPerSecond:   64 * 1024,
	}
}

// SettingsSource reads a system setting value by key. Implemented by the
// store; returns empty string when the row does not exist.
type SettingsSource interface {
	GetSystemSetting(ctx context.Context, key string) (string, error)
}

// SettingsCache caches the parsed settings row with a TTL so message
// handlers never trigger a store read more than once per interval.
type SettingsCache struct {
	src    SettingsSource
	ttl    time.Duration
	base   Settings
	logger *slog.Logger

	mu        sync.Mutex
	current   Settings
	fetchedAt time.Time
}

// NewSettingsCache creates a cache over src refreshing at most once per ttl.
// base is the configuration-supplied baseline: it serves until the store
// provides a settings row and backfills any field the row leaves unset. Zero
// fields in base itself fall back to the built-in defaults.
func NewSettingsCache(src SettingsSource, ttl time.Duration, base Settings, logger *slog.Logger) *SettingsCache {
	applyDefaults(&base, DefaultSettings())
	return &SettingsCache{
		src:     src,
		ttl:     ttl,
		base:    base,
		logger:  logger,
		current: base,
	}
}

// Current returns the cached settings, refreshing from the store if the TTL
// has elapsed. A failed refresh keeps serving the previous values.
func (c *SettingsCache) Current(ctx context.Context) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < c.ttl {
		return c.current
	}
	c.fetchedAt = time.Now()

	raw, err := c.src.GetSystemSetting(ctx, settingsKey)
	if err != nil {
		c.logger.Warn("failed to refresh rate limit settings", "error", err)
		return c.current
	}
	if raw == "" {
		return c.current
	}

	parsed := c.base
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		c.logger.Warn("malformed rate limit settings row", "error", err)
		return c.current
	}
	applyDefaults(&parsed, c.base)
	c.current = parsed
	return c.current
}

// applyDefaults fills zero-valued fields of s from def so a partial settings
// row never disables a limit entirely.
func applyDefaults(s *Settings, def Settings) {
	if s.AgentMessagesPerMinute <= 0 {
		s.AgentMessagesPerMinute = def.AgentMessagesPerMinute
	}
	if s.AgentMetricsPerMinute <= 0 {
		s.AgentMetricsPerMinute = def.AgentMetricsPerMinute
	}
	if s.ServerMetricsPerMinute <= 0 {
		s.ServerMetricsPerMinute = def.ServerMetricsPerMinute
	}
	if s.ClientCommandsPerMinute <= 0 {
		s.ClientCommandsPerMinute = def.ClientCommandsPerMinute
	}
	if s.ServerCommandsPerMinute <= 0 {
		s.ServerCommandsPerMinute = def.ServerCommandsPerMinute
	}
	if s.ConsoleBytesPerSecond <= 0 {
		s.ConsoleBytesPerSecond = def.ConsoleBytesPerSecond
	}
}
