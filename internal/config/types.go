// Package config loads alarmd's configuration: a YAML or JSON file with
// strict decoding, overridden by environment variables, hot-reloadable for
// the knobs that are safe to swap at runtime (logging level and sinks).
package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DatabaseConfig bounds the store's connection pool.
//
// All durations are Go duration strings (e.g. "500ms", "2s").
type DatabaseConfig struct {
	URL            string `json:"url,omitempty"`
	MinConns       int    `json:"min_conns,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	AcquireTimeout string `json:"acquire_timeout,omitempty"`
}

// BusConfig selects the event transport. Only the in-process bus
// ("mem://", the default) is supported; any other scheme is a fatal
// config error rather than a silent fallback.
type BusConfig struct {
	URL              string `json:"url,omitempty"`
	SubscriberBuffer int    `json:"subscriber_buffer,omitempty"`
}

// SchedulerConfig tunes the tick pipeline and its background jobs.
//
// Defaults (when fields are omitted/zero):
//   - default_timezone: "America/Los_Angeles"
//   - workers: 8 (capped at available cores)
//   - queue_size: 4096
//   - task_timeout: "10s"
//   - reconcile_interval: "600s"
//   - cleanup_interval: "600s"
//   - retention: "24h"
type SchedulerConfig struct {
	DefaultTimezone   string `json:"default_timezone,omitempty"`
	Workers           int    `json:"workers,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	TaskTimeout       string `json:"task_timeout,omitempty"`
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
	CleanupInterval   string `json:"cleanup_interval,omitempty"`
	Retention         string `json:"retention,omitempty"`
}

// decodeStrict disallows unknown fields so typos and removed legacy keys
// are caught at startup instead of silently ignored.
func decodeStrict(b []byte, into *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
