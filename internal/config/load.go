package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults the file and environment build on.
func Defaults() Config {
	console := true
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info", Console: &console},
		Database: DatabaseConfig{
			URL:      "./data/alarmd.db",
			MinConns: 5,
			MaxConns: 20,
		},
		Bus: BusConfig{URL: "mem://"},
		Scheduler: SchedulerConfig{
			DefaultTimezone:   "America/Los_Angeles",
			Workers:           8,
			ReconcileInterval: "600s",
			CleanupInterval:   "600s",
			Retention:         "24h",
		},
	}
}

// Load reads the config file (YAML or JSON; empty path skips the file),
// then applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		jsonBytes, format, err := coerceToJSONBytes(path, raw)
		if err != nil {
			return Config{}, fmt.Errorf("config %s (%s): %w", path, format, err)
		}
		if err := decodeStrict(jsonBytes, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv maps the deployment environment onto the config. Environment
// always wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v, ok := envInt("MIN_DB_CONNECTIONS"); ok {
		cfg.Database.MinConns = v
	}
	if v, ok := envInt("MAX_DB_CONNECTIONS"); ok {
		cfg.Database.MaxConns = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("SCHEDULER_TIMEZONE_DEFAULT"); v != "" {
		cfg.Scheduler.DefaultTimezone = v
	}
	if v, ok := envInt("WORKER_THREADS"); ok {
		cfg.Scheduler.Workers = v
	}
	if v, ok := envInt("RECONCILE_INTERVAL_SEC"); ok {
		cfg.Scheduler.ReconcileInterval = strconv.Itoa(v) + "s"
	}
	if v, ok := envInt("CLEANUP_INTERVAL_SEC"); ok {
		cfg.Scheduler.CleanupInterval = strconv.Itoa(v) + "s"
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if u := cfg.Bus.URL; u != "" && u != "mem://" && u != "mem" {
		return fmt.Errorf("bus.url: unsupported transport %q (only mem://)", u)
	}
	for _, f := range []struct{ path, raw string }{
		{"database.busy_timeout", cfg.Database.BusyTimeout},
		{"database.acquire_timeout", cfg.Database.AcquireTimeout},
		{"scheduler.task_timeout", cfg.Scheduler.TaskTimeout},
		{"scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval},
		{"scheduler.cleanup_interval", cfg.Scheduler.CleanupInterval},
		{"scheduler.retention", cfg.Scheduler.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Durations returns the parsed scheduler durations with defaults applied.
func (c SchedulerConfig) Durations() (task, reconcile, cleanup, retention time.Duration, err error) {
	if task, err = ParseDurationOrDefault("scheduler.task_timeout", c.TaskTimeout, 10*time.Second); err != nil {
		return
	}
	if reconcile, err = ParseDurationOrDefault("scheduler.reconcile_interval", c.ReconcileInterval, 10*time.Minute); err != nil {
		return
	}
	if cleanup, err = ParseDurationOrDefault("scheduler.cleanup_interval", c.CleanupInterval, 10*time.Minute); err != nil {
		return
	}
	retention, err = ParseDurationOrDefault("scheduler.retention", c.Retention, 24*time.Hour)
	return
}
