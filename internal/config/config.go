// Package config reads the worker configuration from JOBFLOW_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	validDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "mysql": true}
	validNotify  = map[string]bool{"local": true, "postgres": true, "redis": true}
	validFormats = map[string]bool{"json": true, "text": true}
)

// DefaultTags is the tag set of a worker that serves everything.
var DefaultTags = []string{"bash", "python3", "deno", "bun", "flow", "other"}

type Config struct {
	DatabaseDriver string
	DatabaseURL    string

	WorkerID    string
	WorkerGroup string
	WorkerTags  []string
	NumWorkers  int

	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	HeartbeatInterval time.Duration
	LogFlushInterval  time.Duration

	ZombieTimeout     time.Duration
	RestartZombieJobs bool
	SweepSchedule     string
	RetentionPeriod   time.Duration

	DefaultTimeout time.Duration
	MemoryLimitMB  int
	JobDir         string
	KeepJobDir     bool

	DedicatedIdleTimeout  time.Duration
	DedicatedPingInterval time.Duration

	BaseInternalURL string
	Token           string
	ResourceRPS     int

	Notify        string
	RedisURL      string
	MongoURL      string
	MongoDatabase string
	AMQPURL       string
	AMQPExchange  string
	SchedulesFile string

	LogLevel  slog.Level
	LogFormat string
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDriver:  getEnv("JOBFLOW_DATABASE_DRIVER", "sqlite"),
		DatabaseURL:     getEnv("JOBFLOW_DATABASE_URL", "jobflow.db"),
		WorkerID:        getEnv("JOBFLOW_WORKER_ID", defaultWorkerID()),
		WorkerGroup:     getEnv("JOBFLOW_WORKER_GROUP", "default"),
		WorkerTags:      getEnvList("JOBFLOW_WORKER_TAGS", DefaultTags),
		SweepSchedule:   getEnv("JOBFLOW_SWEEP_SCHEDULE", "@every 30s"),
		JobDir:          getEnv("JOBFLOW_JOB_DIR", filepath.Join(os.TempDir(), "jobflow")),
		BaseInternalURL: getEnv("JOBFLOW_BASE_INTERNAL_URL", ""),
		Token:           getEnv("JOBFLOW_TOKEN", ""),
		Notify:          getEnv("JOBFLOW_NOTIFY", "local"),
		RedisURL:        getEnv("JOBFLOW_REDIS_URL", ""),
		MongoURL:        getEnv("JOBFLOW_MONGO_URL", ""),
		MongoDatabase:   getEnv("JOBFLOW_MONGO_DATABASE", "jobflow"),
		AMQPURL:         getEnv("JOBFLOW_AMQP_URL", ""),
		AMQPExchange:    getEnv("JOBFLOW_AMQP_EXCHANGE", "jobflow.events"),
		SchedulesFile:   getEnv("JOBFLOW_SCHEDULES_FILE", ""),
		LogFormat:       getEnv("JOBFLOW_LOG_FORMAT", "json"),
	}

	var errs []error
	intVar := func(dst *int, key string, fallback int) {
		n, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string, fallback int, unit time.Duration) {
		var n int
		intVar(&n, key, fallback)
		*dst = time.Duration(n) * unit
	}
	boolVar := func(dst *bool, key string, fallback bool) {
		b, err := getEnvBool(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		*dst = b
	}

	intVar(&cfg.NumWorkers, "JOBFLOW_NUM_WORKERS", 1)
	durVar(&cfg.PollInterval, "JOBFLOW_POLL_INTERVAL_MS", 50, time.Millisecond)
	durVar(&cfg.MaxPollInterval, "JOBFLOW_MAX_POLL_INTERVAL_MS", 1000, time.Millisecond)
	durVar(&cfg.HeartbeatInterval, "JOBFLOW_HEARTBEAT_INTERVAL_MS", 5000, time.Millisecond)
	durVar(&cfg.LogFlushInterval, "JOBFLOW_LOG_FLUSH_INTERVAL_MS", 2500, time.Millisecond)
	durVar(&cfg.ZombieTimeout, "JOBFLOW_ZOMBIE_TIMEOUT_SECS", 60, time.Second)
	boolVar(&cfg.RestartZombieJobs, "JOBFLOW_RESTART_ZOMBIE_JOBS", true)
	durVar(&cfg.RetentionPeriod, "JOBFLOW_RETENTION_PERIOD_SECS", 0, time.Second)
	durVar(&cfg.DefaultTimeout, "JOBFLOW_DEFAULT_TIMEOUT_SECS", 900, time.Second)
	intVar(&cfg.MemoryLimitMB, "JOBFLOW_MEMORY_LIMIT_MB", 0)
	boolVar(&cfg.KeepJobDir, "JOBFLOW_KEEP_JOB_DIR", false)
	durVar(&cfg.DedicatedIdleTimeout, "JOBFLOW_DEDICATED_IDLE_TIMEOUT_SECS", 300, time.Second)
	durVar(&cfg.DedicatedPingInterval, "JOBFLOW_DEDICATED_PING_INTERVAL_SECS", 30, time.Second)
	intVar(&cfg.ResourceRPS, "JOBFLOW_RESOURCE_RPS", 0)

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("JOBFLOW_LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("JOBFLOW_LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. cobra flag overrides call it again.
func (c *Config) Validate() error {
	var errs []error
	if !validDrivers[c.DatabaseDriver] {
		errs = append(errs, fmt.Errorf("JOBFLOW_DATABASE_DRIVER %q must be one of: memory, sqlite, postgres, mysql", c.DatabaseDriver))
	}
	if !validNotify[c.Notify] {
		errs = append(errs, fmt.Errorf("JOBFLOW_NOTIFY %q must be one of: local, postgres, redis", c.Notify))
	}
	if c.Notify == "postgres" && c.DatabaseDriver != "postgres" {
		errs = append(errs, errors.New("JOBFLOW_NOTIFY=postgres requires JOBFLOW_DATABASE_DRIVER=postgres"))
	}
	if c.Notify == "redis" && c.RedisURL == "" {
		errs = append(errs, errors.New("JOBFLOW_NOTIFY=redis requires JOBFLOW_REDIS_URL"))
	}
	if !validFormats[c.LogFormat] {
		errs = append(errs, fmt.Errorf("JOBFLOW_LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	if c.NumWorkers < 1 {
		errs = append(errs, errors.New("JOBFLOW_NUM_WORKERS must be > 0"))
	}
	if len(c.WorkerTags) == 0 {
		errs = append(errs, errors.New("JOBFLOW_WORKER_TAGS must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"JOBFLOW_POLL_INTERVAL_MS":      c.PollInterval,
		"JOBFLOW_HEARTBEAT_INTERVAL_MS": c.HeartbeatInterval,
		"JOBFLOW_LOG_FLUSH_INTERVAL_MS": c.LogFlushInterval,
		"JOBFLOW_ZOMBIE_TIMEOUT_SECS":   c.ZombieTimeout,
		"JOBFLOW_DEFAULT_TIMEOUT_SECS":  c.DefaultTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.MaxPollInterval < c.PollInterval {
		errs = append(errs, errors.New("JOBFLOW_MAX_POLL_INTERVAL_MS must be >= JOBFLOW_POLL_INTERVAL_MS"))
	}
	if c.HeartbeatInterval >= c.ZombieTimeout && c.ZombieTimeout > 0 {
		errs = append(errs, errors.New("JOBFLOW_HEARTBEAT_INTERVAL_MS must be shorter than JOBFLOW_ZOMBIE_TIMEOUT_SECS"))
	}
	if c.RetentionPeriod < 0 || c.MemoryLimitMB < 0 || c.ResourceRPS < 0 {
		errs = append(errs, errors.New("retention, memory limit and resource rps must not be negative"))
	}
	return errors.Join(errs...)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
