package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "jobflow.db", cfg.DatabaseURL)
	assert.Equal(t, DefaultTags, cfg.WorkerTags)
	assert.Equal(t, 1, cfg.NumWorkers)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.MaxPollInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.LogFlushInterval)
	assert.Equal(t, time.Minute, cfg.ZombieTimeout)
	assert.True(t, cfg.RestartZombieJobs)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.Zero(t, cfg.RetentionPeriod)
	assert.Equal(t, 15*time.Minute, cfg.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, cfg.DedicatedIdleTimeout)
	assert.Equal(t, "local", cfg.Notify)
	assert.Equal(t, "jobflow.events", cfg.AMQPExchange)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadAllVarsSet(t *testing.T) {
	t.Setenv("JOBFLOW_DATABASE_DRIVER", "postgres")
	t.Setenv("JOBFLOW_DATABASE_URL", "postgres://localhost/jobflow")
	t.Setenv("JOBFLOW_WORKER_ID", "w-1")
	t.Setenv("JOBFLOW_WORKER_TAGS", " bash , gpu,,")
	t.Setenv("JOBFLOW_NUM_WORKERS", "4")
	t.Setenv("JOBFLOW_POLL_INTERVAL_MS", "100")
	t.Setenv("JOBFLOW_ZOMBIE_TIMEOUT_SECS", "120")
	t.Setenv("JOBFLOW_RESTART_ZOMBIE_JOBS", "false")
	t.Setenv("JOBFLOW_RETENTION_PERIOD_SECS", "86400")
	t.Setenv("JOBFLOW_NOTIFY", "postgres")
	t.Setenv("JOBFLOW_LOG_LEVEL", "debug")
	t.Setenv("JOBFLOW_LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "w-1", cfg.WorkerID)
	assert.Equal(t, []string{"bash", "gpu"}, cfg.WorkerTags)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.ZombieTimeout)
	assert.False(t, cfg.RestartZombieJobs)
	assert.Equal(t, 24*time.Hour, cfg.RetentionPeriod)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"driver", map[string]string{"JOBFLOW_DATABASE_DRIVER": "oracle"}, "JOBFLOW_DATABASE_DRIVER"},
		{"integer", map[string]string{"JOBFLOW_NUM_WORKERS": "many"}, "invalid integer"},
		{"boolean", map[string]string{"JOBFLOW_KEEP_JOB_DIR": "maybe"}, "invalid boolean"},
		{"zero workers", map[string]string{"JOBFLOW_NUM_WORKERS": "0"}, "JOBFLOW_NUM_WORKERS must be > 0"},
		{"poll bounds", map[string]string{"JOBFLOW_POLL_INTERVAL_MS": "2000"}, "JOBFLOW_MAX_POLL_INTERVAL_MS"},
		{"heartbeat", map[string]string{"JOBFLOW_HEARTBEAT_INTERVAL_MS": "90000"}, "shorter than"},
		{"postgres notify", map[string]string{"JOBFLOW_NOTIFY": "postgres"}, "requires JOBFLOW_DATABASE_DRIVER=postgres"},
		{"redis notify", map[string]string{"JOBFLOW_NOTIFY": "redis"}, "requires JOBFLOW_REDIS_URL"},
		{"log level", map[string]string{"JOBFLOW_LOG_LEVEL": "loud"}, "JOBFLOW_LOG_LEVEL"},
		{"log format", map[string]string{"JOBFLOW_LOG_FORMAT": "xml"}, "JOBFLOW_LOG_FORMAT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), "error %q should mention %q", err, tc.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.DatabaseDriver = "oracle"
	cfg.NumWorkers = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOBFLOW_DATABASE_DRIVER")
	assert.Contains(t, err.Error(), "JOBFLOW_NUM_WORKERS")
}
