package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("automation-worker")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Lease.Backend)
	assert.Equal(t, "@every 1h", cfg.Scheduler.Schedule)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 55*time.Minute, cfg.Lease.TTL)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, "pinned", cfg.Engine.VersionPinning)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOANFLOW_DATABASE_DRIVER", "sqlite")
	t.Setenv("LOANFLOW_ENGINE_VERSION_PINNING", "live")
	t.Setenv("LOANFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("automation-worker")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "live", cfg.Engine.VersionPinning)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "sqlite"},
			Lease:     LeaseConfig{Backend: "redis", TTL: 50 * time.Minute},
			Scheduler: SchedulerConfig{Interval: time.Hour},
			Engine:    EngineConfig{DefaultMaxRetries: 3, VersionPinning: "pinned"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: true},
		{name: "unknown lease backend", mutate: func(c *Config) { c.Lease.Backend = "zookeeper" }, wantErr: true},
		{name: "ttl not shorter than interval", mutate: func(c *Config) { c.Lease.TTL = time.Hour }, wantErr: true},
		{name: "unknown pinning", mutate: func(c *Config) { c.Engine.VersionPinning = "latest" }, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.Engine.DefaultMaxRetries = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
