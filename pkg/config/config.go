package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Etcd          EtcdConfig          `mapstructure:"etcd"`
	Lease         LeaseConfig         `mapstructure:"lease"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int     `mapstructure:"port"`
	Host            string  `mapstructure:"host"`
	ReadTimeout     int     `mapstructure:"read_timeout"`
	WriteTimeout    int     `mapstructure:"write_timeout"`
	ShutdownTimeout int     `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres | sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CacheConfig controls the Redis read-through cache of active definitions.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LeaseConfig selects the backing store of the scheduler's fleet-wide lock.
type LeaseConfig struct {
	Backend string        `mapstructure:"backend"` // redis | etcd
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
	DomainTopic   string   `mapstructure:"domain_topic"`
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	DueSoonWindow  time.Duration `mapstructure:"due_soon_window"`
	InactivityDays int           `mapstructure:"inactivity_days"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
}

type EngineConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	VersionPinning    string        `mapstructure:"version_pinning"` // pinned | live
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
}

type NotificationsConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	EmailTopic    string  `mapstructure:"email_topic"`
	NotifyTopic   string  `mapstructure:"notify_topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// Load reads <serviceName>.yaml from ./configs or /etc/loanflow, layers
// LOANFLOW_* environment variables on top and falls back to defaults.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/loanflow")

	setDefaults(v)

	v.SetEnvPrefix("LOANFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if endpoints := v.GetString("ETCD_ENDPOINTS"); endpoints != "" {
		cfg.Etcd.Endpoints = strings.Split(endpoints, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loanflow")
	v.SetDefault("database.password", "loanflow")
	v.SetDefault("database.name", "loanflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "loanflow.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", time.Minute)

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("lease.backend", "redis")
	v.SetDefault("lease.key", "automation:scheduler:lease")
	v.SetDefault("lease.ttl", 55*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "automation-worker")
	v.SetDefault("kafka.topic", "automation.events")
	v.SetDefault("kafka.domain_topic", "crm.entity.events")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", "@every 1h")
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("scheduler.due_soon_window", 24*time.Hour)
	v.SetDefault("scheduler.inactivity_days", 30)
	v.SetDefault("scheduler.stale_after", 15*time.Minute)
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("engine.default_max_retries", 3)
	v.SetDefault("engine.backoff_initial", time.Minute)
	v.SetDefault("engine.backoff_max", time.Hour)
	v.SetDefault("engine.version_pinning", "pinned")
	v.SetDefault("engine.step_timeout", 30*time.Second)

	v.SetDefault("notifications.rate_per_second", 10.0)
	v.SetDefault("notifications.burst", 20)
	v.SetDefault("notifications.email_topic", "notification.email.requested")
	v.SetDefault("notifications.notify_topic", "notification.push.requested")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", "automation-worker")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)
}

// Validate rejects combinations the worker cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	switch c.Lease.Backend {
	case "redis", "etcd":
	default:
		return fmt.Errorf("unsupported lease backend: %q", c.Lease.Backend)
	}
	switch c.Engine.VersionPinning {
	case "pinned", "live":
	default:
		return fmt.Errorf("unsupported version pinning policy: %q", c.Engine.VersionPinning)
	}
	if c.Lease.TTL <= 0 || c.Lease.TTL >= c.Scheduler.Interval {
		return fmt.Errorf("lease ttl %s must be positive and shorter than the scheduler interval %s",
			c.Lease.TTL, c.Scheduler.Interval)
	}
	if c.Engine.DefaultMaxRetries < 1 {
		return fmt.Errorf("engine.default_max_retries must be at least 1")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
