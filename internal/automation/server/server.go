package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loanflow-go/internal/automation/adapters/db/repository"
	automationevents "github.com/loanflow-go/internal/automation/adapters/events"
	"github.com/loanflow-go/internal/automation/adapters/http/handlers"
	"github.com/loanflow-go/internal/automation/adapters/lease"
	"github.com/loanflow-go/internal/automation/adapters/messaging"
	"github.com/loanflow-go/internal/automation/app/actions"
	"github.com/loanflow-go/internal/automation/app/engine"
	"github.com/loanflow-go/internal/automation/app/matcher"
	"github.com/loanflow-go/internal/automation/app/placeholder"
	"github.com/loanflow-go/internal/automation/app/rules"
	"github.com/loanflow-go/internal/automation/app/scheduler"
	"github.com/loanflow-go/internal/automation/app/service"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/pkg/cache"
	"github.com/loanflow-go/pkg/config"
	"github.com/loanflow-go/pkg/database"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
	"github.com/loanflow-go/pkg/ratelimit"
	"github.com/loanflow-go/pkg/resilience"
	"github.com/loanflow-go/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const serviceName = "automation-worker"

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	eventBus   events.EventBus
	telemetry  *telemetry.Telemetry
	scheduler  *scheduler.Scheduler
	consumer   *automationevents.Consumer
	closeLease func() error
	cancel     context.CancelFunc
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	// Initialize database. The worker often starts alongside it, so the
	// first connection gets a few attempts.
	var db *database.DB
	err := resilience.Retry(context.Background(), startupRetry(), func() error {
		var err error
		db, err = database.New(cfg.Database.ToDatabaseConfig(), log)
		if err != nil {
			log.Warn("Database not reachable yet", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(repository.Models()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	eventBus, domainTopics, err := newEventBus(cfg, log)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Lease.Backend != "etcd" || cfg.Cache.Enabled {
		redisClient = newRedisClient(cfg, log)
	}

	leaseStore, closeLease, err := newLeaseStore(cfg, redisClient)
	if err != nil {
		return nil, err
	}

	// Repositories
	var definitions ports.DefinitionRepository = repository.NewDefinitionRepository(db)
	if cfg.Cache.Enabled {
		definitionCache := cache.NewRedisCache(redisClient, &cache.Options{
			DefaultTTL: cfg.Cache.TTL,
			Namespace:  "automation",
		})
		definitions = repository.NewCachedDefinitionRepository(definitions, definitionCache, cfg.Cache.TTL, log.Named("cache"))
	}
	executions := repository.NewExecutionRepository(db)
	records := repository.NewRecordRepository(db)
	timeQueries := repository.NewTimeQueryRepository(db)

	// Collaborators
	limiter := ratelimit.NewTokenBucketLimiter(cfg.Notifications.RatePerSecond, cfg.Notifications.Burst)
	messenger := messaging.NewEventMessenger(eventBus, limiter, messaging.Config{
		EmailTopic:  cfg.Notifications.EmailTopic,
		NotifyTopic: cfg.Notifications.NotifyTopic,
	}, log.Named("messaging"))
	registry := actions.NewDefaultRegistry(messenger, records, log.Named("actions"))

	breakers := engine.NewActionBreakers(log.Named("breaker"))
	eng := engine.New(definitions, executions, registry, placeholder.NewResolver(), eventBus, log.Named("engine"),
		engine.Config{
			DefaultMaxRetries: cfg.Engine.DefaultMaxRetries,
			Backoff: resilience.Backoff{
				Initial:    cfg.Engine.BackoffInitial,
				Max:        cfg.Engine.BackoffMax,
				Multiplier: 2,
				Jitter:     0.1,
			},
			VersionPinning: cfg.Engine.VersionPinning,
			StepTimeout:    cfg.Engine.StepTimeout,
		},
		engine.WithTelemetry(tel),
		engine.WithCircuitBreakers(breakers),
	)

	m := matcher.New(definitions, rules.NewEvaluator(), log.Named("matcher"))

	sched := scheduler.New(leaseStore, definitions, timeQueries, m, eng, executions, log.Named("scheduler"),
		scheduler.Config{
			Schedule:       cfg.Scheduler.Schedule,
			LeaseKey:       cfg.Lease.Key,
			LeaseTTL:       cfg.Lease.TTL,
			BatchSize:      cfg.Scheduler.BatchSize,
			DueSoonWindow:  cfg.Scheduler.DueSoonWindow,
			InactivityDays: cfg.Scheduler.InactivityDays,
			StaleAfter:     cfg.Scheduler.StaleAfter,
			RunOnStart:     cfg.Scheduler.RunOnStart,
		},
	)

	svc := service.NewAutomationService(definitions, executions, m, eng, eventBus, log.Named("service"))
	consumer := automationevents.NewConsumer(eventBus, svc, domainTopics, log.Named("consumer"))

	h := handlers.NewAutomationHandlers(svc, sched, db, breakers, log.Named("http"))
	router := setupRouter(h, tel, cfg, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		eventBus:   eventBus,
		telemetry:  tel,
		scheduler:  sched,
		consumer:   consumer,
		closeLease: closeLease,
	}, nil
}

func newEventBus(cfg *config.Config, log logger.Logger) (events.EventBus, []string, error) {
	if !cfg.Kafka.Enabled {
		log.Info("Kafka disabled, using in-process event bus")
		return events.NewMemoryEventBus(), []string{events.EntityCreated, events.EntityStatusChanged}, nil
	}

	bus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig(), log.Named("kafka"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	return bus, []string{cfg.Kafka.DomainTopic}, nil
}

func newRedisClient(cfg *config.Config, log logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// The lease fails open and the cache falls through to the database, so
	// an unreachable Redis is not fatal.
	err := resilience.Retry(context.Background(), startupRetry(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		log.Warn("Redis unreachable, continuing without lease and cache until it recovers", "error", err)
	}
	return client
}

func startupRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.Backoff.Initial = 500 * time.Millisecond
	cfg.Backoff.Max = 5 * time.Second
	return cfg
}

// newLeaseStore returns the lease and the func that releases everything
// backing it, including the shared Redis client when there is one.
func newLeaseStore(cfg *config.Config, redisClient *redis.Client) (ports.LeaseStore, func() error, error) {
	closeRedis := func() error {
		if redisClient == nil {
			return nil
		}
		return redisClient.Close()
	}

	if cfg.Lease.Backend == "etcd" {
		l, err := lease.NewEtcdLease(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create etcd lease: %w", err)
		}
		return l, func() error {
			if err := l.Close(); err != nil {
				return err
			}
			return closeRedis()
		}, nil
	}
	return lease.NewRedisLease(redisClient), closeRedis, nil
}

func setupRouter(h *handlers.AutomationHandlers, tel *telemetry.Telemetry, cfg *config.Config, log logger.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(tel.HTTPMiddleware())
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := ratelimit.NewTokenBucketLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	api := router.Group("", ratelimit.Middleware(limiter, ratelimit.IPKeyFunc))
	handlers.RegisterRoutes(api, h)

	return router
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to domain events: %w", err)
	}

	if s.config.Scheduler.Enabled {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if s.cancel != nil {
		s.cancel()
	}
	if s.config.Scheduler.Enabled {
		s.scheduler.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if err := s.eventBus.Close(); err != nil {
		s.logger.Error("Failed to close event bus", "error", err)
	}
	if err := s.closeLease(); err != nil {
		s.logger.Error("Failed to close lease store", "error", err)
	}
	if err := s.telemetry.Close(ctx); err != nil {
		s.logger.Error("Failed to flush traces", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
	}
	return nil
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(serviceName, c.Request.Method, path, status)
		metrics.RecordHTTPDuration(serviceName, c.Request.Method, path, time.Since(start).Seconds())
	}
}
