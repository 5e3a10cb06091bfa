package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/loanflow-go/pkg/config"
	"github.com/loanflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimitRPS: 100, RateLimitBurst: 100},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "automation.db"), MaxOpenConns: 1, AutoMigrate: true},
		Redis:    config.RedisConfig{Host: mr.Host(), Port: port},
		Cache:    config.CacheConfig{Enabled: true, TTL: time.Minute},
		Lease:    config.LeaseConfig{Backend: "redis", Key: "test:lease", TTL: time.Minute},
		Scheduler: config.SchedulerConfig{
			Schedule:       "@every 1h",
			Interval:       time.Hour,
			BatchSize:      50,
			DueSoonWindow:  24 * time.Hour,
			InactivityDays: 30,
			StaleAfter:     15 * time.Minute,
		},
		Engine: config.EngineConfig{
			DefaultMaxRetries: 3,
			BackoffInitial:    time.Minute,
			BackoffMax:        time.Hour,
			VersionPinning:    "pinned",
			StepTimeout:       time.Second,
		},
		Notifications: config.NotificationsConfig{RatePerSecond: 100, Burst: 100, EmailTopic: "email", NotifyTopic: "notify"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(testConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		w := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		if path == "/health/ready" {
			assert.Contains(t, w.Body.String(), `"breakers":{}`)
		}
	}
}

func TestServer_SchedulerTickRunsAgainstEmptyStore(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/automation/scheduler/tick", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"completed"`)
}

func TestServer_IngestEventWithNoDefinitions(t *testing.T) {
	srv := newTestServer(t)

	body := `{"triggerType":"ENTITY_CREATED","entityType":"client","entityId":"c-1","eventId":"evt-1"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/automation/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.httpServer.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestNewLeaseStore_UnknownEtcdEndpointStillBuilds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lease.Backend = "etcd"
	cfg.Etcd.Endpoints = []string{"127.0.0.1:1"}
	cfg.Etcd.DialTimeout = 50 * time.Millisecond

	store, closeFn, err := newLeaseStore(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, closeFn())
}
