package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loanflow-go/internal/automation/app/engine"
	"github.com/loanflow-go/internal/automation/app/matcher"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Tick outcomes, also used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeOverlap   = "skipped_overlap"
	OutcomeLeaseHeld = "skipped_lease_held"
)

type Config struct {
	Schedule       string
	LeaseKey       string
	LeaseTTL       time.Duration
	BatchSize      int
	DueSoonWindow  time.Duration
	InactivityDays int
	StaleAfter     time.Duration
	RunOnStart     bool
}

type Definitions interface {
	ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error)
}

type Executor interface {
	Start(ctx context.Context, def *automation.WorkflowDefinition, triggerData map[string]interface{}, opts engine.StartOptions) (string, error)
	Advance(ctx context.Context, id string) error
}

// Report summarizes one tick.
type Report struct {
	Outcome   string `json:"outcome"`
	Started   int    `json:"started"`
	Advanced  int    `json:"advanced"`
	Requeued  int64  `json:"requeued"`
	Errors    int    `json:"errors"`
	LeaseHeld bool   `json:"leaseHeld"`
}

// Scheduler drives time-based triggers and resumes parked executions. Every
// worker runs one; the lease keeps concurrent sweeps across the fleet to one.
type Scheduler struct {
	cron        *cron.Cron
	lease       ports.LeaseStore
	definitions Definitions
	timeQueries ports.TimeQuerySource
	matcher     *matcher.Matcher
	executor    Executor
	executions  ports.ExecutionRepository
	logger      logger.Logger
	config      Config
	now         func() time.Time
	running     atomic.Bool
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(
	lease ports.LeaseStore,
	definitions Definitions,
	timeQueries ports.TimeQuerySource,
	m *matcher.Matcher,
	executor Executor,
	executions ports.ExecutionRepository,
	log logger.Logger,
	cfg Config,
	opts ...Option,
) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "automation:scheduler:lease"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 55 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}

	s := &Scheduler{
		cron:        cron.New(cron.WithLocation(time.UTC)),
		lease:       lease,
		definitions: definitions,
		timeQueries: timeQueries,
		matcher:     m,
		executor:    executor,
		executions:  executions,
		logger:      log,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the tick on the cron schedule and, if configured, runs one
// tick right away in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid scheduler schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.config.Schedule, "lease_key", s.config.LeaseKey)

	if s.config.RunOnStart {
		go s.Tick(ctx)
	}
	return nil
}

// Stop halts the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info("Scheduler stopped")
}

// Tick runs one sweep. It never panics the worker and never returns an
// error; failures are logged and counted in the report.
func (s *Scheduler) Tick(ctx context.Context) Report {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Previous tick still running, skipping")
		metrics.RecordSchedulerTick(OutcomeOverlap)
		return Report{Outcome: OutcomeOverlap}
	}
	defer s.running.Store(false)

	token := uuid.New().String()
	acquired, err := s.lease.Acquire(ctx, s.config.LeaseKey, token, s.config.LeaseTTL)
	switch {
	case err != nil:
		// An unreachable lease store must not stop automation.
		s.logger.Warn("Lease store unavailable, running tick without lease", "error", err)
		metrics.RecordLeaseAcquisition("error")
	case !acquired:
		s.logger.Debug("Lease held by another worker, skipping tick")
		metrics.RecordLeaseAcquisition("held")
		metrics.RecordSchedulerTick(OutcomeLeaseHeld)
		return Report{Outcome: OutcomeLeaseHeld, LeaseHeld: true}
	default:
		metrics.RecordLeaseAcquisition("acquired")
		defer s.release(token)
	}

	report := Report{Outcome: OutcomeCompleted}
	now := s.now()

	s.sweep(ctx, now, &report)
	s.requeueStale(ctx, now, &report)
	s.advanceDue(ctx, now, &report)

	metrics.RecordSchedulerTick(OutcomeCompleted)
	s.logger.Info("Scheduler tick finished",
		"started", report.Started, "advanced", report.Advanced,
		"requeued", report.Requeued, "errors", report.Errors)
	return report
}

func (s *Scheduler) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := s.lease.ReleaseIfOwned(ctx, s.config.LeaseKey, token)
	if err != nil {
		s.logger.Warn("Failed to release scheduler lease", "error", err)
		return
	}
	if !released {
		s.logger.Warn("Scheduler lease expired before release")
	}
}

type sweepFunc func(ctx context.Context, now time.Time, defs []*automation.WorkflowDefinition, page ports.Page) ([]ports.TimedEvent, error)

func (s *Scheduler) sweep(ctx context.Context, now time.Time, report *Report) {
	sweeps := []struct {
		trigger automation.TriggerType
		query   sweepFunc
	}{
		{automation.TriggerTaskOverdue, s.overdue},
		{automation.TriggerDueDate, s.dueSoon},
		{automation.TriggerInactivity, s.inactive},
	}

	for _, sw := range sweeps {
		if ctx.Err() != nil {
			return
		}
		defs, err := s.definitions.ListActiveByTrigger(ctx, sw.trigger)
		if err != nil {
			s.logger.Error("Failed to load time-based definitions", "trigger", sw.trigger, "error", err)
			report.Errors++
			continue
		}
		if len(defs) == 0 {
			continue
		}

		s.drain(ctx, now, sw.trigger, sw.query, defs, report)
	}
}

// drain walks every page of one time-based query. Rows already started stay
// due on later ticks, so each tick must reach past them.
func (s *Scheduler) drain(ctx context.Context, now time.Time, trigger automation.TriggerType, query sweepFunc, defs []*automation.WorkflowDefinition, report *Report) {
	page := ports.Page{Limit: s.config.BatchSize}
	for {
		found, err := query(ctx, now, defs, page)
		if err != nil {
			s.logger.Error("Time-based query failed", "trigger", trigger, "error", err)
			report.Errors++
			return
		}

		for _, ev := range found {
			s.fire(ctx, defs, ev, report)
		}

		if page.Limit <= 0 || len(found) < page.Limit || ctx.Err() != nil {
			return
		}
		last := found[len(found)-1].Cursor
		page.After = &last
	}
}

func (s *Scheduler) overdue(ctx context.Context, now time.Time, _ []*automation.WorkflowDefinition, page ports.Page) ([]ports.TimedEvent, error) {
	return s.timeQueries.OverdueTasks(ctx, now, page)
}

// dueSoon widens the window to the largest hoursBefore any definition asks
// for; the matcher narrows it again per definition.
func (s *Scheduler) dueSoon(ctx context.Context, now time.Time, defs []*automation.WorkflowDefinition, page ports.Page) ([]ports.TimedEvent, error) {
	window := s.config.DueSoonWindow
	for _, def := range defs {
		if hours, ok := matcher.NumberSetting(def, "hoursBefore"); ok {
			if d := time.Duration(hours * float64(time.Hour)); d > window {
				window = d
			}
		}
	}
	return s.timeQueries.DueSoonTasks(ctx, now, window, page)
}

// inactive queries with the smallest inactiveDays any definition asks for.
func (s *Scheduler) inactive(ctx context.Context, now time.Time, defs []*automation.WorkflowDefinition, page ports.Page) ([]ports.TimedEvent, error) {
	days := s.config.InactivityDays
	for _, def := range defs {
		if d, ok := matcher.NumberSetting(def, "inactiveDays"); ok && d >= 0 {
			if n := int(math.Floor(d)); days <= 0 || n < days {
				days = n
			}
		}
	}
	return s.timeQueries.InactiveClients(ctx, now, days, page)
}

func (s *Scheduler) fire(ctx context.Context, defs []*automation.WorkflowDefinition, ev ports.TimedEvent, report *Report) {
	result := s.matcher.MatchAgainst(defs, ev.TriggerEvent)
	report.Errors += len(result.Failures)

	for _, match := range result.Matches {
		id, err := s.executor.Start(ctx, match.Definition, match.Context, engine.StartOptions{
			ClientID:  ev.ClientID,
			DedupeKey: DedupeKey(ev),
		})
		if err != nil {
			s.logger.Error("Failed to start time-based execution",
				"workflow_id", match.Definition.ID, "entity_id", ev.EntityID, "error", err)
			report.Errors++
			continue
		}
		s.logger.Debug("Time-based execution started",
			"workflow_id", match.Definition.ID, "execution_id", id, "entity_id", ev.EntityID)
		report.Started++
	}
}

func (s *Scheduler) requeueStale(ctx context.Context, now time.Time, report *Report) {
	n, err := s.executions.RequeueStale(ctx, now.Add(-s.config.StaleAfter))
	if err != nil {
		s.logger.Error("Failed to requeue stale executions", "error", err)
		report.Errors++
		return
	}
	if n > 0 {
		s.logger.Warn("Requeued stale running executions", "count", n)
	}
	report.Requeued = n
}

func (s *Scheduler) advanceDue(ctx context.Context, now time.Time, report *Report) {
	ids, err := s.executions.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		s.logger.Error("Failed to list due executions", "error", err)
		report.Errors++
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.executor.Advance(ctx, id); err != nil {
			s.logger.Error("Failed to advance execution", "execution_id", id, "error", err)
			report.Errors++
			continue
		}
		report.Advanced++
	}
}

// DedupeKey identifies one occurrence of a time-based trigger for one entity,
// so repeated sweeps start a workflow for it once.
func DedupeKey(ev ports.TimedEvent) string {
	return fmt.Sprintf("%s:%s:%s:%s", ev.TriggerType, ev.EntityType, ev.EntityID, ev.Occurrence)
}
