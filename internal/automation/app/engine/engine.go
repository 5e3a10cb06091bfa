package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loanflow-go/internal/automation/app/actions"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
	"github.com/loanflow-go/pkg/resilience"
	"github.com/loanflow-go/pkg/telemetry"
	"github.com/sony/gobreaker"
)

var ErrHandlerPanic = errors.New("action handler panicked")

const (
	PinningPinned = "pinned"
	PinningLive   = "live"
)

type Config struct {
	DefaultMaxRetries int
	Backoff           resilience.Backoff
	VersionPinning    string
	StepTimeout       time.Duration
}

// DefinitionReader is the part of the definition store the engine needs.
type DefinitionReader interface {
	Get(ctx context.Context, id string) (*automation.WorkflowDefinition, error)
	GetVersion(ctx context.Context, workflowID string, version int) (*automation.WorkflowVersion, error)
}

type StartOptions struct {
	ClientID  string
	DedupeKey string
}

// Engine advances workflow executions through their action lists. It holds
// no per-run state in memory; everything lives in the execution row.
type Engine struct {
	definitions DefinitionReader
	executions  ports.ExecutionRepository
	registry    *actions.Registry
	resolver    ports.PlaceholderResolver
	breakers    *resilience.CircuitBreakerRegistry
	bus         events.EventBus
	telemetry   *telemetry.Telemetry
	logger      logger.Logger
	config      Config
	now         func() time.Time
}

type Option func(*Engine)

// WithClock replaces the wall clock used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

func WithCircuitBreakers(r *resilience.CircuitBreakerRegistry) Option {
	return func(e *Engine) { e.breakers = r }
}

func New(
	definitions DefinitionReader,
	executions ports.ExecutionRepository,
	registry *actions.Registry,
	resolver ports.PlaceholderResolver,
	bus events.EventBus,
	log logger.Logger,
	cfg Config,
	opts ...Option,
) *Engine {
	if cfg.DefaultMaxRetries < 1 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	if cfg.VersionPinning == "" {
		cfg.VersionPinning = PinningPinned
	}

	e := &Engine{
		definitions: definitions,
		executions:  executions,
		registry:    registry,
		resolver:    resolver,
		bus:         bus,
		logger:      log,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.NewNop()
	}
	if e.breakers == nil {
		e.breakers = NewActionBreakers(log)
	}
	return e
}

// NewActionBreakers builds the per-action-type breaker registry. Permanent
// configuration errors do not count against a breaker.
func NewActionBreakers(log logger.Logger) *resilience.CircuitBreakerRegistry {
	cfg := resilience.DefaultCircuitBreakerConfig("actions")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || actions.IsConfigError(err)
	}
	cfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("Action circuit breaker changed state", "action_type", name, "from", from.String(), "to", to.String())
	}
	return resilience.NewCircuitBreakerRegistry(cfg)
}

// Start creates an execution of def pinned to its current version and runs
// it as far as it will go. With a dedupe key, a second start for the same
// occurrence returns the existing execution id and does nothing else.
func (e *Engine) Start(ctx context.Context, def *automation.WorkflowDefinition, triggerData map[string]interface{}, opts StartOptions) (string, error) {
	if !def.IsActive {
		return "", fmt.Errorf("%w: %s", automation.ErrDefinitionInactive, def.ID)
	}

	maxRetries := e.config.DefaultMaxRetries
	if def.MaxRetries != nil && *def.MaxRetries > 0 {
		maxRetries = *def.MaxRetries
	}

	ctx, span := e.telemetry.StartSpan(ctx, "automation.start",
		telemetry.WorkflowAttr(def.ID), telemetry.TriggerAttr(string(def.TriggerType)))
	defer span.End()

	exec := automation.NewExecution(def.ID, def.Version, triggerData, maxRetries)
	if opts.ClientID != "" {
		clientID := opts.ClientID
		exec.ClientID = &clientID
	}
	if opts.DedupeKey != "" {
		key := opts.DedupeKey
		exec.DedupeKey = &key
	}

	stored, created, err := e.executions.Create(ctx, exec)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("create execution for workflow %s: %w", def.ID, err)
	}
	if !created {
		e.logger.Debug("Execution already exists for occurrence",
			"workflow_id", def.ID, "execution_id", stored.ID, "dedupe_key", opts.DedupeKey)
		return stored.ID, nil
	}

	metrics.RecordExecutionStarted(string(def.TriggerType))
	e.publish(ctx, events.ExecutionStarted, exec, map[string]interface{}{
		"triggerType": string(def.TriggerType),
		"version":     def.Version,
	})
	e.logger.Info("Execution started",
		"workflow_id", def.ID, "execution_id", exec.ID, "version", def.Version)

	// A failure here leaves the row PENDING for the scheduler to pick up.
	if err := e.Advance(ctx, exec.ID); err != nil {
		e.logger.Error("Initial advance failed", "execution_id", exec.ID, "error", err)
	}
	return exec.ID, nil
}

// Advance claims the execution and runs steps from its current pointer until
// it completes, fails, waits or is parked for retry. Calling it on a row that
// is terminal, already running or not yet due is a no-op.
func (e *Engine) Advance(ctx context.Context, id string) error {
	exec, claimed, err := e.executions.Claim(ctx, id, e.now())
	if err != nil {
		return err
	}
	if !claimed {
		e.logger.Debug("Execution not claimable", "execution_id", id, "status", exec.Status)
		return nil
	}

	ctx, span := e.telemetry.StartSpan(ctx, "automation.advance",
		telemetry.ExecutionAttr(exec.ID), telemetry.WorkflowAttr(exec.WorkflowID))
	defer span.End()

	if err := e.run(ctx, exec); err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, automation.ErrConcurrentUpdate) {
			// Someone else owns the row now.
			e.logger.Warn("Execution changed underneath the engine", "execution_id", id, "error", err)
			return err
		}
		if requeueErr := e.executions.Requeue(context.WithoutCancel(ctx), id); requeueErr != nil {
			e.logger.Error("Failed to requeue execution", "execution_id", id, "error", requeueErr)
		}
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, exec *automation.WorkflowExecution) error {
	persisted := exec.CurrentStep

	plan, err := e.loadActions(ctx, exec)
	if errors.Is(err, automation.ErrDefinitionNotFound) {
		return e.terminate(ctx, exec, persisted, nil, err)
	}
	if err != nil {
		return fmt.Errorf("load actions for %s: %w", exec.ID, err)
	}

	// A live plan may have shrunk below the pointer. The run then completes
	// with the pointer where it was; it never moves back.
	if exec.ContextData == nil {
		exec.ContextData = map[string]interface{}{}
	}

	for exec.CurrentStep < len(plan) {
		index := exec.CurrentStep
		action := plan[index]
		startedAt := e.now()

		config := e.resolver.ResolveConfig(action.Config, exec.Variables())
		result, err := e.dispatch(ctx, exec, index, action.Type, config, startedAt)

		entry := automation.NewLog(exec.ID, index, action.Type, automation.LogSuccess, startedAt)
		entry.InputData = config
		if err != nil {
			entry.Status = automation.LogFailed
			entry.ErrorMessage = err.Error()
			return e.fail(ctx, exec, persisted, entry, err)
		}
		entry.OutputData = result.Output

		for k, v := range result.Output {
			exec.ContextData[k] = v
		}
		exec.CurrentStep = index + 1
		exec.RetryCount = 0
		exec.ErrorMessage = ""

		if result.Wait > 0 {
			until := startedAt.Add(result.Wait)
			exec.Status = automation.ExecutionWaiting
			exec.NextRetryAt = &until
			if err := e.executions.SaveStep(ctx, exec, persisted, entry); err != nil {
				return err
			}
			metrics.RecordExecutionFinished(string(automation.ExecutionWaiting))
			e.publish(ctx, events.ExecutionWaiting, exec, map[string]interface{}{
				"resumeAt": until.Format(time.RFC3339),
			})
			e.logger.Info("Execution waiting", "execution_id", exec.ID, "step", exec.CurrentStep, "resume_at", until)
			return nil
		}

		if err := e.executions.SaveStep(ctx, exec, persisted, entry); err != nil {
			return err
		}
		persisted = exec.CurrentStep
	}

	now := e.now()
	exec.Status = automation.ExecutionCompleted
	exec.CompletedAt = &now
	exec.NextRetryAt = nil
	if err := e.executions.SaveStep(ctx, exec, persisted, nil); err != nil {
		return err
	}
	metrics.RecordExecutionFinished(string(automation.ExecutionCompleted))
	e.publish(ctx, events.ExecutionCompleted, exec, nil)
	e.logger.Info("Execution completed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)
	return nil
}

// loadActions returns the action list the run was started against. Under
// live pinning, or when no snapshot exists, the current definition is used.
func (e *Engine) loadActions(ctx context.Context, exec *automation.WorkflowExecution) ([]automation.Action, error) {
	if e.config.VersionPinning != PinningLive {
		version, err := e.definitions.GetVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err == nil {
			return version.Actions, nil
		}
		if !errors.Is(err, automation.ErrVersionNotFound) {
			return nil, err
		}
	}

	def, err := e.definitions.Get(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	return def.Actions, nil
}

func (e *Engine) dispatch(
	ctx context.Context,
	exec *automation.WorkflowExecution,
	index int,
	actionType automation.ActionType,
	config map[string]interface{},
	now time.Time,
) (actions.Result, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "automation.step", telemetry.StepAttrs(index, string(actionType))...)
	defer span.End()

	began := time.Now()
	result, err := e.execute(ctx, exec, index, actionType, config, now)

	status := string(automation.LogSuccess)
	if err != nil {
		status = string(automation.LogFailed)
		telemetry.RecordError(span, err)
	}
	metrics.RecordStep(string(actionType), status, time.Since(began).Seconds())
	return result, err
}

func (e *Engine) execute(
	ctx context.Context,
	exec *automation.WorkflowExecution,
	index int,
	actionType automation.ActionType,
	config map[string]interface{},
	now time.Time,
) (actions.Result, error) {
	handler, err := e.registry.Get(actionType)
	if err != nil {
		return actions.Result{}, err
	}
	if err := handler.Validate(config); err != nil {
		if !actions.IsConfigError(err) {
			err = &actions.ConfigError{ActionType: actionType, Err: err}
		}
		return actions.Result{}, err
	}

	step := actions.Step{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepIndex:   index,
		Config:      config,
		Variables:   exec.Variables(),
		Now:         now,
	}
	if exec.ClientID != nil {
		step.ClientID = *exec.ClientID
	}

	if e.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StepTimeout)
		defer cancel()
	}

	out, err := e.breakers.Get(string(actionType)).ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return invoke(ctx, handler, step)
	})
	if err != nil {
		return actions.Result{}, err
	}
	result, _ := out.(actions.Result)
	return result, nil
}

func invoke(ctx context.Context, handler actions.Handler, step actions.Step) (result actions.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.Execute(ctx, step)
}

// fail records a failed attempt. Configuration errors end the run at once;
// anything else is parked for retry until the budget is spent.
func (e *Engine) fail(ctx context.Context, exec *automation.WorkflowExecution, persisted int, entry *automation.WorkflowExecutionLog, cause error) error {
	if actions.IsConfigError(cause) {
		return e.terminate(ctx, exec, persisted, entry, cause)
	}

	exec.RetryCount++
	if exec.RetryCount >= exec.MaxRetries {
		return e.terminate(ctx, exec, persisted, entry, cause)
	}

	now := e.now()
	next := now.Add(e.config.Backoff.Delay(exec.RetryCount - 1))
	exec.Status = automation.ExecutionPending
	exec.ErrorMessage = cause.Error()
	exec.LastRetryAt = &now
	exec.NextRetryAt = &next
	if err := e.executions.SaveStep(ctx, exec, persisted, entry); err != nil {
		return err
	}

	metrics.RecordExecutionFinished("RETRY_SCHEDULED")
	e.publish(ctx, events.ExecutionRetryScheduled, exec, map[string]interface{}{
		"retryCount":  exec.RetryCount,
		"nextRetryAt": next.Format(time.RFC3339),
		"error":       cause.Error(),
	})
	e.logger.Warn("Step failed, retry scheduled",
		"execution_id", exec.ID, "step", exec.CurrentStep, "retry_count", exec.RetryCount,
		"next_retry_at", next, "error", cause)
	return nil
}

func (e *Engine) terminate(ctx context.Context, exec *automation.WorkflowExecution, persisted int, entry *automation.WorkflowExecutionLog, cause error) error {
	now := e.now()
	exec.Status = automation.ExecutionFailed
	exec.ErrorMessage = cause.Error()
	exec.CompletedAt = &now
	exec.NextRetryAt = nil
	if err := e.executions.SaveStep(ctx, exec, persisted, entry); err != nil {
		return err
	}

	metrics.RecordExecutionFinished(string(automation.ExecutionFailed))
	e.publish(ctx, events.ExecutionFailed, exec, map[string]interface{}{
		"error": cause.Error(),
	})
	e.logger.Error("Execution failed",
		"execution_id", exec.ID, "step", exec.CurrentStep, "retry_count", exec.RetryCount, "error", cause)
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType string, exec *automation.WorkflowExecution, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	builder := events.NewEventBuilder(eventType).
		WithAggregateID(exec.ID).
		WithAggregateType("workflow_execution").
		WithPayload("workflowId", exec.WorkflowID).
		WithPayload("workflowVersion", exec.WorkflowVersion).
		WithPayload("status", string(exec.Status)).
		WithPayload("currentStep", exec.CurrentStep).
		WithCorrelationID(exec.ID)
	if exec.ClientID != nil {
		builder = builder.WithPayload("clientId", *exec.ClientID)
	}
	for k, v := range payload {
		builder = builder.WithPayload(k, v)
	}
	if err := e.bus.Publish(ctx, builder.Build()); err != nil {
		e.logger.Warn("Failed to publish execution event", "event_type", eventType, "execution_id", exec.ID, "error", err)
		return
	}
	metrics.RecordEventPublished(eventType)
}
