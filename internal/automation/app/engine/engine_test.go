package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loanflow-go/internal/automation/adapters/db/dbtest"
	"github.com/loanflow-go/internal/automation/adapters/db/repository"
	"github.com/loanflow-go/internal/automation/app/actions"
	"github.com/loanflow-go/internal/automation/app/placeholder"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeMessenger struct {
	mu     sync.Mutex
	emails []ports.EmailMessage
	err    error
}

func (m *fakeMessenger) SendEmail(ctx context.Context, msg ports.EmailMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.emails = append(m.emails, msg)
	return fmt.Sprintf("email-%d", len(m.emails)), nil
}

func (m *fakeMessenger) SendNotification(ctx context.Context, n ports.Notification) (string, error) {
	return "notification-1", nil
}

func (m *fakeMessenger) sent() []ports.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.EmailMessage(nil), m.emails...)
}

type panicHandler struct{}

func (panicHandler) Validate(map[string]interface{}) error { return nil }

func (panicHandler) Execute(context.Context, actions.Step) (actions.Result, error) {
	panic("boom")
}

type fixture struct {
	engine      *Engine
	definitions *repository.DefinitionRepository
	executions  *repository.ExecutionRepository
	messenger   *fakeMessenger
	bus         *events.MemoryEventBus
	registry    *actions.Registry
	clock       *clock
}

func newFixture(t *testing.T, pinning string) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	log := logger.NewNop()

	f := &fixture{
		definitions: repository.NewDefinitionRepository(db),
		executions:  repository.NewExecutionRepository(db),
		messenger:   &fakeMessenger{},
		bus:         events.NewMemoryEventBus(),
		clock:       &clock{now: t0},
	}
	f.registry = actions.NewDefaultRegistry(f.messenger, repository.NewRecordRepository(db), log)
	f.engine = New(f.definitions, f.executions, f.registry, placeholder.NewResolver(), f.bus, log,
		Config{
			DefaultMaxRetries: 3,
			Backoff:           resilience.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
			VersionPinning:    pinning,
			StepTimeout:       5 * time.Second,
		},
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) publish(t *testing.T, acts ...automation.Action) *automation.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	def := automation.NewWorkflowDefinition("Welcome", automation.TriggerEntityCreated, "officer-1")
	def.IsActive = true
	def.Actions = acts
	require.NoError(t, f.definitions.Create(ctx, def))
	_, err := f.definitions.Publish(ctx, def.ID, "officer-1")
	require.NoError(t, err)

	stored, err := f.definitions.Get(ctx, def.ID)
	require.NoError(t, err)
	return stored
}

func email(subject string) automation.Action {
	return automation.Action{Type: automation.ActionSendEmail, Config: map[string]interface{}{
		"subject": subject,
		"body":    "Hello {{client.firstName}}",
	}}
}

func wait(hours float64) automation.Action {
	return automation.Action{Type: automation.ActionWait, Config: map[string]interface{}{"hours": hours}}
}

func triggerData() map[string]interface{} {
	return map[string]interface{}{
		"client": map[string]interface{}{
			"id":        "client-1",
			"firstName": "Ada",
			"email":     "ada@example.com",
			"ownerId":   "officer-1",
		},
		"clientId": "client-1",
	}
}

func (f *fixture) load(t *testing.T, id string) (*automation.WorkflowExecution, []*automation.WorkflowExecutionLog) {
	t.Helper()
	ctx := context.Background()
	exec, err := f.executions.Get(ctx, id)
	require.NoError(t, err)
	logs, err := f.executions.ListLogs(ctx, id)
	require.NoError(t, err)
	return exec, logs
}

func TestEngine_WaitSuspendsAndResumes(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	def := f.publish(t,
		email("Welcome"),
		automation.Action{Type: automation.ActionCreateTask, Config: map[string]interface{}{
			"title":     "Call {{client.firstName}}",
			"dueInDays": 2,
		}},
		wait(24),
		email("Checking in"),
	)

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{ClientID: "client-1"})
	require.NoError(t, err)

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionWaiting, exec.Status)
	assert.Equal(t, 3, exec.CurrentStep)
	require.NotNil(t, exec.NextRetryAt)
	assert.True(t, exec.NextRetryAt.Equal(t0.Add(24*time.Hour)))
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i, l.StepIndex)
		assert.Equal(t, automation.LogSuccess, l.Status)
	}
	assert.NotEmpty(t, exec.ContextData["taskId"])
	assert.Equal(t, "Hello Ada", f.messenger.sent()[0].Body)

	// Advancing before the wait elapses changes nothing.
	f.clock.Set(t0.Add(time.Hour))
	require.NoError(t, f.engine.Advance(ctx, id))
	exec, logs = f.load(t, id)
	assert.Equal(t, automation.ExecutionWaiting, exec.Status)
	assert.Len(t, logs, 3)

	f.clock.Set(t0.Add(25 * time.Hour))
	require.NoError(t, f.engine.Advance(ctx, id))
	exec, logs = f.load(t, id)
	assert.Equal(t, automation.ExecutionCompleted, exec.Status)
	assert.Equal(t, 4, exec.CurrentStep)
	assert.NotNil(t, exec.CompletedAt)
	assert.Len(t, logs, 4)

	sent := f.messenger.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Checking in", sent[1].Subject)
	assert.Equal(t, id+":3", sent[1].IdempotencyKey)

	assert.Len(t, f.bus.Published(events.ExecutionStarted), 1)
	assert.Len(t, f.bus.Published(events.ExecutionWaiting), 1)
	assert.Len(t, f.bus.Published(events.ExecutionCompleted), 1)
}

func TestEngine_TerminalExecutionIsNotReRun(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	def := f.publish(t, email("Welcome"))

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
	require.NoError(t, err)
	exec, _ := f.load(t, id)
	require.Equal(t, automation.ExecutionCompleted, exec.Status)

	f.clock.Set(t0.Add(48 * time.Hour))
	require.NoError(t, f.engine.Advance(ctx, id))
	require.NoError(t, f.engine.Advance(ctx, id))

	_, logs := f.load(t, id)
	assert.Len(t, logs, 1)
	assert.Len(t, f.messenger.sent(), 1)
}

func TestEngine_RetriesWithBackoffThenFails(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	f.messenger.err = errors.New("smtp unavailable")
	def := f.publish(t, email("Welcome"))

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
	require.NoError(t, err)

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionPending, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Equal(t, 0, exec.CurrentStep)
	require.NotNil(t, exec.NextRetryAt)
	assert.True(t, exec.NextRetryAt.Equal(t0.Add(time.Minute)))
	assert.Contains(t, exec.ErrorMessage, "smtp unavailable")
	require.Len(t, logs, 1)
	assert.Equal(t, automation.LogFailed, logs[0].Status)

	// Not due yet.
	require.NoError(t, f.engine.Advance(ctx, id))
	_, logs = f.load(t, id)
	assert.Len(t, logs, 1)

	f.clock.Set(t0.Add(2 * time.Minute))
	require.NoError(t, f.engine.Advance(ctx, id))
	exec, _ = f.load(t, id)
	assert.Equal(t, 2, exec.RetryCount)
	assert.True(t, exec.NextRetryAt.Equal(t0.Add(4*time.Minute)))

	f.clock.Set(t0.Add(10 * time.Minute))
	require.NoError(t, f.engine.Advance(ctx, id))
	exec, logs = f.load(t, id)
	assert.Equal(t, automation.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, exec.RetryCount)
	assert.Nil(t, exec.NextRetryAt)
	assert.Len(t, logs, 3)
	assert.Len(t, f.bus.Published(events.ExecutionRetryScheduled), 2)
	assert.Len(t, f.bus.Published(events.ExecutionFailed), 1)
}

func TestEngine_RetrySucceedsAndResetsCount(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	f.messenger.err = errors.New("timeout")
	def := f.publish(t, email("Welcome"), email("Second"))

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
	require.NoError(t, err)

	f.messenger.mu.Lock()
	f.messenger.err = nil
	f.messenger.mu.Unlock()

	f.clock.Set(t0.Add(time.Minute))
	require.NoError(t, f.engine.Advance(ctx, id))

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionCompleted, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
	assert.Empty(t, exec.ErrorMessage)
	require.Len(t, logs, 3)
	assert.Equal(t, automation.LogFailed, logs[0].Status)
	assert.Equal(t, automation.LogSuccess, logs[1].Status)
}

func TestEngine_ConfigErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	def := f.publish(t, automation.Action{Type: automation.ActionSendEmail, Config: map[string]interface{}{"body": "no subject"}})

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
	require.NoError(t, err)

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionFailed, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
	assert.Contains(t, exec.ErrorMessage, "subject is required")
	require.Len(t, logs, 1)
	assert.Empty(t, f.messenger.sent())
}

func TestEngine_UnknownActionFails(t *testing.T) {
	f := newFixture(t, PinningPinned)
	def := f.publish(t, automation.Action{Type: "TELEPORT"})

	id, err := f.engine.Start(context.Background(), def, triggerData(), StartOptions{})
	require.NoError(t, err)

	exec, _ := f.load(t, id)
	assert.Equal(t, automation.ExecutionFailed, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
}

func TestEngine_HandlerPanicIsContained(t *testing.T) {
	f := newFixture(t, PinningPinned)
	f.registry.Register(automation.ActionLogActivity, panicHandler{})
	one := 1
	def := f.publish(t, automation.Action{Type: automation.ActionLogActivity})
	def.MaxRetries = &one

	id, err := f.engine.Start(context.Background(), def, triggerData(), StartOptions{})
	require.NoError(t, err)

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "panicked")
	require.Len(t, logs, 1)
	assert.Equal(t, automation.LogFailed, logs[0].Status)
}

func TestEngine_DedupeKeyStartsOnce(t *testing.T) {
	f := newFixture(t, PinningPinned)
	ctx := context.Background()
	def := f.publish(t, email("Overdue"))

	opts := StartOptions{ClientID: "client-1", DedupeKey: "TASK_OVERDUE:task:t-1:2026-03-01T00:00:00Z"}
	first, err := f.engine.Start(ctx, def, triggerData(), opts)
	require.NoError(t, err)
	second, err := f.engine.Start(ctx, def, triggerData(), opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.messenger.sent(), 1)
	assert.Len(t, f.bus.Published(events.ExecutionStarted), 1)
}

func TestEngine_InactiveDefinitionRejected(t *testing.T) {
	f := newFixture(t, PinningPinned)
	def := f.publish(t, email("Welcome"))
	def.IsActive = false

	_, err := f.engine.Start(context.Background(), def, triggerData(), StartOptions{})
	assert.ErrorIs(t, err, automation.ErrDefinitionInactive)
}

func TestEngine_VersionPinning(t *testing.T) {
	tests := []struct {
		pinning string
		subject string
	}{
		{pinning: PinningPinned, subject: "v1"},
		{pinning: PinningLive, subject: "v2"},
	}

	for _, tt := range tests {
		t.Run(tt.pinning, func(t *testing.T) {
			f := newFixture(t, tt.pinning)
			ctx := context.Background()
			def := f.publish(t, wait(1), email("v1"))

			id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
			require.NoError(t, err)

			def.Actions = []automation.Action{wait(1), email("v2")}
			require.NoError(t, f.definitions.Update(ctx, def))
			_, err = f.definitions.Publish(ctx, def.ID, "officer-2")
			require.NoError(t, err)

			f.clock.Set(t0.Add(2 * time.Hour))
			require.NoError(t, f.engine.Advance(ctx, id))

			exec, _ := f.load(t, id)
			assert.Equal(t, automation.ExecutionCompleted, exec.Status)
			assert.Equal(t, 1, exec.WorkflowVersion)
			sent := f.messenger.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.subject, sent[0].Subject)
		})
	}
}

func TestEngine_StepPointerNeverMovesBackWhenPlanShrinks(t *testing.T) {
	f := newFixture(t, PinningLive)
	ctx := context.Background()
	def := f.publish(t, email("a"), email("b"), wait(1), email("c"))

	id, err := f.engine.Start(ctx, def, triggerData(), StartOptions{})
	require.NoError(t, err)
	exec, _ := f.load(t, id)
	require.Equal(t, 3, exec.CurrentStep)

	def.Actions = []automation.Action{email("a")}
	require.NoError(t, f.definitions.Update(ctx, def))

	f.clock.Set(t0.Add(2 * time.Hour))
	require.NoError(t, f.engine.Advance(ctx, id))

	exec, logs := f.load(t, id)
	assert.Equal(t, automation.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.CurrentStep)
	assert.Len(t, logs, 3)
	assert.Len(t, f.messenger.sent(), 2)
}

func TestEngine_AdvanceUnknownExecution(t *testing.T) {
	f := newFixture(t, PinningPinned)
	err := f.engine.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, automation.ErrExecutionNotFound)
}
