package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/loanflow-go/internal/automation/app/engine"
	"github.com/loanflow-go/internal/automation/app/matcher"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

type Executor interface {
	Start(ctx context.Context, def *automation.WorkflowDefinition, triggerData map[string]interface{}, opts engine.StartOptions) (string, error)
}

// ExecutionDetails is an execution with its step history.
type ExecutionDetails struct {
	Execution *automation.WorkflowExecution      `json:"execution"`
	Logs      []*automation.WorkflowExecutionLog `json:"logs"`
}

// TriggerOutcome reports what a trigger event started.
type TriggerOutcome struct {
	ExecutionIDs []string `json:"executionIds"`
	Skipped      []string `json:"skipped,omitempty"`
}

type AutomationService struct {
	definitions ports.DefinitionRepository
	executions  ports.ExecutionRepository
	matcher     *matcher.Matcher
	executor    Executor
	eventBus    events.EventBus
	logger      logger.Logger
}

func NewAutomationService(
	definitions ports.DefinitionRepository,
	executions ports.ExecutionRepository,
	m *matcher.Matcher,
	executor Executor,
	eventBus events.EventBus,
	log logger.Logger,
) *AutomationService {
	return &AutomationService{
		definitions: definitions,
		executions:  executions,
		matcher:     m,
		executor:    executor,
		eventBus:    eventBus,
		logger:      log,
	}
}

// StartExecution runs a definition directly, bypassing its trigger filters
// and conditions. Used for MANUAL workflows and operator re-runs.
func (s *AutomationService) StartExecution(ctx context.Context, definitionID string, triggerCtx map[string]interface{}, clientID string) (string, error) {
	def, err := s.definitions.Get(ctx, definitionID)
	if err != nil {
		return "", err
	}

	data := make(map[string]interface{}, len(triggerCtx)+2)
	for k, v := range triggerCtx {
		data[k] = v
	}
	if clientID != "" {
		if _, ok := data["clientId"]; !ok {
			data["clientId"] = clientID
		}
	}
	data["trigger"] = map[string]interface{}{"type": string(automation.TriggerManual)}

	return s.executor.Start(ctx, def, data, engine.StartOptions{ClientID: clientID})
}

func (s *AutomationService) GetExecution(ctx context.Context, id string) (*ExecutionDetails, error) {
	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.executions.ListLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load logs for %s: %w", id, err)
	}
	return &ExecutionDetails{Execution: exec, Logs: logs}, nil
}

// PublishDefinition validates the definition and freezes its current state
// as a new immutable version. Running executions keep the version they
// started with.
func (s *AutomationService) PublishDefinition(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error) {
	def, err := s.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	version, err := s.definitions.Publish(ctx, id, publishedBy)
	if err != nil {
		return nil, fmt.Errorf("publish definition %s: %w", id, err)
	}

	event := events.NewEventBuilder(events.DefinitionPublished).
		WithAggregateID(id).
		WithAggregateType("workflow_definition").
		WithUserID(publishedBy).
		WithPayload("version", version.Version).
		Build()
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish definition event", "workflow_id", id, "error", err)
	} else {
		metrics.RecordEventPublished(events.DefinitionPublished)
	}

	s.logger.Info("Workflow definition published", "workflow_id", id, "version", version.Version, "published_by", publishedBy)
	return version, nil
}

func (s *AutomationService) ListVersions(ctx context.Context, id string) ([]*automation.WorkflowVersion, error) {
	if _, err := s.definitions.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.definitions.ListVersions(ctx, id)
}

// ProcessTrigger matches a trigger event and starts a run for every matching
// definition. A failed start is logged and does not stop the others. With a
// dedupe key, redelivery of the same event starts nothing new.
func (s *AutomationService) ProcessTrigger(ctx context.Context, ev automation.TriggerEvent, dedupeKey string) (*TriggerOutcome, error) {
	if !ev.TriggerType.Valid() {
		return nil, fmt.Errorf("%w: %q", automation.ErrInvalidTrigger, ev.TriggerType)
	}

	result, err := s.matcher.Match(ctx, ev)
	if err != nil {
		return nil, err
	}

	outcome := &TriggerOutcome{ExecutionIDs: []string{}}
	for _, f := range result.Failures {
		outcome.Skipped = append(outcome.Skipped, f.DefinitionID)
	}

	for _, match := range result.Matches {
		id, err := s.executor.Start(ctx, match.Definition, match.Context, engine.StartOptions{
			ClientID:  ev.ClientID,
			DedupeKey: dedupeKey,
		})
		if err != nil {
			s.logger.Error("Failed to start execution",
				"workflow_id", match.Definition.ID, "trigger", ev.TriggerType, "entity_id", ev.EntityID, "error", err)
			outcome.Skipped = append(outcome.Skipped, match.Definition.ID)
			continue
		}
		outcome.ExecutionIDs = append(outcome.ExecutionIDs, id)
	}
	return outcome, nil
}

// HandleDomainEvent is the event bus entry point for CRM entity events.
func (s *AutomationService) HandleDomainEvent(ctx context.Context, event events.Event) error {
	trigger, ok := triggerFor(event.Type)
	if !ok {
		s.logger.Debug("Ignoring event", "type", event.Type)
		return nil
	}
	metrics.RecordEventConsumed(event.Type, "automation")

	ev := TriggerEventFrom(trigger, event.Payload)
	if ev.EntityID == "" {
		ev.EntityID = event.AggregateID
	}
	if ev.EntityType == "" {
		ev.EntityType = event.AggregateType
	}

	key := event.Metadata.IdempotencyKey
	if key == "" && event.ID != "" {
		key = "event:" + event.ID
	}

	outcome, err := s.ProcessTrigger(ctx, ev, key)
	if err != nil {
		return err
	}
	s.logger.Debug("Domain event processed", "type", event.Type, "entity_id", ev.EntityID, "started", len(outcome.ExecutionIDs))
	return nil
}

func triggerFor(eventType string) (automation.TriggerType, bool) {
	switch eventType {
	case events.EntityCreated:
		return automation.TriggerEntityCreated, true
	case events.EntityStatusChanged:
		return automation.TriggerEntityStatusChanged, true
	}
	return "", false
}

// TriggerEventFrom reads a trigger event from a loosely typed payload:
// entityType, entityId, entity, clientId, oldStatus, newStatus and extra.
func TriggerEventFrom(trigger automation.TriggerType, payload map[string]interface{}) automation.TriggerEvent {
	ev := automation.TriggerEvent{
		TriggerType: trigger,
		EntityType:  stringField(payload, "entityType"),
		EntityID:    stringField(payload, "entityId"),
		ClientID:    stringField(payload, "clientId"),
		Extra:       map[string]interface{}{},
	}
	if entity, ok := payload["entity"].(map[string]interface{}); ok {
		ev.Entity = entity
	}
	if extra, ok := payload["extra"].(map[string]interface{}); ok {
		for k, v := range extra {
			ev.Extra[k] = v
		}
	}
	for _, key := range []string{"oldStatus", "newStatus"} {
		if v, ok := payload[key]; ok {
			ev.Extra[key] = v
		}
	}

	if ev.ClientID == "" {
		if ev.EntityType == "client" {
			ev.ClientID = ev.EntityID
		} else if ev.Entity != nil {
			ev.ClientID = stringField(ev.Entity, "clientId")
		}
	}
	if ev.ClientID != "" {
		ev.Extra["clientId"] = ev.ClientID
	}
	return ev
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
