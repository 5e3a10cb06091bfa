package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
)

var ErrUnknownAction = errors.New("unknown action type")

// ConfigError marks a permanent failure caused by the workflow definition
// itself. The engine fails the run immediately instead of retrying.
type ConfigError struct {
	ActionType automation.ActionType
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s action: %v", e.ActionType, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(actionType automation.ActionType, format string, args ...interface{}) *ConfigError {
	return &ConfigError{ActionType: actionType, Err: fmt.Errorf(format, args...)}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Step is one action invocation. Config has placeholders already resolved.
type Step struct {
	ExecutionID string
	WorkflowID  string
	StepIndex   int
	ClientID    string
	Config      map[string]interface{}
	Variables   map[string]interface{}
	Now         time.Time
}

// IdempotencyKey identifies the side effect of this step across replays.
func (s Step) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", s.ExecutionID, s.StepIndex)
}

// Result is a handler's output. A positive Wait suspends the run.
type Result struct {
	Output map[string]interface{}
	Wait   time.Duration
}

type Handler interface {
	// Validate checks the resolved config before anything runs.
	Validate(config map[string]interface{}) error
	Execute(ctx context.Context, step Step) (Result, error)
}

type Registry struct {
	handlers map[automation.ActionType]Handler
	mu       sync.RWMutex
	logger   logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[automation.ActionType]Handler),
		logger:   log,
	}
}

// NewDefaultRegistry wires every built-in action to its collaborator.
func NewDefaultRegistry(messenger ports.Messenger, records ports.RecordWriter, log logger.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(automation.ActionSendEmail, NewSendEmailHandler(messenger))
	r.Register(automation.ActionSendNotification, NewSendNotificationHandler(messenger))
	r.Register(automation.ActionCreateTask, NewCreateTaskHandler(records))
	r.Register(automation.ActionCreateNote, NewCreateNoteHandler(records))
	r.Register(automation.ActionAddTag, NewAddTagHandler(records))
	r.Register(automation.ActionUpdateDocumentStatus, NewUpdateDocumentStatusHandler(records))
	r.Register(automation.ActionLogActivity, NewLogActivityHandler(records))
	r.Register(automation.ActionWait, NewWaitHandler())
	return r
}

func (r *Registry) Register(actionType automation.ActionType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[actionType]; exists && r.logger != nil {
		r.logger.Warn("Replacing action handler", "actionType", actionType)
	}
	r.handlers[actionType] = h
}

// Get returns the handler for actionType. An unknown type is a ConfigError.
func (r *Registry) Get(actionType automation.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[actionType]
	if !ok {
		return nil, &ConfigError{ActionType: actionType, Err: ErrUnknownAction}
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}
