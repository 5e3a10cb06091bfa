package automation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrExecutionNotFound = errors.New("workflow execution not found")
	ErrConcurrentUpdate  = errors.New("execution was modified concurrently")
)

type ExecutionStatus string

// WAITING is a timed suspension from a WAIT step. PENDING with NextRetryAt
// set is a run parked for retry. Both resume once NextRetryAt has passed.
const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionWaiting   ExecutionStatus = "WAITING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
)

type WorkflowExecution struct {
	ID              string                 `json:"id" gorm:"primaryKey"`
	WorkflowID      string                 `json:"workflowId" gorm:"not null;index;uniqueIndex:idx_execution_dedupe"`
	WorkflowVersion int                    `json:"workflowVersion"`
	Status          ExecutionStatus        `json:"status" gorm:"not null;index"`
	TriggerData     map[string]interface{} `json:"triggerData" gorm:"serializer:json"`
	ContextData     map[string]interface{} `json:"contextData" gorm:"serializer:json"`
	CurrentStep     int                    `json:"currentStep" gorm:"default:0"`
	ClientID        *string                `json:"clientId,omitempty" gorm:"index"`
	DedupeKey       *string                `json:"dedupeKey,omitempty" gorm:"uniqueIndex:idx_execution_dedupe"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	RetryCount      int                    `json:"retryCount" gorm:"default:0"`
	MaxRetries      int                    `json:"maxRetries"`
	LastRetryAt     *time.Time             `json:"lastRetryAt,omitempty"`
	NextRetryAt     *time.Time             `json:"nextRetryAt,omitempty" gorm:"index"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt" gorm:"index"`
}

func NewExecution(workflowID string, version int, triggerData map[string]interface{}, maxRetries int) *WorkflowExecution {
	if triggerData == nil {
		triggerData = map[string]interface{}{}
	}
	return &WorkflowExecution{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		Status:          ExecutionPending,
		TriggerData:     triggerData,
		ContextData:     map[string]interface{}{},
		MaxRetries:      maxRetries,
	}
}

// Variables is the placeholder scope of the run: trigger data overlaid with
// the accumulated step outputs.
func (e *WorkflowExecution) Variables() map[string]interface{} {
	vars := make(map[string]interface{}, len(e.TriggerData)+len(e.ContextData))
	for k, v := range e.TriggerData {
		vars[k] = v
	}
	for k, v := range e.ContextData {
		vars[k] = v
	}
	return vars
}

// WorkflowExecutionLog is one append-only row per step attempt.
type WorkflowExecutionLog struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	ExecutionID  string                 `json:"executionId" gorm:"not null;index:idx_log_execution_step"`
	StepIndex    int                    `json:"stepIndex" gorm:"index:idx_log_execution_step"`
	ActionType   ActionType             `json:"actionType"`
	Status       LogStatus              `json:"status"`
	InputData    map[string]interface{} `json:"inputData" gorm:"serializer:json"`
	OutputData   map[string]interface{} `json:"outputData,omitempty" gorm:"serializer:json"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	ExecutedAt   time.Time              `json:"executedAt" gorm:"index"`
}

func NewLog(executionID string, step int, actionType ActionType, status LogStatus, at time.Time) *WorkflowExecutionLog {
	return &WorkflowExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepIndex:   step,
		ActionType:  actionType,
		Status:      status,
		ExecutedAt:  at,
	}
}
