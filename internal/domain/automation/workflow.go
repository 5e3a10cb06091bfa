package automation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrVersionNotFound    = errors.New("workflow version not found")
	ErrDefinitionInactive = errors.New("workflow definition is not active")
	ErrNoActions          = errors.New("workflow definition has no actions")
	ErrInvalidTrigger     = errors.New("invalid trigger type")
)

type TriggerType string

const (
	TriggerEntityCreated       TriggerType = "ENTITY_CREATED"
	TriggerEntityStatusChanged TriggerType = "ENTITY_STATUS_CHANGED"
	TriggerInactivity          TriggerType = "TIME_BASED_INACTIVITY"
	TriggerDueDate             TriggerType = "TIME_BASED_DUE_DATE"
	TriggerTaskOverdue         TriggerType = "TASK_OVERDUE"
	TriggerManual              TriggerType = "MANUAL"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerEntityCreated, TriggerEntityStatusChanged, TriggerInactivity,
		TriggerDueDate, TriggerTaskOverdue, TriggerManual:
		return true
	}
	return false
}

// TimeBased reports whether events of this type are raised by the scheduler.
func (t TriggerType) TimeBased() bool {
	return t == TriggerInactivity || t == TriggerDueDate || t == TriggerTaskOverdue
}

type ActionType string

const (
	ActionSendEmail            ActionType = "SEND_EMAIL"
	ActionSendNotification     ActionType = "SEND_NOTIFICATION"
	ActionCreateTask           ActionType = "CREATE_TASK"
	ActionCreateNote           ActionType = "CREATE_NOTE"
	ActionAddTag               ActionType = "ADD_TAG"
	ActionUpdateDocumentStatus ActionType = "UPDATE_DOCUMENT_STATUS"
	ActionLogActivity          ActionType = "LOG_ACTIVITY"
	ActionWait                 ActionType = "WAIT"
)

type Action struct {
	Type   ActionType             `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowDefinition is an automation authored by a loan officer. The engine
// reads it and only ever writes Version (on publish).
type WorkflowDefinition struct {
	ID            string                 `json:"id" gorm:"primaryKey"`
	Name          string                 `json:"name" gorm:"not null"`
	Description   string                 `json:"description"`
	IsActive      bool                   `json:"isActive" gorm:"default:false;index"`
	IsTemplate    bool                   `json:"isTemplate" gorm:"default:false"`
	TriggerType   TriggerType            `json:"triggerType" gorm:"not null;index"`
	TriggerConfig map[string]interface{} `json:"triggerConfig" gorm:"serializer:json"`
	Conditions    *Rule                  `json:"conditions,omitempty" gorm:"serializer:json"`
	Actions       []Action               `json:"actions" gorm:"serializer:json"`
	Version       int                    `json:"version" gorm:"default:1"`
	MaxRetries    *int                   `json:"maxRetries,omitempty"`
	CreatedBy     string                 `json:"createdBy" gorm:"index"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	DeletedAt     gorm.DeletedAt         `json:"-" gorm:"index"`
}

func NewWorkflowDefinition(name string, trigger TriggerType, createdBy string) *WorkflowDefinition {
	now := time.Now().UTC()
	return &WorkflowDefinition{
		ID:            uuid.New().String(),
		Name:          name,
		TriggerType:   trigger,
		TriggerConfig: map[string]interface{}{},
		Actions:       []Action{},
		Version:       1,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if !d.TriggerType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTrigger, d.TriggerType)
	}
	if len(d.Actions) == 0 {
		return ErrNoActions
	}
	for i, a := range d.Actions {
		if a.Type == "" {
			return fmt.Errorf("action %d: type is required", i)
		}
	}
	if d.MaxRetries != nil && *d.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1, got %d", *d.MaxRetries)
	}
	return nil
}

// Snapshot captures the executable part of the definition at its current
// version.
func (d *WorkflowDefinition) Snapshot(publishedBy string) *WorkflowVersion {
	return &WorkflowVersion{
		ID:            uuid.New().String(),
		WorkflowID:    d.ID,
		Version:       d.Version,
		TriggerType:   d.TriggerType,
		TriggerConfig: d.TriggerConfig,
		Conditions:    d.Conditions,
		Actions:       d.Actions,
		MaxRetries:    d.MaxRetries,
		PublishedBy:   publishedBy,
		CreatedAt:     time.Now().UTC(),
	}
}

// WorkflowVersion is an immutable, append-only snapshot of a definition.
type WorkflowVersion struct {
	ID            string                 `json:"id" gorm:"primaryKey"`
	WorkflowID    string                 `json:"workflowId" gorm:"not null;uniqueIndex:idx_workflow_version"`
	Version       int                    `json:"version" gorm:"not null;uniqueIndex:idx_workflow_version"`
	TriggerType   TriggerType            `json:"triggerType"`
	TriggerConfig map[string]interface{} `json:"triggerConfig" gorm:"serializer:json"`
	Conditions    *Rule                  `json:"conditions,omitempty" gorm:"serializer:json"`
	Actions       []Action               `json:"actions" gorm:"serializer:json"`
	MaxRetries    *int                   `json:"maxRetries,omitempty"`
	PublishedBy   string                 `json:"publishedBy"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// TriggerEvent is a domain or time-based occurrence offered to the matcher.
type TriggerEvent struct {
	TriggerType TriggerType            `json:"triggerType"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Entity      map[string]interface{} `json:"entity,omitempty"`
	ClientID    string                 `json:"clientId,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}
