package actions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/internal/domain/crm"
)

type CreateTaskHandler struct {
	records ports.RecordWriter
}

func NewCreateTaskHandler(r ports.RecordWriter) *CreateTaskHandler {
	return &CreateTaskHandler{records: r}
}

func (h *CreateTaskHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "title") == "" {
		return NewConfigError(automation.ActionCreateTask, "title is required")
	}
	if _, _, err := configNumber(cfg, "dueInDays"); err != nil {
		return NewConfigError(automation.ActionCreateTask, "%v", err)
	}
	return nil
}

func (h *CreateTaskHandler) Execute(ctx context.Context, step Step) (Result, error) {
	key := step.IdempotencyKey()
	task := &crm.Task{
		ID:          uuid.New().String(),
		ClientID:    clientIDFor(step),
		Title:       configString(step.Config, "title"),
		Description: configString(step.Config, "description"),
		Priority:    configString(step.Config, "priority"),
		Status:      crm.TaskOpen,
		AssignedTo:  firstNonEmpty(step.Config, []string{"assignedTo"}, step.Variables, "client.ownerId"),
		SourceKey:   &key,
	}
	if task.Priority == "" {
		task.Priority = "MEDIUM"
	}
	if days, ok, _ := configNumber(step.Config, "dueInDays"); ok {
		due := step.Now.Add(time.Duration(days * float64(24*time.Hour)))
		task.DueDate = &due
	}

	saved, err := h.records.CreateTask(ctx, task)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{"taskId": saved.ID}}, nil
}

type CreateNoteHandler struct {
	records ports.RecordWriter
}

func NewCreateNoteHandler(r ports.RecordWriter) *CreateNoteHandler {
	return &CreateNoteHandler{records: r}
}

func (h *CreateNoteHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "content") == "" {
		return NewConfigError(automation.ActionCreateNote, "content is required")
	}
	return nil
}

func (h *CreateNoteHandler) Execute(ctx context.Context, step Step) (Result, error) {
	clientID := clientIDFor(step)
	if clientID == "" {
		return Result{}, NewConfigError(automation.ActionCreateNote, "no client in scope")
	}
	key := step.IdempotencyKey()
	saved, err := h.records.CreateNote(ctx, &crm.Note{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Content:   configString(step.Config, "content"),
		SourceKey: &key,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{"noteId": saved.ID}}, nil
}

type AddTagHandler struct {
	records ports.RecordWriter
}

func NewAddTagHandler(r ports.RecordWriter) *AddTagHandler {
	return &AddTagHandler{records: r}
}

func (h *AddTagHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "tag") == "" {
		return NewConfigError(automation.ActionAddTag, "tag is required")
	}
	return nil
}

func (h *AddTagHandler) Execute(ctx context.Context, step Step) (Result, error) {
	clientID := clientIDFor(step)
	if clientID == "" {
		return Result{}, NewConfigError(automation.ActionAddTag, "no client in scope")
	}
	tag := configString(step.Config, "tag")
	if err := h.records.AddTag(ctx, clientID, tag); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{"lastTag": tag}}, nil
}

type UpdateDocumentStatusHandler struct {
	records ports.RecordWriter
}

func NewUpdateDocumentStatusHandler(r ports.RecordWriter) *UpdateDocumentStatusHandler {
	return &UpdateDocumentStatusHandler{records: r}
}

func (h *UpdateDocumentStatusHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "status") == "" {
		return NewConfigError(automation.ActionUpdateDocumentStatus, "status is required")
	}
	return nil
}

func (h *UpdateDocumentStatusHandler) Execute(ctx context.Context, step Step) (Result, error) {
	docID := firstNonEmpty(step.Config, []string{"documentId"}, step.Variables, "documentId", "document.id")
	if docID == "" {
		return Result{}, NewConfigError(automation.ActionUpdateDocumentStatus, "no document in scope")
	}
	status := configString(step.Config, "status")
	if err := h.records.UpdateDocumentStatus(ctx, docID, status); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{
		"documentId":     docID,
		"documentStatus": status,
	}}, nil
}

type LogActivityHandler struct {
	records ports.RecordWriter
}

func NewLogActivityHandler(r ports.RecordWriter) *LogActivityHandler {
	return &LogActivityHandler{records: r}
}

func (h *LogActivityHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "description") == "" {
		return NewConfigError(automation.ActionLogActivity, "description is required")
	}
	return nil
}

func (h *LogActivityHandler) Execute(ctx context.Context, step Step) (Result, error) {
	activityType := configString(step.Config, "type")
	if activityType == "" {
		activityType = "AUTOMATION"
	}
	key := step.IdempotencyKey()
	saved, err := h.records.LogActivity(ctx, &crm.Activity{
		ID:          uuid.New().String(),
		ClientID:    clientIDFor(step),
		Type:        activityType,
		Description: configString(step.Config, "description"),
		SourceKey:   &key,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{"activityId": saved.ID}}, nil
}
