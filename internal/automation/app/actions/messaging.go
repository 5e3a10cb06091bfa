package actions

import (
	"context"
	"errors"

	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
)

type SendEmailHandler struct {
	messenger ports.Messenger
}

func NewSendEmailHandler(m ports.Messenger) *SendEmailHandler {
	return &SendEmailHandler{messenger: m}
}

func (h *SendEmailHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "subject") == "" {
		return NewConfigError(automation.ActionSendEmail, "subject is required")
	}
	if configString(cfg, "body") == "" && configString(cfg, "template") == "" {
		return NewConfigError(automation.ActionSendEmail, "body or template is required")
	}
	return nil
}

func (h *SendEmailHandler) Execute(ctx context.Context, step Step) (Result, error) {
	to := firstNonEmpty(step.Config, []string{"to"}, step.Variables, "client.email", "email")
	if to == "" {
		return Result{}, NewConfigError(automation.ActionSendEmail, "no recipient: set config.to or provide client.email")
	}
	body := configString(step.Config, "body")
	if body == "" {
		body = configString(step.Config, "template")
	}

	id, err := h.messenger.SendEmail(ctx, ports.EmailMessage{
		To:             to,
		Subject:        configString(step.Config, "subject"),
		Body:           body,
		ClientID:       clientIDFor(step),
		IdempotencyKey: step.IdempotencyKey(),
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Output: map[string]interface{}{
		"lastEmailId": id,
		"lastEmailTo": to,
	}}, nil
}

type SendNotificationHandler struct {
	messenger ports.Messenger
}

func NewSendNotificationHandler(m ports.Messenger) *SendNotificationHandler {
	return &SendNotificationHandler{messenger: m}
}

func (h *SendNotificationHandler) Validate(cfg map[string]interface{}) error {
	if configString(cfg, "message") == "" {
		return NewConfigError(automation.ActionSendNotification, "message is required")
	}
	return nil
}

func (h *SendNotificationHandler) Execute(ctx context.Context, step Step) (Result, error) {
	userID := firstNonEmpty(step.Config, []string{"userId"}, step.Variables, "client.ownerId", "task.assignedTo", "userId")
	if userID == "" {
		return Result{}, &ConfigError{
			ActionType: automation.ActionSendNotification,
			Err:        errors.New("no recipient: set config.userId or provide an owner on the entity"),
		}
	}

	id, err := h.messenger.SendNotification(ctx, ports.Notification{
		UserID:         userID,
		Title:          configString(step.Config, "title"),
		Message:        configString(step.Config, "message"),
		Link:           configString(step.Config, "link"),
		IdempotencyKey: step.IdempotencyKey(),
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Output: map[string]interface{}{"lastNotificationId": id}}, nil
}
