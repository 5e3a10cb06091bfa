package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loanflow-go/internal/automation/app/scheduler"
	"github.com/loanflow-go/internal/automation/app/service"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
)

type AutomationService interface {
	ProcessTrigger(ctx context.Context, ev automation.TriggerEvent, dedupeKey string) (*service.TriggerOutcome, error)
	StartExecution(ctx context.Context, definitionID string, triggerCtx map[string]interface{}, clientID string) (string, error)
	GetExecution(ctx context.Context, id string) (*service.ExecutionDetails, error)
	PublishDefinition(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error)
	ListVersions(ctx context.Context, id string) ([]*automation.WorkflowVersion, error)
}

type Ticker interface {
	Tick(ctx context.Context) scheduler.Report
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStates reports action circuit breaker states by action type.
type BreakerStates interface {
	States() map[string]string
}

type AutomationHandlers struct {
	service   AutomationService
	scheduler Ticker
	db        Pinger
	breakers  BreakerStates
	logger    logger.Logger
}

func NewAutomationHandlers(svc AutomationService, ticker Ticker, db Pinger, breakers BreakerStates, log logger.Logger) *AutomationHandlers {
	return &AutomationHandlers{
		service:   svc,
		scheduler: ticker,
		db:        db,
		breakers:  breakers,
		logger:    log,
	}
}

func (h *AutomationHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *AutomationHandlers) Ready(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	// An open breaker degrades one action type but the worker still serves.
	c.JSON(http.StatusOK, gin.H{"status": "ready", "breakers": h.breakers.States()})
}

type triggerRequest struct {
	TriggerType string                 `json:"triggerType" binding:"required"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Entity      map[string]interface{} `json:"entity"`
	ClientID    string                 `json:"clientId"`
	OldStatus   string                 `json:"oldStatus"`
	NewStatus   string                 `json:"newStatus"`
	Extra       map[string]interface{} `json:"extra"`
	EventID     string                 `json:"eventId"`
}

// IngestEvent accepts a CRM domain event over HTTP for producers that do not
// publish to Kafka.
func (h *AutomationHandlers) IngestEvent(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := map[string]interface{}{
		"entityType": req.EntityType,
		"entityId":   req.EntityID,
		"clientId":   req.ClientID,
	}
	if req.Entity != nil {
		payload["entity"] = req.Entity
	}
	if req.Extra != nil {
		payload["extra"] = req.Extra
	}
	if req.OldStatus != "" {
		payload["oldStatus"] = req.OldStatus
	}
	if req.NewStatus != "" {
		payload["newStatus"] = req.NewStatus
	}
	ev := service.TriggerEventFrom(automation.TriggerType(req.TriggerType), payload)

	dedupeKey := ""
	if req.EventID != "" {
		dedupeKey = "event:" + req.EventID
	}

	outcome, err := h.service.ProcessTrigger(c.Request.Context(), ev, dedupeKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

type startRequest struct {
	Context  map[string]interface{} `json:"context"`
	ClientID string                 `json:"clientId"`
}

func (h *AutomationHandlers) StartExecution(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.service.StartExecution(c.Request.Context(), c.Param("id"), req.Context, req.ClientID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"executionId": id})
}

func (h *AutomationHandlers) GetExecution(c *gin.Context) {
	details, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type publishRequest struct {
	PublishedBy string `json:"publishedBy" binding:"required"`
}

func (h *AutomationHandlers) PublishDefinition(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	version, err := h.service.PublishDefinition(c.Request.Context(), c.Param("id"), req.PublishedBy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (h *AutomationHandlers) ListVersions(c *gin.Context) {
	versions, err := h.service.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// TriggerTick runs a scheduler sweep now. The lease still applies, so this is
// a no-op while another worker is sweeping.
func (h *AutomationHandlers) TriggerTick(c *gin.Context) {
	report := h.scheduler.Tick(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (h *AutomationHandlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, automation.ErrDefinitionNotFound),
		errors.Is(err, automation.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, automation.ErrDefinitionInactive):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidDefinition),
		errors.Is(err, automation.ErrInvalidTrigger):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
