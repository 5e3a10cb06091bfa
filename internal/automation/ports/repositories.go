package ports

import (
	"context"
	"time"

	"github.com/loanflow-go/internal/domain/automation"
)

type DefinitionRepository interface {
	Create(ctx context.Context, d *automation.WorkflowDefinition) error
	Get(ctx context.Context, id string) (*automation.WorkflowDefinition, error)
	Update(ctx context.Context, d *automation.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error

	// ListActiveByTrigger returns active, non-deleted definitions for a trigger.
	ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error)

	// Publish bumps the definition version and appends its snapshot in one
	// transaction.
	Publish(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error)
	GetVersion(ctx context.Context, workflowID string, version int) (*automation.WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID string) ([]*automation.WorkflowVersion, error)
}

type ExecutionRepository interface {
	// Create inserts e. When e carries a dedupe key that already exists for
	// the workflow, the existing row is returned with created=false.
	Create(ctx context.Context, e *automation.WorkflowExecution) (existing *automation.WorkflowExecution, created bool, err error)
	Get(ctx context.Context, id string) (*automation.WorkflowExecution, error)
	ListLogs(ctx context.Context, executionID string) ([]*automation.WorkflowExecutionLog, error)

	// Claim moves an eligible row to RUNNING and returns it. claimed is false
	// when the row is running, terminal or not yet due.
	Claim(ctx context.Context, id string, now time.Time) (e *automation.WorkflowExecution, claimed bool, err error)

	// SaveStep persists e's mutable state and appends log (if any) in one
	// transaction, provided the row is still RUNNING at expectedStep.
	// Otherwise it returns automation.ErrConcurrentUpdate and writes nothing.
	SaveStep(ctx context.Context, e *automation.WorkflowExecution, expectedStep int, log *automation.WorkflowExecutionLog) error

	// Requeue returns a RUNNING row to PENDING.
	Requeue(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)

	// ListDue returns ids of PENDING and WAITING rows whose next retry time
	// has passed, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}
