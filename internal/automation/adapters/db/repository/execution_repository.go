package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stepColumns are the execution columns the engine mutates after a claim.
var stepColumns = []string{
	"status",
	"current_step",
	"context_data",
	"retry_count",
	"last_retry_at",
	"next_retry_at",
	"completed_at",
	"error_message",
	"updated_at",
}

type ExecutionRepository struct {
	db *database.DB
}

func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, e *automation.WorkflowExecution) (*automation.WorkflowExecution, bool, error) {
	if e.DedupeKey == nil {
		if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return e, true, nil
	}

	var existing automation.WorkflowExecution
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND dedupe_key = ?", e.WorkflowID, *e.DedupeKey).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("dedupe lookup for %s: %w", *e.DedupeKey, err)
	}
	return &existing, false, nil
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*automation.WorkflowExecution, error) {
	var e automation.WorkflowExecution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", automation.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ExecutionRepository) ListLogs(ctx context.Context, executionID string) ([]*automation.WorkflowExecutionLog, error) {
	var logs []*automation.WorkflowExecutionLog
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("step_index ASC, executed_at ASC").
		Find(&logs).Error
	return logs, err
}

// Claim is a single conditional UPDATE, so two workers racing for the same
// row cannot both win.
func (r *ExecutionRepository) Claim(ctx context.Context, id string, now time.Time) (*automation.WorkflowExecution, bool, error) {
	result := r.db.WithContext(ctx).
		Model(&automation.WorkflowExecution{}).
		Where("id = ?", id).
		Where("((status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND next_retry_at <= ?))",
			automation.ExecutionPending, now, automation.ExecutionWaiting, now).
		Updates(map[string]interface{}{
			"status":        automation.ExecutionRunning,
			"started_at":    gorm.Expr("COALESCE(started_at, ?)", now),
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("claim execution %s: %w", id, result.Error)
	}

	e, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return e, result.RowsAffected == 1, nil
}

func (r *ExecutionRepository) SaveStep(ctx context.Context, e *automation.WorkflowExecution, expectedStep int, log *automation.WorkflowExecutionLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if log != nil {
			if err := tx.Create(log).Error; err != nil {
				return fmt.Errorf("append log: %w", err)
			}
		}

		result := tx.Model(e).
			Where("status = ? AND current_step = ?", automation.ExecutionRunning, expectedStep).
			Select(stepColumns).
			Updates(e)
		if result.Error != nil {
			return fmt.Errorf("update execution: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s at step %d", automation.ErrConcurrentUpdate, e.ID, expectedStep)
		}
		return nil
	})
}

func (r *ExecutionRepository) Requeue(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&automation.WorkflowExecution{}).
		Where("id = ? AND status = ?", id, automation.ExecutionRunning).
		Updates(map[string]interface{}{
			"status":     automation.ExecutionPending,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *ExecutionRepository) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&automation.WorkflowExecution{}).
		Where("status = ? AND updated_at < ?", automation.ExecutionRunning, olderThan).
		Updates(map[string]interface{}{
			"status":     automation.ExecutionPending,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *ExecutionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	query := r.db.WithContext(ctx).
		Model(&automation.WorkflowExecution{}).
		Where("((status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND next_retry_at <= ?))",
			automation.ExecutionPending, now, automation.ExecutionWaiting, now).
		Order("updated_at ASC").
		Scopes(limitTo(limit))
	err := query.Pluck("id", &ids).Error
	return ids, err
}
