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

type DefinitionRepository struct {
	db *database.DB
}

func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

func (r *DefinitionRepository) Create(ctx context.Context, d *automation.WorkflowDefinition) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *DefinitionRepository) Get(ctx context.Context, id string) (*automation.WorkflowDefinition, error) {
	var d automation.WorkflowDefinition
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", automation.ErrDefinitionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DefinitionRepository) Update(ctx context.Context, d *automation.WorkflowDefinition) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&automation.WorkflowDefinition{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", automation.ErrDefinitionNotFound, id)
	}
	return nil
}

func (r *DefinitionRepository) ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error) {
	var defs []*automation.WorkflowDefinition
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND trigger_type = ?", true, trigger).
		Order("created_at ASC").
		Find(&defs).Error
	return defs, err
}

// Publish appends a snapshot under the next version number. The first
// publish of a definition snapshots its current version as is.
func (r *DefinitionRepository) Publish(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error) {
	var snapshot *automation.WorkflowVersion

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d automation.WorkflowDefinition
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&d).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", automation.ErrDefinitionNotFound, id)
		}
		if err != nil {
			return err
		}

		var latest int
		if err := tx.Model(&automation.WorkflowVersion{}).
			Where("workflow_id = ?", id).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}

		next := d.Version
		if next < 1 {
			next = 1
		}
		if latest >= next {
			next = latest + 1
		}

		if err := tx.Model(&d).Updates(map[string]interface{}{
			"version":    next,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		d.Version = next

		snapshot = d.Snapshot(publishedBy)
		return tx.Create(snapshot).Error
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *DefinitionRepository) GetVersion(ctx context.Context, workflowID string, version int) (*automation.WorkflowVersion, error) {
	var v automation.WorkflowVersion
	err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND version = ?", workflowID, version).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s@%d", automation.ErrVersionNotFound, workflowID, version)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *DefinitionRepository) ListVersions(ctx context.Context, workflowID string) ([]*automation.WorkflowVersion, error) {
	var versions []*automation.WorkflowVersion
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		Find(&versions).Error
	return versions, err
}
