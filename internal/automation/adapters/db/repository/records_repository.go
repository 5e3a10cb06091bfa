package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loanflow-go/internal/domain/crm"
	"github.com/loanflow-go/pkg/database"
	"gorm.io/gorm/clause"
)

var ErrDocumentNotFound = errors.New("document not found")

// RecordRepository writes CRM records for workflow steps. Inserts that carry
// a source key are idempotent: a replayed step returns the row written by
// its first attempt.
type RecordRepository struct {
	db *database.DB
}

func NewRecordRepository(db *database.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) CreateTask(ctx context.Context, t *crm.Task) (*crm.Task, error) {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := insertOnce(ctx, r.db, t, t.SourceKey); err != nil {
		if errors.Is(err, errAlreadyInserted) {
			var existing crm.Task
			if err := r.db.WithContext(ctx).Where("source_key = ?", *t.SourceKey).First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (r *RecordRepository) CreateNote(ctx context.Context, n *crm.Note) (*crm.Note, error) {
	n.CreatedAt = time.Now().UTC()
	if err := insertOnce(ctx, r.db, n, n.SourceKey); err != nil {
		if errors.Is(err, errAlreadyInserted) {
			var existing crm.Note
			if err := r.db.WithContext(ctx).Where("source_key = ?", *n.SourceKey).First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("create note: %w", err)
	}
	return n, nil
}

func (r *RecordRepository) AddTag(ctx context.Context, clientID, tag string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&crm.ClientTag{ClientID: clientID, Tag: tag, CreatedAt: time.Now().UTC()}).Error
}

func (r *RecordRepository) UpdateDocumentStatus(ctx context.Context, documentID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&crm.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return nil
}

func (r *RecordRepository) LogActivity(ctx context.Context, a *crm.Activity) (*crm.Activity, error) {
	a.CreatedAt = time.Now().UTC()
	if err := insertOnce(ctx, r.db, a, a.SourceKey); err != nil {
		if errors.Is(err, errAlreadyInserted) {
			var existing crm.Activity
			if err := r.db.WithContext(ctx).Where("source_key = ?", *a.SourceKey).First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("log activity: %w", err)
	}
	return a, nil
}

var errAlreadyInserted = errors.New("row with this source key already exists")

func insertOnce(ctx context.Context, db *database.DB, row interface{}, sourceKey *string) error {
	if sourceKey == nil {
		return db.WithContext(ctx).Create(row).Error
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errAlreadyInserted
	}
	return nil
}
