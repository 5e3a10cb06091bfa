package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/internal/domain/crm"
	"github.com/loanflow-go/pkg/database"
	"gorm.io/gorm"
)

// TimeQueryRepository finds the records behind time-based triggers.
type TimeQueryRepository struct {
	db *database.DB
}

func NewTimeQueryRepository(db *database.DB) *TimeQueryRepository {
	return &TimeQueryRepository{db: db}
}

// OverdueTasks pages open tasks past their due date, oldest first.
func (r *TimeQueryRepository) OverdueTasks(ctx context.Context, now time.Time, page ports.Page) ([]ports.TimedEvent, error) {
	var tasks []*crm.Task
	err := r.db.WithContext(ctx).
		Where("status <> ? AND due_date IS NOT NULL AND due_date < ?", crm.TaskCompleted, now).
		Scopes(keyset("due_date", page)).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("query overdue tasks: %w", err)
	}

	clients, err := r.clientsFor(ctx, tasks)
	if err != nil {
		return nil, err
	}

	out := make([]ports.TimedEvent, 0, len(tasks))
	for _, t := range tasks {
		daysOverdue := int(now.Sub(*t.DueDate).Hours() / 24)
		out = append(out, taskEvent(automation.TriggerTaskOverdue, t, clients[t.ClientID], map[string]interface{}{
			"daysOverdue": daysOverdue,
		}))
	}
	return out, nil
}

func (r *TimeQueryRepository) DueSoonTasks(ctx context.Context, now time.Time, window time.Duration, page ports.Page) ([]ports.TimedEvent, error) {
	var tasks []*crm.Task
	err := r.db.WithContext(ctx).
		Where("status <> ? AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?", crm.TaskCompleted, now, now.Add(window)).
		Scopes(keyset("due_date", page)).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("query due-soon tasks: %w", err)
	}

	clients, err := r.clientsFor(ctx, tasks)
	if err != nil {
		return nil, err
	}

	out := make([]ports.TimedEvent, 0, len(tasks))
	for _, t := range tasks {
		hoursUntilDue := math.Ceil(t.DueDate.Sub(now).Hours())
		out = append(out, taskEvent(automation.TriggerDueDate, t, clients[t.ClientID], map[string]interface{}{
			"hoursUntilDue": hoursUntilDue,
		}))
	}
	return out, nil
}

// InactiveClients returns clients whose last contact (or creation, if never
// contacted) is at least minDays old.
func (r *TimeQueryRepository) InactiveClients(ctx context.Context, now time.Time, minDays int, page ports.Page) ([]ports.TimedEvent, error) {
	cutoff := now.Add(-time.Duration(minDays) * 24 * time.Hour)

	var clients []*crm.Client
	err := r.db.WithContext(ctx).
		Where(lastSeen+" <= ?", cutoff).
		Scopes(keyset(lastSeen, page)).
		Find(&clients).Error
	if err != nil {
		return nil, fmt.Errorf("query inactive clients: %w", err)
	}

	out := make([]ports.TimedEvent, 0, len(clients))
	for _, c := range clients {
		since := c.CreatedAt
		occurrence := "never:" + c.CreatedAt.UTC().Format("2006-01-02")
		if c.LastContactAt != nil {
			since = *c.LastContactAt
			occurrence = c.LastContactAt.UTC().Format("2006-01-02")
		}
		snap := c.Snapshot()
		out = append(out, ports.TimedEvent{
			TriggerEvent: automation.TriggerEvent{
				TriggerType: automation.TriggerInactivity,
				EntityType:  "client",
				EntityID:    c.ID,
				Entity:      snap,
				ClientID:    c.ID,
				Extra: map[string]interface{}{
					"clientId":     c.ID,
					"daysInactive": int(now.Sub(since).Hours() / 24),
				},
			},
			Occurrence: occurrence,
			Cursor:     ports.Cursor{At: since, ID: c.ID},
		})
	}
	return out, nil
}

func (r *TimeQueryRepository) clientsFor(ctx context.Context, tasks []*crm.Task) (map[string]*crm.Client, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ClientID != "" {
			ids = append(ids, t.ClientID)
		}
	}
	byID := make(map[string]*crm.Client, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}

	var clients []*crm.Client
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("load task clients: %w", err)
	}
	for _, c := range clients {
		byID[c.ID] = c
	}
	return byID, nil
}

// lastSeen is a client's last contact, or its creation if never contacted.
const lastSeen = "COALESCE(last_contact_at, created_at)"

// keyset orders by (column, id) and resumes strictly after page.After. Rows
// that stay due across ticks never hide the ones behind them.
func keyset(column string, page ports.Page) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if page.After != nil {
			at := page.After.At.UTC()
			db = db.Where(fmt.Sprintf("(%[1]s > ? OR (%[1]s = ? AND id > ?))", column), at, at, page.After.ID)
		}
		db = db.Order(column + " ASC").Order("id ASC")
		if page.Limit > 0 {
			db = db.Limit(page.Limit)
		}
		return db
	}
}

func taskEvent(trigger automation.TriggerType, t *crm.Task, client *crm.Client, extra map[string]interface{}) ports.TimedEvent {
	extra["taskId"] = t.ID
	if t.ClientID != "" {
		extra["clientId"] = t.ClientID
	}
	if client != nil {
		extra["client"] = client.Snapshot()
	}
	return ports.TimedEvent{
		TriggerEvent: automation.TriggerEvent{
			TriggerType: trigger,
			EntityType:  "task",
			EntityID:    t.ID,
			Entity:      t.Snapshot(),
			ClientID:    t.ClientID,
			Extra:       extra,
		},
		Occurrence: t.DueDate.UTC().Format(time.RFC3339),
		Cursor:     ports.Cursor{At: *t.DueDate, ID: t.ID},
	}
}

// limitTo applies a positive limit and leaves the query unbounded otherwise.
func limitTo(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			return db.Limit(limit)
		}
		return db
	}
}
