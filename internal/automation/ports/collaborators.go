package ports

import (
	"context"
	"time"

	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/internal/domain/crm"
)

// LeaseStore backs the scheduler's fleet-wide lock.
type LeaseStore interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseIfOwned deletes key only while it still holds token.
	ReleaseIfOwned(ctx context.Context, key, token string) (bool, error)
}

// TimedEvent is a scheduler-raised trigger event. Occurrence is stable for
// one logical occurrence (for example a task's due date) and feeds the
// execution dedupe key.
type TimedEvent struct {
	automation.TriggerEvent
	Occurrence string
	Cursor     Cursor
}

// Cursor is the keyset position of a time-based row: its sort time, then id.
type Cursor struct {
	At time.Time
	ID string
}

// Page bounds one time-based query. A nil After starts from the first row; a
// non-positive Limit returns every row.
type Page struct {
	Limit int
	After *Cursor
}

type TimeQuerySource interface {
	OverdueTasks(ctx context.Context, now time.Time, page Page) ([]TimedEvent, error)
	DueSoonTasks(ctx context.Context, now time.Time, window time.Duration, page Page) ([]TimedEvent, error)
	InactiveClients(ctx context.Context, now time.Time, minDays int, page Page) ([]TimedEvent, error)
}

type EmailMessage struct {
	To             string
	Subject        string
	Body           string
	ClientID       string
	IdempotencyKey string
}

type Notification struct {
	UserID         string
	Title          string
	Message        string
	Link           string
	IdempotencyKey string
}

type Messenger interface {
	SendEmail(ctx context.Context, msg EmailMessage) (messageID string, err error)
	SendNotification(ctx context.Context, n Notification) (notificationID string, err error)
}

// RecordWriter creates CRM records on behalf of workflow steps. Writes that
// carry a source key are idempotent on it.
type RecordWriter interface {
	CreateTask(ctx context.Context, t *crm.Task) (*crm.Task, error)
	CreateNote(ctx context.Context, n *crm.Note) (*crm.Note, error)
	AddTag(ctx context.Context, clientID, tag string) error
	UpdateDocumentStatus(ctx context.Context, documentID, status string) error
	LogActivity(ctx context.Context, a *crm.Activity) (*crm.Activity, error)
}

type PlaceholderResolver interface {
	Resolve(template string, vars map[string]interface{}) string
	ResolveConfig(config map[string]interface{}, vars map[string]interface{}) map[string]interface{}
}
