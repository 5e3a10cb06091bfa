package crm

import "time"

// Minimal CRM records the automation engine reads from and writes into.
// Full record management lives in the CRM application.

type Client struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone"`
	Status        string     `json:"status" gorm:"index"`
	OwnerID       string     `json:"ownerId" gorm:"index"`
	LastContactAt *time.Time `json:"lastContactAt" gorm:"index"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (c *Client) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"id":        c.ID,
		"firstName": c.FirstName,
		"lastName":  c.LastName,
		"name":      c.FirstName + " " + c.LastName,
		"email":     c.Email,
		"phone":     c.Phone,
		"status":    c.Status,
		"ownerId":   c.OwnerID,
	}
}

const (
	TaskOpen      = "OPEN"
	TaskCompleted = "COMPLETED"
)

type Task struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	ClientID    string     `json:"clientId" gorm:"index"`
	Title       string     `json:"title" gorm:"not null"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status" gorm:"index"`
	AssignedTo  string     `json:"assignedTo"`
	DueDate     *time.Time `json:"dueDate" gorm:"index"`
	SourceKey   *string    `json:"sourceKey,omitempty" gorm:"uniqueIndex"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (t *Task) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"id":          t.ID,
		"clientId":    t.ClientID,
		"title":       t.Title,
		"description": t.Description,
		"priority":    t.Priority,
		"status":      t.Status,
		"assignedTo":  t.AssignedTo,
	}
	if t.DueDate != nil {
		snap["dueDate"] = t.DueDate.UTC().Format(time.RFC3339)
	}
	return snap
}

type Note struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	ClientID  string    `json:"clientId" gorm:"index"`
	Content   string    `json:"content"`
	SourceKey *string   `json:"sourceKey,omitempty" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientTag is unique per (client, tag) so re-tagging is a no-op.
type ClientTag struct {
	ClientID  string    `json:"clientId" gorm:"primaryKey"`
	Tag       string    `json:"tag" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
}

type Document struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	ClientID  string    `json:"clientId" gorm:"index"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Activity struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	ClientID    string    `json:"clientId" gorm:"index"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	SourceKey   *string   `json:"sourceKey,omitempty" gorm:"uniqueIndex"`
	CreatedAt   time.Time `json:"createdAt"`
}
