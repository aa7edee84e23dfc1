package payment

import (
	"time"
)

// WebhookEvent records a received provider event. The unique event id makes
// webhook processing idempotent: a redelivered event is acknowledged without
// being applied twice.
type WebhookEvent struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID     string     `json:"event_id" gorm:"uniqueIndex;not null"`
	Provider    string     `json:"provider" gorm:"not null;default:stripe"`
	EventType   string     `json:"event_type" gorm:"not null"`
	Payload     string     `json:"-" gorm:"type:text"`
	Processed   bool       `json:"processed" gorm:"default:false"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName returns the database table name.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
