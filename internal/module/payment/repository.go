package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repository defines the interface for payment data access.
type Repository interface {
	// CreateWebhookEvent stores a received event. Returns true when the
	// event is new, false when the same event id was already stored.
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID string, processErr error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new payment repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// CreateWebhookEvent relies on the unique event id index to detect
// redeliveries, so the check and insert cannot race.
func (r *repository) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, error) {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("store webhook event: %w", err)
	}
	return true, nil
}

func (r *repository) MarkWebhookEventProcessed(ctx context.Context, eventID string, processErr error) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed":    processErr == nil,
		"processed_at": &now,
	}
	if processErr != nil {
		updates["last_error"] = processErr.Error()
	}

	err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}
