package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ReceiptFox/app/models"
)

type webhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Record upserts on (provider, provider_event_id) so a retried job
// overwrites the outcome of its earlier attempt.
func (r *webhookEventRepository) Record(ctx context.Context, event *models.BillingWebhookEvent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_type",
			"source",
			"account_id",
			"outcome",
			"processing_error",
			"processed_at",
			"updated_at",
		}),
	}).Create(event).Error
}

func (r *webhookEventRepository) GetByProviderEventID(ctx context.Context, provider, eventID string) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", provider, eventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
