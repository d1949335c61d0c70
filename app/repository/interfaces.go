package repository

import (
	"context"

	"github.com/ManuelReschke/ReceiptFox/app/models"
)

// MutateFunc changes the account in place and reports whether anything
// changed. Returning false skips the write.
type MutateFunc func(user *models.User) bool

// AccountRepository defines the account operations used by the billing engine.
// Lookups return gorm.ErrRecordNotFound when nothing matches.
type AccountRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	ListPaidLinked(ctx context.Context, afterID uint, limit int) ([]models.User, error)
	// LinkCustomer attaches customerID only if the account has no link yet.
	LinkCustomer(ctx context.Context, id uint, customerID string) (bool, error)
	// Update runs mutate inside a single-row locked transaction.
	Update(ctx context.Context, id uint, mutate MutateFunc) (*models.User, bool, error)
}

// WebhookEventRepository stores the processing audit trail.
type WebhookEventRepository interface {
	Record(ctx context.Context, event *models.BillingWebhookEvent) error
	GetByProviderEventID(ctx context.Context, provider, eventID string) (*models.BillingWebhookEvent, error)
}
