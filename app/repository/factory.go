package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Repositories bundles all repository implementations sharing one DB handle.
type Repositories struct {
	Account      AccountRepository
	WebhookEvent WebhookEventRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:      NewAccountRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}

// Factory manages repository instances and ensures they are created once
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns the shared set of repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

func (f *Factory) GetAccountRepository() AccountRepository {
	return f.GetRepositories().Account
}

func (f *Factory) GetWebhookEventRepository() WebhookEventRepository {
	return f.GetRepositories().WebhookEvent
}
