package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ReceiptFox/app/models"
)

// billingColumns are the only columns Update ever writes.
var billingColumns = []string{"plan", "subscription_status", "payment_state", "last_invoice_status", "updated_at"}

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *accountRepository) GetByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ListPaidLinked pages through accounts on a paid plan that have a provider
// customer, in id order starting after afterID.
func (r *accountRepository) ListPaidLinked(ctx context.Context, afterID uint, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("plan <> ? AND stripe_customer_id IS NOT NULL AND id > ?", "free", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *accountRepository) LinkCustomer(ctx context.Context, id uint, customerID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND stripe_customer_id IS NULL", id).
		Update("stripe_customer_id", customerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Update locks the row, applies mutate and writes the billing columns back
// in the same transaction. Concurrent webhook workers and the reconciler
// therefore never lose each other's writes.
func (r *accountRepository) Update(ctx context.Context, id uint, mutate MutateFunc) (*models.User, bool, error) {
	var (
		user    models.User
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, id).Error; err != nil {
			return err
		}
		if !mutate(&user) {
			return nil
		}
		changed = true
		return tx.Model(&user).Select(billingColumns).Updates(&user).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &user, changed, nil
}
