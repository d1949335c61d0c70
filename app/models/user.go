package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	PAYMENT_STATE_NONE            = ""
	PAYMENT_STATE_OK              = "ok"
	PAYMENT_STATE_PAST_DUE        = "past_due"
	PAYMENT_STATE_REQUIRES_ACTION = "requires_action"

	SUBSCRIPTION_STATUS_ACTIVE   = "active"
	SUBSCRIPTION_STATUS_TRIALING = "trialing"
	SUBSCRIPTION_STATUS_PAST_DUE = "past_due"
	SUBSCRIPTION_STATUS_CANCELED = "canceled"
	SUBSCRIPTION_STATUS_UNPAID   = "unpaid"

	INVOICE_STATUS_PAID            = "paid"
	INVOICE_STATUS_FAILED          = "failed"
	INVOICE_STATUS_ACTION_REQUIRED = "action_required"
)

// User is the account record shared with the receipt side of the service.
// The billing engine only ever touches the plan and payment columns.
type User struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Name               string         `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Email              string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,max=200"`
	StripeCustomerID   *string        `gorm:"type:varchar(64);uniqueIndex;default:null" json:"stripe_customer_id,omitempty"`
	Plan               string         `gorm:"type:varchar(20);not null;default:'free';index" json:"plan" validate:"oneof=free personal pro business enterprise"`
	SubscriptionStatus string         `gorm:"type:varchar(32);not null;default:''" json:"subscription_status"`
	PaymentState       string         `gorm:"type:varchar(20);not null;default:''" json:"payment_state"`
	LastInvoiceStatus  string         `gorm:"type:varchar(32);not null;default:''" json:"last_invoice_status"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NewUser returns a freshly signed-up account: free plan, not linked.
func NewUser(name, email string) (*User, error) {
	u := &User{
		Name:  strings.TrimSpace(name),
		Email: strings.ToLower(strings.TrimSpace(email)),
		Plan:  "free",
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// CustomerID returns the linked external customer id or "".
func (u *User) CustomerID() string {
	if u == nil || u.StripeCustomerID == nil {
		return ""
	}
	return *u.StripeCustomerID
}

func (u *User) HasCustomer() bool {
	return u.CustomerID() != ""
}

// BillingSnapshot is the subset of fields the billing engine is allowed to
// change, used to detect no-op updates.
type BillingSnapshot struct {
	Plan               string
	SubscriptionStatus string
	PaymentState       string
	LastInvoiceStatus  string
}

func (u *User) Billing() BillingSnapshot {
	return BillingSnapshot{
		Plan:               u.Plan,
		SubscriptionStatus: u.SubscriptionStatus,
		PaymentState:       u.PaymentState,
		LastInvoiceStatus:  u.LastInvoiceStatus,
	}
}
