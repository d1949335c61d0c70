package models

import "time"

const (
	WEBHOOK_SOURCE_SIGNED = "signed"
	WEBHOOK_SOURCE_LEGACY = "legacy"

	WEBHOOK_OUTCOME_APPLIED = "applied"
	WEBHOOK_OUTCOME_IGNORED = "ignored"
	WEBHOOK_OUTCOME_FAILED  = "failed"
)

// BillingWebhookEvent is the audit trail of provider events that reached a
// handler. Deduplication itself lives in Redis; this table only answers
// "what happened to event X".
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Source          string     `gorm:"type:varchar(20);not null;default:'signed'" json:"source"`
	AccountID       *uint      `gorm:"index;default:null" json:"account_id,omitempty"`
	Outcome         string     `gorm:"type:varchar(20);not null;index" json:"outcome"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
