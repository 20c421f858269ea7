package model

import (
	"time"

	"gorm.io/gorm"
)

// Stripe subscription statuses we act on. Anything else is carried verbatim.
const (
	SubStatusActive   = "active"
	SubStatusTrialing = "trialing"
	SubStatusPastDue  = "past_due"
	SubStatusUnpaid   = "unpaid"
	SubStatusCanceled = "canceled"
)

// Subscription mirrors the provider's view of a user's subscription.
// One row per (user, provider); never hard-deleted, every webhook is
// a last-write-wins upsert over it.
type Subscription struct {
	gorm.Model
	UserID   uint   `json:"user_id" gorm:"uniqueIndex:idx_subscriptions_user_provider;not null"`
	Provider string `json:"provider" gorm:"uniqueIndex:idx_subscriptions_user_provider;not null;default:'stripe'"`

	StripeCustomerID string `json:"stripe_customer_id" gorm:"index"`
	StripeSubID      string `json:"stripe_subscription_id" gorm:"index"`

	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	GraceUntil         *time.Time `json:"grace_until"`

	LastWebhookEventID    string     `json:"last_webhook_event_id"`
	LastWebhookReceivedAt *time.Time `json:"last_webhook_received_at"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}
