package billing

import (
	"errors"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/email"
)

// SubscriptionSnapshot is the provider-shape input to the synchronizer.
// Zero-valued fields mean "not present in this event" and leave the stored
// value untouched.
type SubscriptionSnapshot struct {
	ID                 string
	Status             string
	CustomerID         string
	CancelAtPeriodEnd  *bool // only subscription-object events carry this
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// paidFamily are the statuses Stripe only assigns to subscriptions that
// have been through a paid checkout.
var paidFamily = map[string]bool{
	model.SubStatusActive:   true,
	model.SubStatusTrialing: true,
	model.SubStatusPastDue:  true,
	model.SubStatusUnpaid:   true,
}

// InferPlanCode maps a provider (status, priceID) pair to an internal plan
// code. A matching pro price wins; otherwise any paid-family status still
// infers pro, covering event shapes that omit price detail.
func InferPlanCode(status, priceID string) string {
	if priceID != "" && priceID == cfg.Billing.StripeProPriceID {
		return model.PlanPro
	}
	if paidFamily[status] {
		return model.PlanPro
	}
	return model.PlanFree
}

// ComputeGraceUntil returns the grace deadline for payment-trouble statuses
// and nil for everything else. Active/trialing need no grace; canceled and
// the rest get none.
func ComputeGraceUntil(status string, periodEnd time.Time) *time.Time {
	if (status == model.SubStatusPastDue || status == model.SubStatusUnpaid) && !periodEnd.IsZero() {
		t := periodEnd.Add(time.Duration(cfg.Billing.GraceHours) * time.Hour)
		return &t
	}
	return nil
}

// ShouldApplyPaidPlan is the effective-paid predicate: it, not the raw
// provider status, decides whether the ledger gets pro-tier credits.
func ShouldApplyPaidPlan(planCode, status string, graceUntil *time.Time, now time.Time) bool {
	if planCode != model.PlanPro {
		return false
	}
	switch status {
	case model.SubStatusActive, model.SubStatusTrialing:
		return true
	case model.SubStatusPastDue, model.SubStatusUnpaid:
		return graceUntil != nil && graceUntil.After(now)
	}
	return false
}

// ApplySubscriptionSnapshot merges a provider snapshot into the stored
// subscription row (last-write-wins per field, upsert keyed by
// user+provider) and issues the matching credit-ledger sync. Snapshots
// without a status only record the provider identifiers; the ledger is left
// alone until a status-bearing event arrives.
func ApplySubscriptionSnapshot(db *gorm.DB, userID uint, snap SubscriptionSnapshot, eventID string, now time.Time) error {
	var sub model.Subscription
	err := db.Where("user_id = ? AND provider = ?", userID, Provider).First(&sub).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	prevStatus := sub.Status
	if sub.ID == 0 {
		sub = model.Subscription{UserID: userID, Provider: Provider}
	}

	if snap.ID != "" {
		sub.StripeSubID = snap.ID
	}
	if snap.CustomerID != "" {
		sub.StripeCustomerID = snap.CustomerID
	}
	if snap.Status != "" {
		sub.Status = snap.Status
	}
	if snap.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *snap.CancelAtPeriodEnd
	}
	if !snap.CurrentPeriodStart.IsZero() {
		t := snap.CurrentPeriodStart
		sub.CurrentPeriodStart = &t
	}
	if !snap.CurrentPeriodEnd.IsZero() {
		t := snap.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &t
	}

	var periodEnd time.Time
	if sub.CurrentPeriodEnd != nil {
		periodEnd = *sub.CurrentPeriodEnd
	}
	sub.GraceUntil = ComputeGraceUntil(sub.Status, periodEnd)

	if eventID != "" {
		sub.LastWebhookEventID = eventID
		t := now
		sub.LastWebhookReceivedAt = &t
	}

	if sub.ID == 0 {
		// Concurrent first deliveries race on the unique key; the loser's
		// redelivery converges, so a conflict just updates in place.
		err = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			UpdateAll: true,
		}).Create(&sub).Error
	} else {
		err = db.Save(&sub).Error
	}
	if err != nil {
		return err
	}

	notifyStatusChange(db, userID, prevStatus, &sub)

	if sub.Status == "" {
		return nil
	}

	effective := ShouldApplyPaidPlan(InferPlanCode(sub.Status, snap.PriceID), sub.Status, sub.GraceUntil, now)
	tier, credits := model.PlanFree, cfg.Billing.FreeMonthlyCredits
	if effective {
		tier, credits = model.PlanPro, proPlanCredits(db)
	}
	return SyncPlanCredits(db, userID, tier, credits, periodStartFor(&sub, now), effective)
}

// notifyStatusChange sends the activation / payment-trouble emails on
// status transitions. Best effort: failures are logged and dropped.
func notifyStatusChange(db *gorm.DB, userID uint, prevStatus string, sub *model.Subscription) {
	if email.GlobalEmailService == nil || prevStatus == sub.Status {
		return
	}

	var user model.User
	if err := db.First(&user, userID).Error; err != nil {
		return
	}

	switch sub.Status {
	case model.SubStatusActive:
		if prevStatus == "" || prevStatus == model.SubStatusPastDue || prevStatus == model.SubStatusUnpaid {
			if err := email.GlobalEmailService.SendSubscriptionActivatedEmail(user.Email, user.GetFullName()); err != nil {
				log.Printf("Could not send subscription activated email: %v", err)
			}
		}
	case model.SubStatusPastDue, model.SubStatusUnpaid:
		var graceUntil time.Time
		if sub.GraceUntil != nil {
			graceUntil = *sub.GraceUntil
		}
		if err := email.GlobalEmailService.SendPaymentFailedEmail(user.Email, user.GetFullName(), graceUntil); err != nil {
			log.Printf("Could not send payment failed email: %v", err)
		}
	}
}
