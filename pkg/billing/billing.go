// Package billing owns the Stripe entitlement reconciliation and the
// import-credit ledger: webhook routing, subscription state sync, credit
// accounting and the final allow/deny decision for metered imports.
package billing

import (
	"time"

	"gorm.io/gorm"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/config"
)

const Provider = "stripe"

var cfg *config.Config

// Init must run before any billing call. The config snapshot is read-only
// afterwards; there is no dynamic reconfiguration.
func Init(c *config.Config) {
	cfg = c
}

// StripeConfigured reports whether live Stripe API calls are possible.
func StripeConfigured() bool {
	return cfg.Billing.StripeSecretKey != ""
}

// CreditCost returns the per-source price of one import. Unknown source
// types cost 0 and are rejected earlier by request validation.
func CreditCost(sourceType string) int {
	switch sourceType {
	case model.ImportSourceText:
		return cfg.Billing.TextImportCost
	case model.ImportSourceURL:
		return cfg.Billing.URLImportCost
	case model.ImportSourceImage:
		return cfg.Billing.ImageImportCost
	}
	return 0
}

// monthStart truncates to the first of the month, UTC. Used as the ledger
// period for users without a live billing period.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// periodStartFor picks the ledger period: the subscription's current
// billing period when one is in progress, otherwise the calendar month.
func periodStartFor(sub *model.Subscription, now time.Time) time.Time {
	if sub != nil && sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil &&
		!sub.CurrentPeriodStart.After(now) && sub.CurrentPeriodEnd.After(now) {
		return sub.CurrentPeriodStart.UTC()
	}
	return monthStart(now)
}

// proPlanCredits reads the pro allotment from the plans table, falling back
// to configuration when the row is missing.
func proPlanCredits(db *gorm.DB) int {
	var plan model.Plan
	if err := db.Where("code = ?", model.PlanPro).First(&plan).Error; err == nil && plan.MonthlyCredits > 0 {
		return plan.MonthlyCredits
	}
	return cfg.Billing.ProMonthlyCredits
}

func loadSubscription(db *gorm.DB, userID uint) (*model.Subscription, error) {
	var sub model.Subscription
	err := db.Where("user_id = ? AND provider = ?", userID, Provider).First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
