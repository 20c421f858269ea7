package billing

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/subscription"
	"gorm.io/gorm"

	"mealpage_backend/internal/model"
)

const PlanTierOverride = "override"

// Entitlement is the single allow/deny answer for one metered import,
// combining override rules, ledger state and grace status.
type Entitlement struct {
	Allowed               bool      `json:"allowed"`
	ReasonCode            *string   `json:"reasonCode"`
	PlanTier              string    `json:"planTier"`
	PeriodStart           time.Time `json:"periodStart"`
	MonthlyCredits        int       `json:"monthlyCredits"`
	UsedCredits           int       `json:"usedCredits"`
	RemainingCredits      int       `json:"remainingCredits"`
	RequiredCredits       int       `json:"requiredCredits"`
	IsUnlimited           bool      `json:"isUnlimited"`
	HasActiveSubscription bool      `json:"hasActiveSubscription"`
	GraceActive           bool      `json:"graceActive"`
	IsEnvOverride         bool      `json:"isEnvOverride"`
}

// IsOverrideUser checks the configured allow-lists. Pure over the config
// snapshot: no store access, evaluated per call.
func IsOverrideUser(userID uint, userEmail string) bool {
	for _, id := range cfg.Billing.OverrideUserIDs {
		if id == userID {
			return true
		}
	}
	for _, e := range cfg.Billing.OverrideEmails {
		if strings.EqualFold(e, userEmail) {
			return true
		}
	}
	return false
}

// Evaluate answers "may this user import right now" without deducting
// anything. Override users never reach the ledger.
func Evaluate(db *gorm.DB, userID uint, userEmail, sourceType string, now time.Time) (*Entitlement, error) {
	return evaluate(db, userID, userEmail, sourceType, now, false)
}

// EvaluateAndConsume is Evaluate plus the atomic deduction when allowed.
func EvaluateAndConsume(db *gorm.DB, userID uint, userEmail, sourceType string, now time.Time) (*Entitlement, error) {
	return evaluate(db, userID, userEmail, sourceType, now, true)
}

func evaluate(db *gorm.DB, userID uint, userEmail, sourceType string, now time.Time, consume bool) (*Entitlement, error) {
	sub, err := loadSubscription(db, userID)
	if err != nil {
		return nil, err
	}

	graceActive := sub != nil &&
		(sub.Status == model.SubStatusPastDue || sub.Status == model.SubStatusUnpaid) &&
		sub.GraceUntil != nil && sub.GraceUntil.After(now)
	effectivePaid := sub != nil &&
		ShouldApplyPaidPlan(InferPlanCode(sub.Status, ""), sub.Status, sub.GraceUntil, now)

	if IsOverrideUser(userID, userEmail) {
		return &Entitlement{
			Allowed:               true,
			PlanTier:              PlanTierOverride,
			PeriodStart:           periodStartFor(sub, now),
			RequiredCredits:       0,
			IsUnlimited:           true,
			HasActiveSubscription: effectivePaid,
			GraceActive:           graceActive,
			IsEnvOverride:         true,
		}, nil
	}

	if err := ensureLedgerCurrent(db, sub, userID, effectivePaid, now); err != nil {
		return nil, err
	}

	periodStart := periodStartFor(sub, now)
	var cr *ConsumeResult
	if consume {
		cr, err = ConsumeCredits(db, userID, sourceType, periodStart)
	} else {
		cr, err = QuotaReport(db, userID, sourceType, periodStart)
	}
	if err != nil {
		return nil, err
	}

	ent := &Entitlement{
		Allowed:               cr.Allowed,
		PlanTier:              cr.PlanTier,
		PeriodStart:           cr.PeriodStart,
		MonthlyCredits:        cr.MonthlyCredits,
		UsedCredits:           cr.UsedCredits,
		RemainingCredits:      cr.RemainingCredits,
		RequiredCredits:       cr.RequiredCredits,
		HasActiveSubscription: effectivePaid,
		GraceActive:           graceActive,
	}
	if cr.ReasonCode != "" {
		reason := cr.ReasonCode
		ent.ReasonCode = &reason
	}
	return ent, nil
}

// ensureLedgerCurrent lazily provisions the free-tier account for users
// that never touched billing, and re-derives the tier from stored state so
// an expired grace window downgrades at read time instead of waiting for
// the next webhook.
func ensureLedgerCurrent(db *gorm.DB, sub *model.Subscription, userID uint, effectivePaid bool, now time.Time) error {
	tier, credits := model.PlanFree, cfg.Billing.FreeMonthlyCredits
	if effectivePaid {
		tier, credits = model.PlanPro, proPlanCredits(db)
	}

	acct, err := accountByUser(db, userID)
	if err == nil && acct.PlanTier == tier && acct.MonthlyCredits == credits {
		// account is already in the right shape; make sure the period
		// allocation exists without touching a possibly larger one
		return applyPlanSyncFallback(db, userID, tier, credits, periodStartFor(sub, now), true)
	}
	return SyncPlanCredits(db, userID, tier, credits, periodStartFor(sub, now), effectivePaid)
}

// FetchSubscription retrieves the live subscription snapshot from Stripe.
// Swappable for tests and offline runs.
var FetchSubscription = fetchStripeSubscription

func fetchStripeSubscription(subscriptionID string) (*SubscriptionSnapshot, error) {
	stripe.Key = cfg.Billing.StripeSecretKey

	s, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, err
	}

	snap := &SubscriptionSnapshot{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: &s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		snap.PriceID = s.Items.Data[0].Price.ID
	}
	if s.CurrentPeriodStart > 0 {
		snap.CurrentPeriodStart = time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	if s.CurrentPeriodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return snap, nil
}

// ResyncFromProvider is the one-shot reconciliation pass run after a
// denial: re-fetch the live subscription and re-run the synchronizer to
// guard against ledger staleness from a missed webhook. Callers swallow
// its error and run it at most once per request.
func ResyncFromProvider(db *gorm.DB, userID uint, now time.Time) error {
	if cfg.Billing.StripeSecretKey == "" {
		return nil
	}

	sub, err := loadSubscription(db, userID)
	if err != nil || sub == nil || sub.StripeSubID == "" {
		return err
	}

	snap, err := FetchSubscription(sub.StripeSubID)
	if err != nil {
		return err
	}
	return ApplySubscriptionSnapshot(db, userID, *snap, "", now)
}
