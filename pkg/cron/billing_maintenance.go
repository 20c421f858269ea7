package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/database"
	"mealpage_backend/pkg/email"
	"mealpage_backend/pkg/ratelimit"
)

// InitBillingMaintenanceCron schedules the daily sweep that downgrades
// subscriptions whose grace window ran out without a recovery webhook, and
// clears stale rate-limit windows. Webhooks remain the primary sync path;
// this is the safety net for deliveries that never arrive.
func InitBillingMaintenanceCron(limiter *ratelimit.Limiter) {
	c := cron.New()

	_, err := c.AddFunc("0 6 * * *", func() {
		downgradeExpiredGraceSubscriptions()
		purgeStaleRateLimitWindows(limiter)
	})

	if err != nil {
		log.Printf("Could not initialize billing maintenance cron: %v", err)
		return
	}

	c.Start()
}

func downgradeExpiredGraceSubscriptions() {
	log.Println("Checking for subscriptions with expired grace windows...")
	now := time.Now()

	var subs []model.Subscription
	err := database.DB.
		Where("status IN ? AND grace_until IS NOT NULL AND grace_until < ?",
			[]string{model.SubStatusPastDue, model.SubStatusUnpaid}, now).
		Preload("User").
		Find(&subs).Error
	if err != nil {
		log.Printf("Error fetching expired-grace subscriptions: %v", err)
		return
	}

	log.Printf("Found %d subscriptions past their grace window", len(subs))

	for _, sub := range subs {
		var acct model.ImportCreditAccount
		if err := database.DB.Where("user_id = ?", sub.UserID).First(&acct).Error; err != nil || acct.PlanTier != model.PlanPro {
			continue // already downgraded (or never provisioned)
		}

		snap := billing.SubscriptionSnapshot{ID: sub.StripeSubID, Status: sub.Status}
		if err := billing.ApplySubscriptionSnapshot(database.DB, sub.UserID, snap, "", now); err != nil {
			log.Printf("Error downgrading expired-grace subscription for user %d: %v", sub.UserID, err)
			continue
		}

		if email.GlobalEmailService != nil {
			if err := email.GlobalEmailService.SendGraceExpiredEmail(sub.User.Email, sub.User.GetFullName()); err != nil {
				log.Printf("Error sending grace expired email to %s: %v", sub.User.Email, err)
			}
		}
	}
}

func purgeStaleRateLimitWindows(limiter *ratelimit.Limiter) {
	// anything older than a day is long past its window
	if err := limiter.PurgeBefore(time.Now().Add(-24 * time.Hour)); err != nil {
		log.Printf("Error purging stale rate limit windows: %v", err)
	}
}
