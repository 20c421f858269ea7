package seed

import (
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/config"
)

// SeedPlans upserts the two billable tiers by code. Runs on every boot so
// price id and allotment changes in config land without a migration.
func SeedPlans(db *gorm.DB, cfg *config.Config) {
	plans := []model.Plan{
		{
			Code:           model.PlanFree,
			Name:           "Free",
			MonthlyCredits: cfg.Billing.FreeMonthlyCredits,
			Active:         true,
		},
		{
			Code:           model.PlanPro,
			Name:           "Pro",
			StripePriceID:  cfg.Billing.StripeProPriceID,
			MonthlyCredits: cfg.Billing.ProMonthlyCredits,
			Active:         true,
		},
	}

	for _, plan := range plans {
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "stripe_price_id", "monthly_credits", "active", "updated_at"}),
		}).Create(&plan).Error
		if err != nil {
			log.Printf("Error seeding plan %s: %v", plan.Code, err)
		}
	}

	log.Println("Subscription plans seeded successfully!")
}
