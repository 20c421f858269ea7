package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/database"
	"mealpage_backend/pkg/utils/jwt"
)

// GetImportEntitlement reports the caller's current import allowance
// without consuming anything. ?source picks the cost basis, defaulting to
// text.
func GetImportEntitlement(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	sourceType := c.Query("source", model.ImportSourceText)
	if !validSourceType(sourceType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid source type",
		})
	}

	ent, err := billing.Evaluate(database.DB, claims.UserID, claims.Email, sourceType, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not evaluate import entitlement",
		})
	}

	var sub model.Subscription
	hasCustomer := database.DB.
		Where("user_id = ? AND provider = ? AND stripe_customer_id <> ''", claims.UserID, billing.Provider).
		First(&sub).Error == nil

	return c.JSON(fiber.Map{
		"allowed":               ent.Allowed,
		"reasonCode":            ent.ReasonCode,
		"planTier":              ent.PlanTier,
		"periodStart":           ent.PeriodStart,
		"monthlyCredits":        ent.MonthlyCredits,
		"usedCredits":           ent.UsedCredits,
		"remainingCredits":      ent.RemainingCredits,
		"requiredCredits":       ent.RequiredCredits,
		"isUnlimited":           ent.IsUnlimited,
		"hasActiveSubscription": ent.HasActiveSubscription,
		"graceActive":           ent.GraceActive,
		"isEnvOverride":         ent.IsEnvOverride,
		"stripeConfigured":      billing.StripeConfigured(),
		"canManage":             billing.StripeConfigured() && hasCustomer,
	})
}

func validSourceType(sourceType string) bool {
	switch sourceType {
	case model.ImportSourceText, model.ImportSourceURL, model.ImportSourceImage:
		return true
	}
	return false
}
