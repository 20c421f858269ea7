package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/database"
)

// HandleStripeWebhook receives signed provider deliveries. Failures return
// 400 with the stage reached so Stripe's at-least-once retry loop can do
// its job; every downstream write is an idempotent upsert, so replays are
// harmless.
func HandleStripeWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	signature := c.Get("Stripe-Signature")

	if werr := billing.ProcessWebhook(database.DB, payload, signature, time.Now()); werr != nil {
		code := "webhook_processing_failed"
		if errors.Is(werr, billing.ErrSignatureUnavailable) {
			code = "webhook_signature_verification_unavailable"
		}

		resp := fiber.Map{
			"error": werr.Error(),
			"code":  code,
			"stage": werr.Stage,
		}
		if werr.EventID != "" {
			resp["eventId"] = werr.EventID
			resp["eventType"] = werr.EventType
		}
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	return c.JSON(fiber.Map{"received": true})
}
