package controller

import (
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v74"
	portalsession "github.com/stripe/stripe-go/v74/billingportal/session"
	"github.com/stripe/stripe-go/v74/checkout/session"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/database"
	"mealpage_backend/pkg/utils/jwt"
)

// CreateCheckoutSession starts a Stripe-hosted subscription checkout for
// the pro plan. The user id travels as client_reference_id and as
// subscription metadata so the webhook resolver can map the result back.
func CreateCheckoutSession(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	if !billing.StripeConfigured() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Billing is not configured",
		})
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(os.Getenv("STRIPE_PRO_PRICE_ID")),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(fmt.Sprintf("user-%d", claims.UserID)),
		CustomerEmail:     stripe.String(claims.Email),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": fmt.Sprint(claims.UserID)},
		},
		SuccessURL: stripe.String(frontendURL() + "/settings/billing?checkout=success"),
		CancelURL:  stripe.String(frontendURL() + "/settings/billing?checkout=cancelled"),
	}

	sess, err := session.New(params)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not create checkout session",
		})
	}

	return c.JSON(fiber.Map{"url": sess.URL})
}

// CreateBillingPortalSession opens the Stripe customer portal so users can
// manage payment methods and cancellation themselves.
func CreateBillingPortalSession(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	if !billing.StripeConfigured() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Billing is not configured",
		})
	}

	var sub model.Subscription
	err := database.DB.
		Where("user_id = ? AND provider = ? AND stripe_customer_id <> ''", claims.UserID, billing.Provider).
		First(&sub).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No billing account found",
		})
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")

	sess, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(frontendURL() + "/settings/billing"),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not create billing portal session",
		})
	}

	return c.JSON(fiber.Map{"url": sess.URL})
}

func frontendURL() string {
	if url := os.Getenv("FRONTEND_URL"); url != "" {
		return url
	}
	return "http://localhost:5173"
}
