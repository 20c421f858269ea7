package main

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"mealpage_backend/internal/controller"
	"mealpage_backend/internal/middleware"
	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/config"
	"mealpage_backend/pkg/cron"
	"mealpage_backend/pkg/database"
	"mealpage_backend/pkg/email"
	"mealpage_backend/pkg/importer"
	"mealpage_backend/pkg/ratelimit"
	"mealpage_backend/pkg/seed"
	"mealpage_backend/pkg/utils/storage"
)

func setupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Stripe webhook (raw body, signed; no auth middleware)
	api.Post("/webhook/stripe", controller.HandleStripeWebhook)

	// Metered import feature
	imports := api.Group("/import", middleware.AuthMiddleware())
	imports.Get("/entitlement", controller.GetImportEntitlement)
	imports.Get("/usage", controller.GetImportUsage)
	imports.Post("/", middleware.ImportRateLimit(), controller.ImportMeal)

	// Billing management
	billingRoutes := api.Group("/billing", middleware.AuthMiddleware())
	billingRoutes.Post("/create-checkout-session", controller.CreateCheckoutSession)
	billingRoutes.Post("/portal-session", controller.CreateBillingPortalSession)
}

func main() {
	cfg := config.Load()

	if apiKey := os.Getenv("RESEND_API_KEY"); apiKey != "" {
		if err := email.InitEmailService(apiKey); err != nil {
			log.Printf("Could not initialize email service: %v", err)
		}
	} else {
		log.Println("RESEND_API_KEY not set, billing emails disabled")
	}

	if err := storage.InitStorage(cfg.Storage); err != nil {
		log.Printf("Could not initialize storage, image imports disabled: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is not set in .env")
	}

	database.InitDB(cfg.Database.URL)
	err := database.MigrateDatabase(
		&model.User{},
		&model.Plan{},
		&model.Subscription{},
		&model.ImportCreditAccount{},
		&model.ImportCreditLedgerEntry{},
		&model.UsageEvent{},
		&model.RateLimitWindow{},
	)
	if err != nil {
		log.Printf("Migration warning: %v", err)
	}

	seed.SeedPlans(database.DB, cfg)
	billing.Init(cfg)

	limiter := ratelimit.New(database.DB, cfg.RateLimit.WindowSeconds, cfg.RateLimit.MaxRequests)
	middleware.InitRateLimiter(limiter)

	if extractorURL := os.Getenv("EXTRACTOR_URL"); extractorURL != "" {
		controller.InitImportController(importer.NewHTTPExtractor(extractorURL))
	} else {
		log.Println("EXTRACTOR_URL not set, meal imports disabled")
	}

	cron.InitBillingMaintenanceCron(limiter)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New())

	setupRoutes(app)

	log.Printf("Server is running on port %s", cfg.Server.Port)
	log.Fatal(app.Listen(":" + cfg.Server.Port))
}
