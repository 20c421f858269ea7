package controller

import (
	"log"
	"mime/multipart"
	"time"

	"github.com/gofiber/fiber/v2"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/billing"
	"mealpage_backend/pkg/database"
	"mealpage_backend/pkg/importer"
	"mealpage_backend/pkg/usage"
	"mealpage_backend/pkg/utils/jwt"
	"mealpage_backend/pkg/utils/storage"
	"mealpage_backend/pkg/utils/validation"
)

var extractor importer.Extractor

func InitImportController(e importer.Extractor) {
	extractor = e
}

type ImportInput struct {
	SourceType string `json:"source_type"`
	Text       string `json:"text"`
	URL        string `json:"url"`
}

// ImportMeal runs the metered pipeline: attempt audit, entitlement with a
// one-shot provider resync on denial, atomic credit consumption, then the
// extraction call with success/failure audit. A failure after the
// consumption committed stays consumed; the audit trail ties the pieces
// together through the request id.
func ImportMeal(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)
	now := time.Now()

	input, imageFile, err := parseImportRequest(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	requestID := usage.NewRequestID()
	cost := billing.CreditCost(input.SourceType)
	usage.RecordAttempt(database.DB, claims.UserID, requestID, input.SourceType, &usage.Telemetry{CreditsCost: cost})

	ent, err := billing.EvaluateAndConsume(database.DB, claims.UserID, claims.Email, input.SourceType, now)
	if err == nil && !ent.Allowed {
		// ledger may be stale from a missed webhook; reconcile once
		if rerr := billing.ResyncFromProvider(database.DB, claims.UserID, now); rerr != nil {
			log.Printf("Provider resync for user %d failed: %v", claims.UserID, rerr)
		}
		ent, err = billing.EvaluateAndConsume(database.DB, claims.UserID, claims.Email, input.SourceType, now)
	}
	if err != nil {
		usage.RecordFailure(database.DB, claims.UserID, requestID, input.SourceType,
			&usage.Telemetry{StatusCode: fiber.StatusInternalServerError, CreditsCost: cost})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not evaluate import entitlement",
		})
	}
	if !ent.Allowed {
		usage.RecordFailure(database.DB, claims.UserID, requestID, input.SourceType,
			&usage.Telemetry{StatusCode: fiber.StatusTooManyRequests, CreditsCost: cost})
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"allowed":          false,
			"reasonCode":       ent.ReasonCode,
			"planTier":         ent.PlanTier,
			"requiredCredits":  ent.RequiredCredits,
			"remainingCredits": ent.RemainingCredits,
		})
	}

	extractInput := importer.Input{
		SourceType: input.SourceType,
		Text:       input.Text,
		URL:        input.URL,
	}

	if imageFile != nil {
		key, err := storage.UploadImportImage(imageFile, claims.UserID, requestID)
		if err != nil {
			usage.RecordFailure(database.DB, claims.UserID, requestID, input.SourceType,
				&usage.Telemetry{StatusCode: fiber.StatusInternalServerError, CreditsCost: cost})
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Could not store import image",
			})
		}
		extractInput.ImageKey = key
	}

	if extractor == nil {
		usage.RecordFailure(database.DB, claims.UserID, requestID, input.SourceType,
			&usage.Telemetry{StatusCode: fiber.StatusServiceUnavailable, CreditsCost: cost})
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Import service is not available",
		})
	}

	start := time.Now()
	result, err := extractor.Extract(c.Context(), extractInput)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		log.Printf("Extraction failed for request %s: %v", requestID, err)
		usage.RecordFailure(database.DB, claims.UserID, requestID, input.SourceType,
			&usage.Telemetry{StatusCode: fiber.StatusBadGateway, CreditsCost: cost, DurationMs: elapsed})
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Could not extract a meal from the source",
		})
	}

	usage.RecordSuccess(database.DB, claims.UserID, requestID, input.SourceType, &usage.Telemetry{
		StatusCode:  fiber.StatusOK,
		CreditsCost: cost,
		DurationMs:  elapsed,
		TokensUsed:  result.TokensUsed,
		Confidence:  result.Confidence,
	})

	return c.JSON(fiber.Map{
		"requestId":        requestID,
		"meal":             result,
		"remainingCredits": ent.RemainingCredits,
	})
}

func parseImportRequest(c *fiber.Ctx) (*ImportInput, *multipart.FileHeader, error) {
	input := new(ImportInput)
	var imageFile *multipart.FileHeader

	if form, err := c.MultipartForm(); err == nil && form != nil {
		input.SourceType = c.FormValue("source_type")
		input.Text = c.FormValue("text")
		input.URL = c.FormValue("url")
		if files := form.File["image"]; len(files) > 0 {
			imageFile = files[0]
		}
	} else if err := c.BodyParser(input); err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "Invalid input")
	}

	switch input.SourceType {
	case model.ImportSourceText:
		if input.Text == "" {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "Text source requires a text body")
		}
	case model.ImportSourceURL:
		if input.URL == "" {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "URL source requires a url")
		}
	case model.ImportSourceImage:
		if err := validation.ValidateImage(imageFile); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "Invalid source type")
	}

	return input, imageFile, nil
}

// GetImportUsage returns the caller's recent usage events, newest first.
func GetImportUsage(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	events, err := usage.RecentEvents(database.DB, claims.UserID, c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not fetch usage events",
		})
	}

	return c.JSON(fiber.Map{"events": events})
}
