// Package usage keeps the append-only audit trail of metered import
// attempts. Recording is fire-and-forget: a lost audit row must never mask
// or replace the caller's real outcome, so every error here is logged and
// swallowed.
package usage

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mealpage_backend/internal/model"
)

// NewRequestID mints the id correlating one logical request's
// attempt/success/failure triple.
func NewRequestID() string {
	return uuid.NewString()
}

// Telemetry carries the optional measurements attached to an event.
type Telemetry struct {
	StatusCode  int
	CreditsCost int
	DurationMs  int64
	TokensUsed  int
	Confidence  float64
	Metadata    map[string]interface{}
}

func RecordAttempt(db *gorm.DB, userID uint, requestID, sourceType string, t *Telemetry) {
	record(db, userID, requestID, model.UsageEventAttempt, sourceType, t)
}

func RecordSuccess(db *gorm.DB, userID uint, requestID, sourceType string, t *Telemetry) {
	record(db, userID, requestID, model.UsageEventSuccess, sourceType, t)
}

func RecordFailure(db *gorm.DB, userID uint, requestID, sourceType string, t *Telemetry) {
	record(db, userID, requestID, model.UsageEventFailure, sourceType, t)
}

func record(db *gorm.DB, userID uint, requestID, eventType, sourceType string, t *Telemetry) {
	event := model.UsageEvent{
		UserID:     userID,
		RequestID:  requestID,
		EventType:  eventType,
		SourceType: sourceType,
	}
	if t != nil {
		event.StatusCode = t.StatusCode
		event.CreditsCost = t.CreditsCost
		event.DurationMs = t.DurationMs
		event.TokensUsed = t.TokensUsed
		event.Confidence = t.Confidence
		if t.Metadata != nil {
			if raw, err := json.Marshal(t.Metadata); err == nil {
				event.Metadata = raw
			}
		}
	}

	if err := db.Create(&event).Error; err != nil {
		log.Printf("Could not record %s usage event for request %s: %v", eventType, requestID, err)
	}
}

// RecentEvents returns the newest usage rows for one user, for the audit
// view.
func RecentEvents(db *gorm.DB, userID uint, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var events []model.UsageEvent
	err := db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&events).Error
	return events, err
}
