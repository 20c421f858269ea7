package model

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	UsageEventAttempt = "attempt"
	UsageEventSuccess = "success"
	UsageEventFailure = "failure"
)

const (
	ImportSourceText  = "text"
	ImportSourceURL   = "url"
	ImportSourceImage = "image"
)

// UsageEvent is an append-only audit row for one metered import step.
// The attempt/success/failure triple of a logical request shares RequestID.
type UsageEvent struct {
	gorm.Model
	UserID     uint   `json:"user_id" gorm:"index"`
	RequestID  string `json:"request_id" gorm:"index;not null"`
	EventType  string `json:"event_type" gorm:"not null"`
	SourceType string `json:"source_type"`

	StatusCode  int     `json:"status_code"`
	CreditsCost int     `json:"credits_cost"`
	DurationMs  int64   `json:"duration_ms"`
	TokensUsed  int     `json:"tokens_used"`
	Confidence  float64 `json:"confidence"`

	Metadata datatypes.JSON `json:"metadata"`
}
