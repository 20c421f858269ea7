package model

import "gorm.io/gorm"

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Plan is a billable tier. Rows are upserted by Code.
type Plan struct {
	gorm.Model
	Code           string `json:"code" gorm:"uniqueIndex;not null"`
	Name           string `json:"name" gorm:"not null"`
	StripePriceID  string `json:"stripe_price_id"`
	MonthlyCredits int    `json:"monthly_credits" gorm:"not null"`
	Active         bool   `json:"active" gorm:"default:true"`
}
