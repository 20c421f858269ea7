package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EntryMonthlyAllocation = "monthly_allocation"
	EntryConsumption       = "consumption"
)

// ImportCreditAccount holds the current credit budget for one user.
// Upserted on every plan sync.
type ImportCreditAccount struct {
	gorm.Model
	UserID         uint   `json:"user_id" gorm:"uniqueIndex;not null"`
	PlanTier       string `json:"plan_tier" gorm:"not null;default:'free'"`
	MonthlyCredits int    `json:"monthly_credits" gorm:"not null"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

// ImportCreditLedgerEntry is one ledger row. monthly_allocation entries
// are unique per (account, period) and upserted; consumption entries are
// append-only with a negative CreditsDelta.
type ImportCreditLedgerEntry struct {
	gorm.Model
	AccountID    uint           `json:"account_id" gorm:"index;uniqueIndex:idx_ledger_allocation_once,where:entry_type = 'monthly_allocation';not null"`
	PeriodStart  time.Time      `json:"period_start" gorm:"uniqueIndex:idx_ledger_allocation_once,where:entry_type = 'monthly_allocation';not null"`
	EntryType    string         `json:"entry_type" gorm:"not null"`
	CreditsDelta int            `json:"credits_delta" gorm:"not null"`
	Metadata     datatypes.JSON `json:"metadata"`
}
