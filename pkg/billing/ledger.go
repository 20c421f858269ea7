package billing

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mealpage_backend/internal/model"
)

const ReasonQuotaExceeded = "quota_exceeded"

// ConsumeResult reports the ledger state around one consume (or dry-run)
// call. When Allowed is false nothing was deducted.
type ConsumeResult struct {
	Allowed          bool
	ReasonCode       string
	RequiredCredits  int
	PeriodStart      time.Time
	PlanTier         string
	MonthlyCredits   int
	UsedCredits      int
	RemainingCredits int
}

// SyncPlanCredits brings a user's credit account and this period's
// monthly_allocation entry in line with the given plan state. preserve
// keeps an already-granted larger allocation for the period (entitlements
// never shrink mid-period while the plan stays effectively paid).
//
// The primary path is a single transaction. A known ambiguous-reference
// conflict class is classified and transparently retried through the
// decomposed fallback; both paths reach the same end state.
func SyncPlanCredits(db *gorm.DB, userID uint, planTier string, monthlyCredits int, periodStart time.Time, preserve bool) error {
	err := applyPlanSyncPrimary(db, userID, planTier, monthlyCredits, periodStart, preserve)
	if err != nil && isAmbiguousReferenceError(err) {
		log.Printf("Ledger sync hit ambiguous-reference conflict for user %d, retrying decomposed: %v", userID, err)
		return applyPlanSyncFallback(db, userID, planTier, monthlyCredits, periodStart, preserve)
	}
	return err
}

func applyPlanSyncPrimary(db *gorm.DB, userID uint, planTier string, monthlyCredits int, periodStart time.Time, preserve bool) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := upsertAccount(tx, userID, planTier, monthlyCredits); err != nil {
			return err
		}
		acct, err := accountByUser(tx, userID)
		if err != nil {
			return err
		}
		return upsertAllocation(tx, acct.ID, periodStart, monthlyCredits, preserve)
	})
}

// applyPlanSyncFallback reaches the primary path's end state through three
// idempotent statements. Each is atomic on its own; two racing fallbacks
// can interleave but every step is monotone, so webhook redelivery
// converges any residue.
func applyPlanSyncFallback(db *gorm.DB, userID uint, planTier string, monthlyCredits int, periodStart time.Time, preserve bool) error {
	if err := upsertAccount(db, userID, planTier, monthlyCredits); err != nil {
		return err
	}
	acct, err := accountByUser(db, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	err = db.Exec(`
INSERT INTO import_credit_ledger_entries (created_at, updated_at, account_id, period_start, entry_type, credits_delta)
SELECT ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
    SELECT 1 FROM import_credit_ledger_entries
    WHERE account_id = ? AND period_start = ? AND entry_type = ? AND deleted_at IS NULL
)`,
		now, now, acct.ID, periodStart, model.EntryMonthlyAllocation, monthlyCredits,
		acct.ID, periodStart, model.EntryMonthlyAllocation).Error
	if err != nil {
		return err
	}

	q := db.Model(&model.ImportCreditLedgerEntry{}).
		Where("account_id = ? AND period_start = ? AND entry_type = ?", acct.ID, periodStart, model.EntryMonthlyAllocation)
	if preserve {
		q = q.Where("credits_delta < ?", monthlyCredits)
	}
	return q.Update("credits_delta", monthlyCredits).Error
}

func upsertAccount(db *gorm.DB, userID uint, planTier string, monthlyCredits int) error {
	acct := model.ImportCreditAccount{UserID: userID, PlanTier: planTier, MonthlyCredits: monthlyCredits}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"plan_tier", "monthly_credits", "updated_at"}),
	}).Create(&acct).Error
}

func accountByUser(db *gorm.DB, userID uint) (*model.ImportCreditAccount, error) {
	var acct model.ImportCreditAccount
	if err := db.Where("user_id = ?", userID).First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// lockedAccountByUser takes the account's row lock before reading it. The
// no-op UPDATE acquires the same row lock as SELECT FOR UPDATE without the
// locking syntax SQLite lacks; under READ COMMITTED a waiter's later
// statements snapshot after the holder commits, so its usage sums are
// current.
func lockedAccountByUser(tx *gorm.DB, userID uint) (*model.ImportCreditAccount, error) {
	err := tx.Exec(`UPDATE import_credit_accounts SET updated_at = updated_at WHERE user_id = ? AND deleted_at IS NULL`,
		userID).Error
	if err != nil {
		return nil, err
	}
	return accountByUser(tx, userID)
}

// upsertAllocation writes this period's monthly_allocation row, keeping
// the larger of old and new deltas when preserve is set. The conflict
// target matches the partial unique index on allocation rows.
func upsertAllocation(tx *gorm.DB, accountID uint, periodStart time.Time, monthlyCredits int, preserve bool) error {
	now := time.Now()
	return tx.Exec(`
INSERT INTO import_credit_ledger_entries (created_at, updated_at, account_id, period_start, entry_type, credits_delta)
VALUES (?, ?, ?, ?, 'monthly_allocation', ?)
ON CONFLICT (account_id, period_start) WHERE entry_type = 'monthly_allocation'
DO UPDATE SET
    credits_delta = CASE
        WHEN ? AND import_credit_ledger_entries.credits_delta > excluded.credits_delta
            THEN import_credit_ledger_entries.credits_delta
        ELSE excluded.credits_delta
    END,
    updated_at = excluded.updated_at`,
		now, now, accountID, periodStart, monthlyCredits, preserve).Error
}

// isAmbiguousReferenceError classifies the one conflict class the primary
// sync is known to raise on some driver/schema combinations (SQLSTATE
// 42702, ambiguous column reference). Only this class is retried through
// the fallback; everything else propagates.
func isAmbiguousReferenceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "42702") || strings.Contains(msg, "ambiguous")
}

// ConsumeCredits atomically charges one import against the account. The
// account row is locked first and held until commit, so concurrent
// consumers on one user queue behind each other and each sees every
// previously committed consumption. Either the full cost commits or
// nothing does: the consumption insert re-checks the budget in its WHERE
// clause as well.
func ConsumeCredits(db *gorm.DB, userID uint, sourceType string, periodStart time.Time) (*ConsumeResult, error) {
	cost := CreditCost(sourceType)
	var res *ConsumeResult

	err := db.Transaction(func(tx *gorm.DB) error {
		acct, err := lockedAccountByUser(tx, userID)
		if err != nil {
			return err
		}

		used, err := usedCredits(tx, acct.ID, periodStart)
		if err != nil {
			return err
		}

		res = &ConsumeResult{
			RequiredCredits: cost,
			PeriodStart:     periodStart,
			PlanTier:        acct.PlanTier,
			MonthlyCredits:  acct.MonthlyCredits,
		}

		if used+cost > acct.MonthlyCredits {
			res.deny(used)
			return nil
		}

		meta, _ := json.Marshal(map[string]string{"source_type": sourceType})
		now := time.Now()
		guarded := tx.Exec(`
INSERT INTO import_credit_ledger_entries (created_at, updated_at, account_id, period_start, entry_type, credits_delta, metadata)
SELECT ?, ?, ?, ?, 'consumption', ?, ?
WHERE (
    SELECT COALESCE(SUM(-credits_delta), 0) FROM import_credit_ledger_entries
    WHERE account_id = ? AND period_start = ? AND entry_type = 'consumption' AND deleted_at IS NULL
) + ? <= ?`,
			now, now, acct.ID, periodStart, -cost, string(meta),
			acct.ID, periodStart, cost, acct.MonthlyCredits)
		if guarded.Error != nil {
			return guarded.Error
		}
		if guarded.RowsAffected == 0 {
			// lost a race; report the fresh totals, deduct nothing
			if used, err = usedCredits(tx, acct.ID, periodStart); err != nil {
				return err
			}
			res.deny(used)
			return nil
		}

		res.Allowed = true
		res.UsedCredits = used + cost
		res.RemainingCredits = acct.MonthlyCredits - res.UsedCredits
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ConsumeResult) deny(used int) {
	r.Allowed = false
	r.ReasonCode = ReasonQuotaExceeded
	r.UsedCredits = used
	r.RemainingCredits = r.MonthlyCredits - used
	if r.RemainingCredits < 0 {
		r.RemainingCredits = 0
	}
}

// QuotaReport is the read-only sibling of ConsumeCredits: same shape, no
// deduction.
func QuotaReport(db *gorm.DB, userID uint, sourceType string, periodStart time.Time) (*ConsumeResult, error) {
	cost := CreditCost(sourceType)

	acct, err := accountByUser(db, userID)
	if err != nil {
		return nil, err
	}
	used, err := usedCredits(db, acct.ID, periodStart)
	if err != nil {
		return nil, err
	}

	res := &ConsumeResult{
		RequiredCredits: cost,
		PeriodStart:     periodStart,
		PlanTier:        acct.PlanTier,
		MonthlyCredits:  acct.MonthlyCredits,
	}
	if used+cost > acct.MonthlyCredits {
		res.deny(used)
		return res, nil
	}

	res.Allowed = true
	res.UsedCredits = used
	res.RemainingCredits = acct.MonthlyCredits - used
	return res, nil
}

func usedCredits(db *gorm.DB, accountID uint, periodStart time.Time) (int, error) {
	var used int
	err := db.Raw(`
SELECT COALESCE(SUM(-credits_delta), 0) FROM import_credit_ledger_entries
WHERE account_id = ? AND period_start = ? AND entry_type = 'consumption' AND deleted_at IS NULL`,
		accountID, periodStart).Scan(&used).Error
	return used, err
}
