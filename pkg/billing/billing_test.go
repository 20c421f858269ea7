package billing

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mealpage_backend/internal/model"
	"mealpage_backend/pkg/config"
)

const testProPriceID = "price_test_pro"

func newTestConfig() *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			StripeWebhookSecret: "whsec_test",
			StripeProPriceID:    testProPriceID,
			GraceHours:          72,
			FreeMonthlyCredits:  40,
			ProMonthlyCredits:   400,
			TextImportCost:      1,
			URLImportCost:       2,
			ImageImportCost:     3,
		},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Plan{},
		&model.Subscription{},
		&model.ImportCreditAccount{},
		&model.ImportCreditLedgerEntry{},
		&model.UsageEvent{},
		&model.RateLimitWindow{},
	))
	return db
}

func newTestUser(t *testing.T, db *gorm.DB, id uint) *model.User {
	t.Helper()

	user := model.User{
		Email:    fmt.Sprintf("user%d@example.com", id),
		Username: fmt.Sprintf("user%d", id),
	}
	user.ID = id
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func allocationFor(t *testing.T, db *gorm.DB, userID uint) *model.ImportCreditLedgerEntry {
	t.Helper()

	acct, err := accountByUser(db, userID)
	require.NoError(t, err)

	var entry model.ImportCreditLedgerEntry
	require.NoError(t, db.
		Where("account_id = ? AND entry_type = ?", acct.ID, model.EntryMonthlyAllocation).
		First(&entry).Error)
	return &entry
}

func countAllocations(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()

	acct, err := accountByUser(db, userID)
	require.NoError(t, err)

	var n int64
	require.NoError(t, db.Model(&model.ImportCreditLedgerEntry{}).
		Where("account_id = ? AND entry_type = ?", acct.ID, model.EntryMonthlyAllocation).
		Count(&n).Error)
	return n
}

func TestMain(m *testing.M) {
	Init(newTestConfig())
	os.Exit(m.Run())
}
