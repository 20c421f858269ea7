package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mealpage_backend/internal/model"
)

var testPeriodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestSyncPlanCreditsPreserveKeepsLargerAllocation(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)

	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanPro, 400, testPeriodStart, true))
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanPro, 400, testPeriodStart, true))

	assert.EqualValues(t, 1, countAllocations(t, db, user.ID))
	assert.Equal(t, 400, allocationFor(t, db, user.ID).CreditsDelta)

	// preserve keeps the granted 400 even when the incoming state is smaller
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 40, testPeriodStart, true))
	assert.Equal(t, 400, allocationFor(t, db, user.ID).CreditsDelta)

	acct, err := accountByUser(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, acct.PlanTier)
	assert.Equal(t, 40, acct.MonthlyCredits)
}

func TestSyncPlanCreditsWithoutPreserveResets(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)

	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanPro, 400, testPeriodStart, true))
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 40, testPeriodStart, false))

	assert.EqualValues(t, 1, countAllocations(t, db, user.ID))
	assert.Equal(t, 40, allocationFor(t, db, user.ID).CreditsDelta)
}

func TestFallbackMatchesPrimaryEndState(t *testing.T) {
	db := newTestDB(t)
	primary := newTestUser(t, db, 1)
	fallback := newTestUser(t, db, 2)

	require.NoError(t, applyPlanSyncPrimary(db, primary.ID, model.PlanPro, 400, testPeriodStart, true))
	require.NoError(t, applyPlanSyncFallback(db, fallback.ID, model.PlanPro, 400, testPeriodStart, true))

	for _, id := range []uint{primary.ID, fallback.ID} {
		acct, err := accountByUser(db, id)
		require.NoError(t, err)
		assert.Equal(t, model.PlanPro, acct.PlanTier)
		assert.Equal(t, 400, acct.MonthlyCredits)
		assert.EqualValues(t, 1, countAllocations(t, db, id))
		assert.Equal(t, 400, allocationFor(t, db, id).CreditsDelta)
	}

	// redelivery through the other strategy changes nothing
	require.NoError(t, applyPlanSyncFallback(db, primary.ID, model.PlanPro, 400, testPeriodStart, true))
	require.NoError(t, applyPlanSyncPrimary(db, fallback.ID, model.PlanPro, 400, testPeriodStart, true))
	assert.EqualValues(t, 1, countAllocations(t, db, primary.ID))
	assert.EqualValues(t, 1, countAllocations(t, db, fallback.ID))
}

func TestConsumeCreditsDeductsAndExhausts(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 40, testPeriodStart, false))

	// 20 url imports at 2 credits each spend the whole free allotment
	for i := 0; i < 20; i++ {
		res, err := ConsumeCredits(db, user.ID, model.ImportSourceURL, testPeriodStart)
		require.NoError(t, err)
		require.True(t, res.Allowed, "import %d should be allowed", i+1)
		assert.Equal(t, 2, res.RequiredCredits)
		assert.Equal(t, (i+1)*2, res.UsedCredits)
		assert.Equal(t, 40-(i+1)*2, res.RemainingCredits)
	}

	res, err := ConsumeCredits(db, user.ID, model.ImportSourceURL, testPeriodStart)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, res.ReasonCode)
	assert.Equal(t, 2, res.RequiredCredits)
	assert.Equal(t, 40, res.UsedCredits)
	assert.Equal(t, 0, res.RemainingCredits)
}

func TestConsumeCreditsAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 5, testPeriodStart, false))

	for i := 0; i < 4; i++ {
		res, err := ConsumeCredits(db, user.ID, model.ImportSourceText, testPeriodStart)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// 1 credit left, image costs 3: denied with nothing deducted
	res, err := ConsumeCredits(db, user.ID, model.ImportSourceImage, testPeriodStart)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 4, res.UsedCredits)
	assert.Equal(t, 1, res.RemainingCredits)

	// the remaining credit is still spendable
	res, err = ConsumeCredits(db, user.ID, model.ImportSourceText, testPeriodStart)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingCredits)
}

func TestConsumeCreditsNeverGoesNegative(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 1, testPeriodStart, false))

	// denial reports the true residue and deducts nothing
	res, err := ConsumeCredits(db, user.ID, model.ImportSourceImage, testPeriodStart)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, 1, res.RemainingCredits)

	used, err := usedCredits(db, mustAccountID(t, db, user.ID), testPeriodStart)
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	// usage stranded above a shrunken budget clamps to 0, never negative
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 10, testPeriodStart, false))
	for i := 0; i < 3; i++ {
		r, err := ConsumeCredits(db, user.ID, model.ImportSourceImage, testPeriodStart)
		require.NoError(t, err)
		require.True(t, r.Allowed)
	}
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 5, testPeriodStart, false))

	res, err = ConsumeCredits(db, user.ID, model.ImportSourceText, testPeriodStart)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingCredits)
}

func TestConsumeCreditsStopsAtBudgetBoundary(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 40, testPeriodStart, false))

	// spend down to 38 of 40
	for i := 0; i < 19; i++ {
		res, err := ConsumeCredits(db, user.ID, model.ImportSourceURL, testPeriodStart)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// the consume that lands exactly on the budget commits
	res, err := ConsumeCredits(db, user.ID, model.ImportSourceURL, testPeriodStart)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 40, res.UsedCredits)
	assert.Equal(t, 0, res.RemainingCredits)

	// the next one is denied with usage pinned at the budget
	res, err = ConsumeCredits(db, user.ID, model.ImportSourceURL, testPeriodStart)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40, res.UsedCredits)
	assert.Equal(t, 0, res.RemainingCredits)

	used, err := usedCredits(db, mustAccountID(t, db, user.ID), testPeriodStart)
	require.NoError(t, err)
	assert.Equal(t, 40, used)
}

func TestQuotaReportDoesNotDeduct(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	require.NoError(t, SyncPlanCredits(db, user.ID, model.PlanFree, 40, testPeriodStart, false))

	for i := 0; i < 3; i++ {
		res, err := QuotaReport(db, user.ID, model.ImportSourceText, testPeriodStart)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 0, res.UsedCredits)
		assert.Equal(t, 40, res.RemainingCredits)
	}
}

func TestIsAmbiguousReferenceError(t *testing.T) {
	assert.False(t, isAmbiguousReferenceError(nil))
	assert.True(t, isAmbiguousReferenceError(errors.New("ERROR: column reference \"credits_delta\" is ambiguous (SQLSTATE 42702)")))
	assert.False(t, isAmbiguousReferenceError(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
}

func mustAccountID(t *testing.T, db *gorm.DB, userID uint) uint {
	t.Helper()
	acct, err := accountByUser(db, userID)
	require.NoError(t, err)
	return acct.ID
}
