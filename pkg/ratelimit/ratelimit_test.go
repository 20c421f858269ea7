package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mealpage_backend/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RateLimitWindow{}))
	return db
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(nil, 0, 0)
	assert.Equal(t, DefaultWindowSeconds, l.WindowSeconds)
	assert.Equal(t, DefaultMaxRequests, l.MaxRequests)

	l = New(nil, 60, 3)
	assert.Equal(t, 60, l.WindowSeconds)
	assert.Equal(t, 3, l.MaxRequests)
}

func TestConsumeAdmitsUpToLimitThenRejects(t *testing.T) {
	db := newTestDB(t)
	l := New(db, 300, 8)
	now := time.Unix(1_700_000_100, 0)

	for i := 0; i < 8; i++ {
		res, err := l.Consume("import:1", now)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 8, res.Limit)
		assert.Equal(t, 8-(i+1), res.Remaining)
		assert.Equal(t, 0, res.RetryAfterSeconds)
	}

	res, err := l.Consume("import:1", now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, res.RetryAfterSeconds, 300)
}

func TestConsumeScopesAreIndependent(t *testing.T) {
	db := newTestDB(t)
	l := New(db, 300, 1)
	now := time.Unix(1_700_000_100, 0)

	res, err := l.Consume("import:1", now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Consume("import:1", now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Consume("import:2", now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestConsumeNewWindowAdmitsAgain(t *testing.T) {
	db := newTestDB(t)
	l := New(db, 300, 1)
	now := time.Unix(1_700_000_100, 0)

	res, err := l.Consume("import:1", now)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Consume("import:1", now)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	next := now.Add(300 * time.Second)
	res, err = l.Consume("import:1", next)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPurgeBeforeDropsClosedWindows(t *testing.T) {
	db := newTestDB(t)
	l := New(db, 300, 8)
	now := time.Unix(1_700_000_100, 0)

	_, err := l.Consume("import:1", now)
	require.NoError(t, err)
	_, err = l.Consume("import:1", now.Add(600*time.Second))
	require.NoError(t, err)

	require.NoError(t, l.PurgeBefore(now.Add(600*time.Second)))

	var count int64
	require.NoError(t, db.Model(&model.RateLimitWindow{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
