// Package ratelimit is an atomic fixed-window request counter, independent
// of billing. The store is the only serialization point: one upsert
// statement increments the window row and returns the new count, so
// concurrent callers on a shared scope cannot be double-admitted.
package ratelimit

import (
	"time"

	"gorm.io/gorm"
)

const (
	DefaultWindowSeconds = 300
	DefaultMaxRequests   = 8
)

type Limiter struct {
	DB            *gorm.DB
	WindowSeconds int
	MaxRequests   int
}

type Result struct {
	Allowed           bool `json:"allowed"`
	Limit             int  `json:"limit"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

func New(db *gorm.DB, windowSeconds, maxRequests int) *Limiter {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &Limiter{DB: db, WindowSeconds: windowSeconds, MaxRequests: maxRequests}
}

// Consume admits or rejects one request in the scope's current window.
// On rejection Remaining clamps to 0 and RetryAfterSeconds falls back to
// the full window when the exact residue cannot be computed.
func (l *Limiter) Consume(scopeID string, now time.Time) (*Result, error) {
	windowStart := now.Unix() - now.Unix()%int64(l.WindowSeconds)

	var count int
	err := l.DB.Raw(`
INSERT INTO rate_limit_windows (scope_id, window_start, count) VALUES (?, ?, 1)
ON CONFLICT (scope_id, window_start) DO UPDATE SET count = rate_limit_windows.count + 1
RETURNING count`,
		scopeID, windowStart).Scan(&count).Error
	if err != nil {
		return nil, err
	}

	res := &Result{Limit: l.MaxRequests}
	if count <= l.MaxRequests {
		res.Allowed = true
		res.Remaining = l.MaxRequests - count
		return res, nil
	}

	res.Remaining = 0
	res.RetryAfterSeconds = int(windowStart + int64(l.WindowSeconds) - now.Unix())
	if res.RetryAfterSeconds <= 0 {
		res.RetryAfterSeconds = l.WindowSeconds
	}
	return res, nil
}

// PurgeBefore drops windows that closed before the cutoff. Window rows are
// ephemeral; this just keeps the table from growing forever.
func (l *Limiter) PurgeBefore(cutoff time.Time) error {
	windowStart := cutoff.Unix() - cutoff.Unix()%int64(l.WindowSeconds)
	return l.DB.Exec(`DELETE FROM rate_limit_windows WHERE window_start < ?`, windowStart).Error
}
