package model

// RateLimitWindow is an ephemeral fixed-window counter row. WindowStart is
// the unix second the window opened at; rows for past windows are garbage.
type RateLimitWindow struct {
	ScopeID     string `gorm:"primaryKey"`
	WindowStart int64  `gorm:"primaryKey;autoIncrement:false"`
	Count       int    `gorm:"not null"`
}
