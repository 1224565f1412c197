package models

import "time"

// SyncLeaseName keys the single store-wide sync lease row.
const SyncLeaseName = "sync"

// SyncLease marks which run may write checkpoints. It outlives a crashed
// holder only until ExpiresAt.
type SyncLease struct {
	Name        string    `gorm:"primaryKey;type:text;comment:lease name" json:"name"`
	RunID       string    `gorm:"type:text;not null;comment:holding run" json:"run_id"`
	AcquiredAt  time.Time `gorm:"not null;comment:claim time" json:"acquired_at"`
	HeartbeatAt time.Time `gorm:"not null;comment:last renewal" json:"heartbeat_at"`
	ExpiresAt   time.Time `gorm:"not null;index;comment:takeover allowed after" json:"expires_at"`
	TTLMS       int64     `gorm:"column:ttl_ms;not null;default:0;comment:renewal length" json:"ttl_ms"`
}

func (SyncLease) TableName() string {
	return "sync_leases"
}
