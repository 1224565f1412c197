package models

import (
	"time"

	"gorm.io/datatypes"
)

type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
)

type SyncCheckpoint struct {
	WindowKey     string           `gorm:"primaryKey;type:text;comment:window identifier" json:"window_key"`
	WindowStart   time.Time        `gorm:"not null;comment:window start" json:"window_start"`
	WindowEnd     time.Time        `gorm:"not null;index;comment:window end" json:"window_end"`
	RunID         string           `gorm:"type:text;not null;comment:run that wrote the checkpoint" json:"run_id"`
	Cursor        *string          `gorm:"type:text;comment:next pagination cursor" json:"cursor,omitempty"`
	Page          int              `gorm:"not null;default:0;comment:pages persisted in this run" json:"page"`
	Status        CheckpointStatus `gorm:"type:text;not null;index;comment:in_progress|completed" json:"status"`
	LastAttemptAt *time.Time       `gorm:"comment:last attempt time" json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time       `gorm:"comment:last persisted page time" json:"last_success_at,omitempty"`
	LastError     *string          `gorm:"type:text;comment:last error" json:"last_error,omitempty"`
	StatsJSON     datatypes.JSON   `gorm:"comment:running stats" json:"stats_json"`
	UpdatedAt     time.Time        `gorm:"not null;autoUpdateTime:false;comment:last write time" json:"updated_at"`
}

func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}
