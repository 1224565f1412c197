package models

import "time"

const (
	SyncRunRunning = "Running"
	SyncRunFailed  = "Failed"
)

type SyncRun struct {
	RunID                string     `gorm:"primaryKey;type:text;comment:run id" json:"run_id"`
	WindowStart          time.Time  `gorm:"not null;comment:window start" json:"window_start"`
	WindowEnd            time.Time  `gorm:"not null;comment:window end" json:"window_end"`
	StartedAt            time.Time  `gorm:"not null;index;comment:run start" json:"started_at"`
	FinishedAt           *time.Time `gorm:"index;comment:run end" json:"finished_at,omitempty"`
	State                string     `gorm:"type:text;not null;index;comment:Running|Done|Failed|TimedOut" json:"state"`
	StopReason           string     `gorm:"type:text;comment:why the loop stopped" json:"stop_reason"`
	Resumed              bool       `gorm:"not null;default:false;comment:resumed from checkpoint" json:"resumed"`
	TotalConversations   int        `gorm:"not null;default:0" json:"total_conversations"`
	NewConversations     int        `gorm:"not null;default:0" json:"new_conversations"`
	UpdatedConversations int        `gorm:"not null;default:0" json:"updated_conversations"`
	TotalMessages        int        `gorm:"not null;default:0" json:"total_messages"`
	Pages                int        `gorm:"not null;default:0" json:"pages"`
	APICalls             int        `gorm:"not null;default:0" json:"api_calls"`
	HydrationCalls       int        `gorm:"not null;default:0" json:"hydration_calls"`
	Retries              int        `gorm:"not null;default:0" json:"retries"`
	DurationMS           int64      `gorm:"not null;default:0" json:"duration_ms"`
	Error                *string    `gorm:"type:text" json:"error,omitempty"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}
