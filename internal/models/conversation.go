package models

import (
	"time"

	"gorm.io/datatypes"
)

type ConversationState string

const (
	ConversationOpen    ConversationState = "open"
	ConversationClosed  ConversationState = "closed"
	ConversationSnoozed ConversationState = "snoozed"
)

func (s ConversationState) Valid() bool {
	switch s {
	case ConversationOpen, ConversationClosed, ConversationSnoozed:
		return true
	}
	return false
}

type Conversation struct {
	ID                  string                      `gorm:"primaryKey;type:text;comment:remote conversation id" json:"id"`
	CreatedAt           time.Time                   `gorm:"not null;index;autoCreateTime:false;comment:remote creation time" json:"created_at"`
	UpdatedAt           time.Time                   `gorm:"not null;index;autoUpdateTime:false;comment:remote last update time" json:"updated_at"`
	State               ConversationState           `gorm:"type:text;not null;index;comment:open|closed|snoozed" json:"state"`
	CustomerEmail       *string                     `gorm:"type:text;index;comment:customer email" json:"customer_email,omitempty"`
	CustomerName        *string                     `gorm:"type:text;comment:customer display name" json:"customer_name,omitempty"`
	AssigneeID          *string                     `gorm:"type:text;index;comment:assigned admin id" json:"assignee_id,omitempty"`
	AssigneeName        *string                     `gorm:"type:text;comment:assigned admin name" json:"assignee_name,omitempty"`
	FirstResponseAt     *time.Time                  `gorm:"comment:first admin reply time" json:"first_response_at,omitempty"`
	ResolvedAt          *time.Time                  `gorm:"comment:last close time" json:"resolved_at,omitempty"`
	ResponseTimeSeconds *int64                      `gorm:"comment:first response delay in seconds" json:"response_time_seconds,omitempty"`
	MessageCount        int                         `gorm:"not null;default:0;comment:number of stored messages" json:"message_count"`
	Tags                datatypes.JSONSlice[string] `gorm:"comment:ordered tag names" json:"tags"`
	SourceChannel       *string                     `gorm:"type:text;comment:source delivery channel" json:"source_channel,omitempty"`
	SourceURL           *string                     `gorm:"type:text;comment:source locator" json:"source_url,omitempty"`
	SyncedAt            time.Time                   `gorm:"not null;comment:local sync time" json:"synced_at"`
	Fingerprint         string                      `gorm:"type:text;not null;comment:hash of mutable fields" json:"fingerprint"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}
