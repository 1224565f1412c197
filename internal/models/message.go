package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorAdmin    AuthorType = "admin"
	AuthorBot      AuthorType = "bot"
)

type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

type Message struct {
	ID             string                          `gorm:"primaryKey;type:text;comment:remote part id" json:"id"`
	ConversationID string                          `gorm:"type:text;not null;index;comment:parent conversation id" json:"conversation_id"`
	CreatedAt      time.Time                       `gorm:"not null;index;autoCreateTime:false;comment:remote creation time" json:"created_at"`
	AuthorType     AuthorType                      `gorm:"type:text;not null;index;comment:customer|admin|bot" json:"author_type"`
	AuthorID       *string                         `gorm:"type:text;comment:author id" json:"author_id,omitempty"`
	AuthorName     *string                         `gorm:"type:text;comment:author name" json:"author_name,omitempty"`
	AuthorEmail    *string                         `gorm:"type:text;comment:author email" json:"author_email,omitempty"`
	PartType       string                          `gorm:"type:text;not null;default:'comment';comment:source|comment|note|..." json:"part_type"`
	Body           string                          `gorm:"type:text;not null;comment:full message body" json:"body"`
	Attachments    datatypes.JSONSlice[Attachment] `gorm:"comment:ordered attachment metadata" json:"attachments"`
}

func (Message) TableName() string {
	return "messages"
}
