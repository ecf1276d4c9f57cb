// Package chat relays page-scoped chat messages: it rate limits, persists and then
// broadcasts them to the document's room.
package chat

import (
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/google/uuid"
)

// Message is a persisted chat message. Author fields are a snapshot of the durable user
// record at write time.
type Message struct {
	MessageID   string `gorm:"column:message_id;primaryKey;size:64"`
	DocumentID  string `gorm:"column:document_id;size:190;not null;index:idx_chat_document_page,priority:1"`
	Page        int    `gorm:"column:page;not null;index:idx_chat_document_page,priority:2"`
	UserID      string `gorm:"column:user_id;size:190;not null;index:idx_chat_user_created,priority:1"`
	DisplayName string `gorm:"column:display_name;size:320"`
	AvatarURL   string `gorm:"column:avatar_url;size:512"`
	Text        string `gorm:"column:text;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_chat_user_created,priority:2"`
	Edited      bool   `gorm:"column:edited;not null;default:false"`
	EditedAtMs  *int64 `gorm:"column:edited_at_ms"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}

// CreatedAt converts the stored millisecond timestamp.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMs).UTC()
}

// Outbound converts the message into its broadcast payload.
func (m Message) Outbound() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:              m.MessageID,
		UserID:          m.UserID,
		DisplayName:     m.DisplayName,
		AvatarURL:       m.AvatarURL,
		Text:            m.Text,
		Page:            m.Page,
		ServerTimestamp: m.CreatedAtMs,
		Edited:          m.Edited,
	}
}

// IDProvider issues durable message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
