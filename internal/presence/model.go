// Package presence tracks which page each reader is on, keeps the per-page rosters and
// reconciles the durable presence records.
package presence

import (
	"errors"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPage indicates a page number below one.
	ErrInvalidPage = errors.New("presence: page must be >= 1")
	// ErrInvalidIdentifier indicates an empty or oversized user or document identifier.
	ErrInvalidIdentifier = errors.New("presence: invalid identifier")
	// ErrRecordNotFound indicates no durable record exists for the key.
	ErrRecordNotFound = errors.New("presence: record not found")
)

// Record is the durable "who is where" fact for one user in one document.
type Record struct {
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DocumentID   string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Page         int    `gorm:"column:page;not null"`
	LastSeenAtMs int64  `gorm:"column:last_seen_at_ms;not null;index:idx_presence_last_seen"`
}

// TableName exposes the table backing presence records.
func (Record) TableName() string {
	return "presence_records"
}

// LastSeenAt converts the stored millisecond timestamp.
func (r Record) LastSeenAt() time.Time {
	return time.UnixMilli(r.LastSeenAtMs).UTC()
}

// Position is the in-memory location of a user within a document.
type Position struct {
	Page       int
	LastSeenAt time.Time
}

// Update is a request to move a user to a page.
type Update struct {
	DocumentID  string
	UserID      string
	DisplayName string
	AvatarURL   string
	Page        int
}

func (u Update) validate() error {
	if err := validateIdentifier(u.DocumentID); err != nil {
		return err
	}
	if err := validateIdentifier(u.UserID); err != nil {
		return err
	}
	if u.Page < 1 {
		return ErrInvalidPage
	}
	return nil
}

func validateIdentifier(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > maxIdentifierLength || trimmed != value {
		return ErrInvalidIdentifier
	}
	return nil
}

type positionKey struct {
	documentID string
	userID     string
}

func (k positionKey) String() string {
	return k.documentID + "\x00" + k.userID
}
