package protocol

import (
	"context"
	"time"
)

// OutboundType names an outbound event.
type OutboundType string

const (
	OutboundMemberJoined        OutboundType = "memberJoined"
	OutboundMemberLeft          OutboundType = "memberLeft"
	OutboundPagePresenceUpdated OutboundType = "pagePresenceUpdated"
	OutboundNewMessage          OutboundType = "newMessage"
	OutboundMessageEdited       OutboundType = "messageEdited"
	OutboundNewReaction         OutboundType = "newReaction"
	OutboundUserTyping          OutboundType = "userTyping"
	OutboundUserStoppedTyping   OutboundType = "userStoppedTyping"
	OutboundRateLimitExceeded   OutboundType = "rateLimitExceeded"
	OutboundMessageError        OutboundType = "messageError"
	OutboundEventRejected       OutboundType = "eventRejected"
	OutboundPageReaders         OutboundType = "pageReaders"
)

// Outbound is a single frame delivered to a connection.
type Outbound struct {
	Type       OutboundType `json:"type"`
	DocumentID string       `json:"documentId,omitempty"`
	Data       any          `json:"data"`
}

// Broadcaster fans an outbound event out to every connection in a document's room,
// skipping excludeConnectionID when it is set.
type Broadcaster interface {
	Broadcast(ctx context.Context, documentID string, event Outbound, excludeConnectionID string)
}

// Reader is one user listed on a page roster.
type Reader struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// PagePresence is the full roster of a page.
type PagePresence struct {
	Page    int      `json:"page"`
	Readers []Reader `json:"readers"`
	Count   int      `json:"count"`
}

// NewPagePresence builds a roster payload, never encoding readers as null.
func NewPagePresence(page int, readers []Reader) PagePresence {
	if readers == nil {
		readers = []Reader{}
	}
	return PagePresence{Page: page, Readers: readers, Count: len(readers)}
}

type MemberJoined struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MemberLeft struct {
	UserID   string `json:"userId"`
	LastPage int    `json:"lastPage"`
}

// ChatMessage is the broadcast form of a persisted chat message.
type ChatMessage struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	Text            string `json:"text"`
	Page            int    `json:"page"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Edited          bool   `json:"edited"`
}

type Reaction struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName"`
	Emoji           string `json:"emoji"`
	Page            int    `json:"page"`
	AnchorIndex     int    `json:"anchorIndex"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type Typing struct {
	DisplayName string `json:"displayName"`
}

type RateLimitExceeded struct {
	Message         string `json:"message"`
	CooldownSeconds int    `json:"cooldownSeconds"`
}

type Notice struct {
	Message string `json:"message"`
}

func NewMemberJoined(documentID string, member MemberJoined) Outbound {
	return Outbound{Type: OutboundMemberJoined, DocumentID: documentID, Data: member}
}

func NewMemberLeft(documentID, userID string, lastPage int) Outbound {
	return Outbound{Type: OutboundMemberLeft, DocumentID: documentID, Data: MemberLeft{UserID: userID, LastPage: lastPage}}
}

func NewPagePresenceUpdated(documentID string, presence PagePresence) Outbound {
	return Outbound{Type: OutboundPagePresenceUpdated, DocumentID: documentID, Data: presence}
}

func NewPageReaders(documentID string, presence PagePresence) Outbound {
	return Outbound{Type: OutboundPageReaders, DocumentID: documentID, Data: presence}
}

func NewChatMessage(documentID string, message ChatMessage) Outbound {
	return Outbound{Type: OutboundNewMessage, DocumentID: documentID, Data: message}
}

func NewMessageEdited(documentID string, message ChatMessage) Outbound {
	return Outbound{Type: OutboundMessageEdited, DocumentID: documentID, Data: message}
}

func NewReaction(documentID string, reaction Reaction) Outbound {
	return Outbound{Type: OutboundNewReaction, DocumentID: documentID, Data: reaction}
}

func NewUserTyping(documentID, displayName string) Outbound {
	return Outbound{Type: OutboundUserTyping, DocumentID: documentID, Data: Typing{DisplayName: displayName}}
}

func NewUserStoppedTyping(documentID, displayName string) Outbound {
	return Outbound{Type: OutboundUserStoppedTyping, DocumentID: documentID, Data: Typing{DisplayName: displayName}}
}

func NewRateLimitExceeded(documentID string, cooldown time.Duration) Outbound {
	return Outbound{
		Type:       OutboundRateLimitExceeded,
		DocumentID: documentID,
		Data: RateLimitExceeded{
			Message:         "You are sending messages too quickly. Please wait before sending again.",
			CooldownSeconds: int(cooldown.Round(time.Second) / time.Second),
		},
	}
}

func NewMessageError(documentID, message string) Outbound {
	return Outbound{Type: OutboundMessageError, DocumentID: documentID, Data: Notice{Message: message}}
}

func NewEventRejected(documentID, message string) Outbound {
	return Outbound{Type: OutboundEventRejected, DocumentID: documentID, Data: Notice{Message: message}}
}
