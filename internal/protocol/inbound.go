// Package protocol defines the typed inbound and outbound reading room events exchanged
// over the realtime transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EventType names an inbound event.
type EventType string

const (
	EventJoin             EventType = "join"
	EventUpdatePosition   EventType = "updatePosition"
	EventSendMessage      EventType = "sendMessage"
	EventEditMessage      EventType = "editMessage"
	EventSendReaction     EventType = "sendReaction"
	EventTypingStart      EventType = "typingStart"
	EventTypingStop       EventType = "typingStop"
	EventQueryPageReaders EventType = "queryPageReaders"
	EventLeave            EventType = "leave"
)

var (
	// ErrInvalidEvent reports a malformed or incomplete inbound event.
	ErrInvalidEvent = errors.New("protocol: invalid event")
	// ErrUnknownEvent reports an inbound event type the server does not handle.
	ErrUnknownEvent = errors.New("protocol: unknown event type")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// InboundEvent is implemented by every typed inbound event.
type InboundEvent interface {
	Type() EventType
	Document() string
	normalize()
}

// UserScoped is implemented by events that carry a client-declared user id.
type UserScoped interface {
	DeclaredUserID() string
}

// JoinEvent registers the connection in a document's room.
type JoinEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	UserID      string `json:"userId" validate:"required,max=190"`
	DisplayName string `json:"displayName" validate:"max=320"`
	AvatarURL   string `json:"avatarUrl" validate:"max=512"`
}

func (e *JoinEvent) Type() EventType        { return EventJoin }
func (e *JoinEvent) Document() string       { return e.DocumentID }
func (e *JoinEvent) DeclaredUserID() string { return e.UserID }
func (e *JoinEvent) normalize() {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.DisplayName = strings.TrimSpace(e.DisplayName)
	e.AvatarURL = strings.TrimSpace(e.AvatarURL)
}

// UpdatePositionEvent announces the page the user is currently reading.
// Seq is optional; when non-zero it must increase per connection.
type UpdatePositionEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	Page        int    `json:"page" validate:"gte=1"`
	UserID      string `json:"userId" validate:"required,max=190"`
	DisplayName string `json:"displayName" validate:"max=320"`
	AvatarURL   string `json:"avatarUrl" validate:"max=512"`
	Seq         uint64 `json:"seq"`
}

func (e *UpdatePositionEvent) Type() EventType        { return EventUpdatePosition }
func (e *UpdatePositionEvent) Document() string       { return e.DocumentID }
func (e *UpdatePositionEvent) DeclaredUserID() string { return e.UserID }
func (e *UpdatePositionEvent) normalize() {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.DisplayName = strings.TrimSpace(e.DisplayName)
	e.AvatarURL = strings.TrimSpace(e.AvatarURL)
}

// SendMessageEvent posts a page-scoped chat message. Display fields are ignored by the
// server; authorship is resolved from the durable user record.
type SendMessageEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	Page        int    `json:"page" validate:"gte=1"`
	Text        string `json:"text" validate:"required"`
	UserID      string `json:"userId" validate:"required,max=190"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

func (e *SendMessageEvent) Type() EventType        { return EventSendMessage }
func (e *SendMessageEvent) Document() string       { return e.DocumentID }
func (e *SendMessageEvent) DeclaredUserID() string { return e.UserID }
func (e *SendMessageEvent) normalize() {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.Text = strings.TrimSpace(e.Text)
}

// EditMessageEvent replaces the text of a message authored by the sender.
type EditMessageEvent struct {
	DocumentID string `json:"documentId" validate:"required,max=190"`
	MessageID  string `json:"messageId" validate:"required,max=64"`
	Text       string `json:"text" validate:"required"`
}

func (e *EditMessageEvent) Type() EventType  { return EventEditMessage }
func (e *EditMessageEvent) Document() string { return e.DocumentID }
func (e *EditMessageEvent) normalize() {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.MessageID = strings.TrimSpace(e.MessageID)
	e.Text = strings.TrimSpace(e.Text)
}

// SendReactionEvent attaches an ephemeral emoji reaction to an anchor on a page.
type SendReactionEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	Page        int    `json:"page" validate:"gte=1"`
	AnchorIndex int    `json:"anchorIndex" validate:"gte=0"`
	Emoji       string `json:"emoji" validate:"required,max=16"`
	UserID      string `json:"userId" validate:"required,max=190"`
	DisplayName string `json:"displayName"`
}

func (e *SendReactionEvent) Type() EventType        { return EventSendReaction }
func (e *SendReactionEvent) Document() string       { return e.DocumentID }
func (e *SendReactionEvent) DeclaredUserID() string { return e.UserID }
func (e *SendReactionEvent) normalize() {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.Emoji = strings.TrimSpace(e.Emoji)
}

// TypingStartEvent signals that the sender started composing a message.
type TypingStartEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	DisplayName string `json:"displayName"`
}

func (e *TypingStartEvent) Type() EventType  { return EventTypingStart }
func (e *TypingStartEvent) Document() string { return e.DocumentID }
func (e *TypingStartEvent) normalize()       { e.DocumentID = strings.TrimSpace(e.DocumentID) }

// TypingStopEvent signals that the sender stopped composing.
type TypingStopEvent struct {
	DocumentID  string `json:"documentId" validate:"required,max=190"`
	DisplayName string `json:"displayName"`
}

func (e *TypingStopEvent) Type() EventType  { return EventTypingStop }
func (e *TypingStopEvent) Document() string { return e.DocumentID }
func (e *TypingStopEvent) normalize()       { e.DocumentID = strings.TrimSpace(e.DocumentID) }

// QueryPageReadersEvent asks for the current roster of one page.
type QueryPageReadersEvent struct {
	DocumentID string `json:"documentId" validate:"required,max=190"`
	Page       int    `json:"page" validate:"gte=1"`
}

func (e *QueryPageReadersEvent) Type() EventType  { return EventQueryPageReaders }
func (e *QueryPageReadersEvent) Document() string { return e.DocumentID }
func (e *QueryPageReadersEvent) normalize()       { e.DocumentID = strings.TrimSpace(e.DocumentID) }

// LeaveEvent explicitly leaves the room and clears the durable presence record.
type LeaveEvent struct {
	DocumentID string `json:"documentId" validate:"required,max=190"`
}

func (e *LeaveEvent) Type() EventType  { return EventLeave }
func (e *LeaveEvent) Document() string { return e.DocumentID }
func (e *LeaveEvent) normalize()       { e.DocumentID = strings.TrimSpace(e.DocumentID) }

type inboundEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeInbound parses a raw frame into its typed event and validates it.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	event, err := newInboundEvent(envelope.Type)
	if err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, fmt.Errorf("%w: %s: missing data", ErrInvalidEvent, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Data, event); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, envelope.Type, err)
	}
	if err := Validate(event); err != nil {
		return nil, err
	}
	return event, nil
}

// Validate normalizes the event in place and checks its field constraints.
func Validate(event InboundEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	event.normalize()
	if err := validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, event.Type(), describeValidation(err))
	}
	return nil
}

func newInboundEvent(eventType EventType) (InboundEvent, error) {
	switch eventType {
	case EventJoin:
		return &JoinEvent{}, nil
	case EventUpdatePosition:
		return &UpdatePositionEvent{}, nil
	case EventSendMessage:
		return &SendMessageEvent{}, nil
	case EventEditMessage:
		return &EditMessageEvent{}, nil
	case EventSendReaction:
		return &SendReactionEvent{}, nil
	case EventTypingStart:
		return &TypingStartEvent{}, nil
	case EventTypingStop:
		return &TypingStopEvent{}, nil
	case EventQueryPageReaders:
		return &QueryPageReadersEvent{}, nil
	case EventLeave:
		return &LeaveEvent{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
}

func describeValidation(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return strings.Join(parts, ", ")
}
