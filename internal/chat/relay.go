package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/readingroom/internal/syncx"
	"github.com/MarcoPoloResearchLab/readingroom/internal/users"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
	DefaultMaxLength  = 2000
)

const (
	opRelayNew   = "chat.relay.new"
	opSend       = "chat.send"
	opEdit       = "chat.edit"
	outcomeLabel = "outcome"
)

var (
	// ErrInvalidMessage indicates an empty, oversized or misaddressed message.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrUnknownAuthor indicates the sender has no durable user record.
	ErrUnknownAuthor = errors.New("chat: unknown author")
	// ErrMessageNotFound indicates the edited message does not exist in the document.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrNotAuthor indicates a user tried to edit someone else's message.
	ErrNotAuthor = errors.New("chat: only the author may edit a message")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingProfiles    = errors.New("profile source is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
)

// RateLimitError rejects a send because the user exceeded the message budget.
type RateLimitError struct {
	Cooldown time.Duration
	Count    int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat: rate limit exceeded (%d messages), retry in %s", e.Count, e.Cooldown)
}

// ProfileSource resolves the durable display information of a user.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// RelayConfig describes the relay dependencies and limits.
type RelayConfig struct {
	Database    *gorm.DB
	Profiles    ProfileSource
	Broadcaster protocol.Broadcaster
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	Meter       metric.Meter
	RateLimit   int
	RateWindow  time.Duration
	MaxLength   int
}

// Relay validates, rate limits, persists and broadcasts chat messages.
type Relay struct {
	db          *gorm.DB
	profiles    ProfileSource
	broadcaster protocol.Broadcaster
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	rateLimit   int64
	rateWindow  time.Duration
	maxLength   int
	senders     syncx.KeyedMutex
	messages    metric.Int64Counter
}

// SendRequest is a message submitted by a connected user.
type SendRequest struct {
	DocumentID string
	Page       int
	UserID     string
	Text       string
}

// EditRequest replaces the text of an existing message.
type EditRequest struct {
	DocumentID string
	MessageID  string
	UserID     string
	Text       string
}

// NewRelay validates the dependencies and constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opRelayNew, "missing_database", errMissingDatabase)
	}
	if cfg.Profiles == nil {
		return nil, serviceerror.New(opRelayNew, "missing_profiles", errMissingProfiles)
	}
	if cfg.Broadcaster == nil {
		return nil, serviceerror.New(opRelayNew, "missing_broadcaster", errMissingBroadcaster)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	rateWindow := cfg.RateWindow
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("github.com/MarcoPoloResearchLab/readingroom/internal/chat")
	}
	messages, err := meter.Int64Counter(
		"readingroom.chat.messages",
		metric.WithDescription("Chat sends and edits by outcome"),
	)
	if err != nil {
		return nil, serviceerror.New(opRelayNew, "meter_failed", err)
	}
	return &Relay{
		db:          cfg.Database,
		profiles:    cfg.Profiles,
		broadcaster: cfg.Broadcaster,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		rateLimit:   int64(rateLimit),
		rateWindow:  rateWindow,
		maxLength:   maxLength,
		messages:    messages,
	}, nil
}

// Send persists the message and broadcasts it to the whole room. Nothing is broadcast
// unless the message was durably recorded.
func (r *Relay) Send(ctx context.Context, request SendRequest) (Message, error) {
	text, err := r.normalizeText(request.Text)
	if err != nil {
		r.record(ctx, opSend, "invalid")
		return Message{}, serviceerror.New(opSend, "invalid_text", err)
	}
	if request.DocumentID == "" || request.UserID == "" || request.Page < 1 {
		r.record(ctx, opSend, "invalid")
		return Message{}, serviceerror.New(opSend, "invalid_target", ErrInvalidMessage)
	}

	release := r.senders.Lock(request.UserID)
	defer release()

	now := r.clock().UTC()
	windowStart := now.Add(-r.rateWindow).UnixMilli()
	var recent int64
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("user_id = ? AND created_at_ms > ?", request.UserID, windowStart).
		Count(&recent).
		Error; err != nil {
		r.logError(opSend, "rate_count_failed", err, zap.String("user_id", request.UserID))
		r.record(ctx, opSend, "failed")
		return Message{}, serviceerror.New(opSend, "rate_count_failed", err)
	}
	if recent >= r.rateLimit {
		r.record(ctx, opSend, "rate_limited")
		return Message{}, &RateLimitError{Cooldown: r.rateWindow, Count: recent}
	}

	profile, err := r.profiles.Profile(ctx, request.UserID)
	if errors.Is(err, users.ErrUnknownUser) {
		r.record(ctx, opSend, "invalid")
		return Message{}, serviceerror.New(opSend, "unknown_author", ErrUnknownAuthor)
	}
	if err != nil {
		r.logError(opSend, "profile_lookup_failed", err, zap.String("user_id", request.UserID))
		r.record(ctx, opSend, "failed")
		return Message{}, serviceerror.New(opSend, "profile_lookup_failed", err)
	}

	messageID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opSend, "id_generation_failed", err)
		r.record(ctx, opSend, "failed")
		return Message{}, serviceerror.New(opSend, "id_generation_failed", err)
	}
	message := Message{
		MessageID:   messageID,
		DocumentID:  request.DocumentID,
		Page:        request.Page,
		UserID:      request.UserID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Text:        text,
		CreatedAtMs: now.UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Create(&message).Error; err != nil {
		r.logError(opSend, "persist_failed", err,
			zap.String("user_id", request.UserID),
			zap.String("document_id", request.DocumentID))
		r.record(ctx, opSend, "failed")
		return Message{}, serviceerror.New(opSend, "persist_failed", err)
	}

	r.broadcaster.Broadcast(ctx, request.DocumentID, protocol.NewChatMessage(request.DocumentID, message.Outbound()), "")
	r.record(ctx, opSend, "delivered")
	return message, nil
}

// Edit replaces the text of a message written by the same user and broadcasts the
// edited message to the room.
func (r *Relay) Edit(ctx context.Context, request EditRequest) (Message, error) {
	text, err := r.normalizeText(request.Text)
	if err != nil {
		r.record(ctx, opEdit, "invalid")
		return Message{}, serviceerror.New(opEdit, "invalid_text", err)
	}

	var message Message
	err = r.db.WithContext(ctx).
		Where("message_id = ? AND document_id = ?", request.MessageID, request.DocumentID).
		Take(&message).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.record(ctx, opEdit, "invalid")
		return Message{}, serviceerror.New(opEdit, "not_found", ErrMessageNotFound)
	}
	if err != nil {
		r.logError(opEdit, "message_select_failed", err, zap.String("message_id", request.MessageID))
		r.record(ctx, opEdit, "failed")
		return Message{}, serviceerror.New(opEdit, "message_select_failed", err)
	}
	if message.UserID != request.UserID {
		r.record(ctx, opEdit, "invalid")
		return Message{}, serviceerror.New(opEdit, "not_author", ErrNotAuthor)
	}

	editedAt := r.clock().UTC().UnixMilli()
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("message_id = ?", message.MessageID).
		Updates(map[string]interface{}{
			"text":         text,
			"edited":       true,
			"edited_at_ms": editedAt,
		}).
		Error; err != nil {
		r.logError(opEdit, "persist_failed", err, zap.String("message_id", request.MessageID))
		r.record(ctx, opEdit, "failed")
		return Message{}, serviceerror.New(opEdit, "persist_failed", err)
	}
	message.Text = text
	message.Edited = true
	message.EditedAtMs = &editedAt

	r.broadcaster.Broadcast(ctx, request.DocumentID, protocol.NewMessageEdited(request.DocumentID, message.Outbound()), "")
	r.record(ctx, opEdit, "delivered")
	return message, nil
}

func (r *Relay) normalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > r.maxLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, r.maxLength)
	}
	return text, nil
}

func (r *Relay) record(ctx context.Context, operation, outcome string) {
	r.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String(outcomeLabel, outcome),
	))
}

func (r *Relay) logError(operation, reason string, err error, fields ...zap.Field) {
	if r.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)
	allFields = append(allFields, zap.Error(err))
	r.logger.Error("chat relay operation failed", allFields...)
}
