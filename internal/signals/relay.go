// Package signals fans out ephemeral reading room signals: emoji reactions and typing
// indicators. Nothing here is persisted.
package signals

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxEmojiLength = 16

var (
	// ErrInvalidReaction indicates a reaction with a bad page, anchor or emoji.
	ErrInvalidReaction    = errors.New("signals: invalid reaction")
	errMissingBroadcaster = errors.New("signals: broadcaster is required")
)

// RelayConfig describes the relay dependencies.
type RelayConfig struct {
	Broadcaster protocol.Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Relay broadcasts reactions and typing indicators.
type Relay struct {
	broadcaster protocol.Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

// Reaction is a reaction submitted by a connected user.
type Reaction struct {
	DocumentID  string
	Page        int
	AnchorIndex int
	Emoji       string
	UserID      string
	DisplayName string
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{broadcaster: cfg.Broadcaster, clock: clock, logger: logger}, nil
}

// React broadcasts the reaction to the whole room, sender included.
func (r *Relay) React(ctx context.Context, reaction Reaction) (protocol.Reaction, error) {
	emoji := strings.TrimSpace(reaction.Emoji)
	if reaction.Page < 1 || reaction.AnchorIndex < 0 || emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return protocol.Reaction{}, ErrInvalidReaction
	}
	id, err := uuid.NewRandom()
	if err != nil {
		r.logger.Error("reaction id generation failed", zap.Error(err))
		return protocol.Reaction{}, err
	}
	payload := protocol.Reaction{
		ID:              id.String(),
		UserID:          reaction.UserID,
		DisplayName:     reaction.DisplayName,
		Emoji:           emoji,
		Page:            reaction.Page,
		AnchorIndex:     reaction.AnchorIndex,
		ServerTimestamp: r.clock().UTC().UnixMilli(),
	}
	r.broadcaster.Broadcast(ctx, reaction.DocumentID, protocol.NewReaction(reaction.DocumentID, payload), "")
	return payload, nil
}

// TypingStarted tells the rest of the room that the sender is composing.
func (r *Relay) TypingStarted(ctx context.Context, documentID, displayName, connectionID string) {
	r.broadcaster.Broadcast(ctx, documentID, protocol.NewUserTyping(documentID, displayName), connectionID)
}

// TypingStopped tells the rest of the room that the sender stopped composing.
func (r *Relay) TypingStopped(ctx context.Context, documentID, displayName, connectionID string) {
	r.broadcaster.Broadcast(ctx, documentID, protocol.NewUserStoppedTyping(documentID, displayName), connectionID)
}
