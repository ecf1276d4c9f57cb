package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/auth"
	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/readingroom/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sentEvent struct {
	documentID string
	event      protocol.Outbound
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, documentID string, event protocol.Outbound, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{documentID: documentID, event: event})
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *recordingBroadcaster) last() sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

type relayHarness struct {
	relay       *Relay
	db          *gorm.DB
	broadcaster *recordingBroadcaster
	now         time.Time
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Message{}, &users.Identity{}))

	identities, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	for _, claims := range []auth.SessionClaims{
		{UserID: "google:ada", UserDisplayName: "Ada Lovelace", UserAvatarURL: "https://example.com/ada.png"},
		{UserID: "google:bob", UserDisplayName: "Bob"},
	} {
		_, err := identities.ResolveCanonicalUserID(context.Background(), claims)
		require.NoError(t, err)
	}

	h := &relayHarness{
		db:          db,
		broadcaster: &recordingBroadcaster{},
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	relay, err := NewRelay(RelayConfig{
		Database:    db,
		Profiles:    identities,
		Broadcaster: h.broadcaster,
		Clock:       func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.relay = relay
	return h
}

func (h *relayHarness) persistedCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&Message{}).Count(&count).Error)
	return count
}

func TestRelaySendDerivesAuthorFromIdentity(t *testing.T) {
	h := newRelayHarness(t)

	message, err := h.relay.Send(context.Background(), SendRequest{DocumentID: "deep-work", Page: 3, UserID: "ada", Text: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", message.Text)
	assert.Equal(t, "Ada Lovelace", message.DisplayName)
	assert.Equal(t, "https://example.com/ada.png", message.AvatarURL)
	assert.NotEmpty(t, message.MessageID)

	require.Equal(t, 1, h.broadcaster.count())
	sent := h.broadcaster.last()
	assert.Equal(t, "deep-work", sent.documentID)
	assert.Equal(t, protocol.OutboundNewMessage, sent.event.Type)
	payload, ok := sent.event.Data.(protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, message.MessageID, payload.ID)
	assert.Equal(t, h.now.UnixMilli(), payload.ServerTimestamp)
	assert.False(t, payload.Edited)
}

func TestRelayRateLimitRollsWithWindow(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()
	start := h.now

	for i := 0; i < 10; i++ {
		h.now = start.Add(time.Duration(i) * 5 * time.Second)
		_, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "msg"})
		require.NoError(t, err, "message %d", i)
	}

	h.now = start.Add(59 * time.Second)
	_, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "one too many"})
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 60*time.Second, rateErr.Cooldown)
	assert.Equal(t, int64(10), h.persistedCount(t))
	assert.Equal(t, 10, h.broadcaster.count())

	h.now = start.Add(61 * time.Second)
	_, err = h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "back again"})
	require.NoError(t, err)
	assert.Equal(t, int64(11), h.persistedCount(t))
}

func TestRelayRateLimitIsPerUser(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "msg"})
		require.NoError(t, err)
	}

	_, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "bob", Text: "my turn"})
	assert.NoError(t, err)
}

func TestRelayPersistFailureSkipsBroadcast(t *testing.T) {
	h := newRelayHarness(t)
	errInjected := errors.New("disk full")
	require.NoError(t, h.db.Callback().Create().Before("gorm:create").Register("test:fail_chat_insert", func(tx *gorm.DB) {
		if tx.Statement.Table == "chat_messages" {
			_ = tx.AddError(errInjected)
		}
	}))

	_, err := h.relay.Send(context.Background(), SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "lost"})
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, "chat.send.persist_failed", serviceerror.CodeOf(err))
	assert.Equal(t, 0, h.broadcaster.count())
}

func TestRelayRejectsUnknownAuthorAndInvalidText(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	_, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "mallory", Text: "hi"})
	assert.ErrorIs(t, err, ErrUnknownAuthor)

	_, err = h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	long := make([]rune, DefaultMaxLength+1)
	for i := range long {
		long[i] = 'é'
	}
	_, err = h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 1, UserID: "ada", Text: string(long)})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 0, UserID: "ada", Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Equal(t, int64(0), h.persistedCount(t))
	assert.Equal(t, 0, h.broadcaster.count())
}

func TestRelayEditIsAuthorOnly(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()
	original, err := h.relay.Send(ctx, SendRequest{DocumentID: "doc", Page: 2, UserID: "ada", Text: "helo"})
	require.NoError(t, err)

	_, err = h.relay.Edit(ctx, EditRequest{DocumentID: "doc", MessageID: original.MessageID, UserID: "bob", Text: "hijacked"})
	assert.ErrorIs(t, err, ErrNotAuthor)

	_, err = h.relay.Edit(ctx, EditRequest{DocumentID: "other-doc", MessageID: original.MessageID, UserID: "ada", Text: "hello"})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	h.now = h.now.Add(time.Minute)
	edited, err := h.relay.Edit(ctx, EditRequest{DocumentID: "doc", MessageID: original.MessageID, UserID: "ada", Text: "hello"})
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, original.CreatedAtMs, edited.CreatedAtMs)

	var stored Message
	require.NoError(t, h.db.Where("message_id = ?", original.MessageID).Take(&stored).Error)
	assert.Equal(t, "hello", stored.Text)
	assert.True(t, stored.Edited)
	require.NotNil(t, stored.EditedAtMs)
	assert.Equal(t, h.now.UnixMilli(), *stored.EditedAtMs)

	sent := h.broadcaster.last()
	assert.Equal(t, protocol.OutboundMessageEdited, sent.event.Type)
}
