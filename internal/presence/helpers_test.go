package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Record{}))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type sentEvent struct {
	documentID string
	event      protocol.Outbound
	exclude    string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, documentID string, event protocol.Outbound, excludeConnectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{documentID: documentID, event: event, exclude: excludeConnectionID})
}

func (b *recordingBroadcaster) presenceUpdates() []protocol.PagePresence {
	b.mu.Lock()
	defer b.mu.Unlock()
	updates := make([]protocol.PagePresence, 0, len(b.events))
	for _, sent := range b.events {
		if presence, ok := sent.event.Data.(protocol.PagePresence); ok && sent.event.Type == protocol.OutboundPagePresenceUpdated {
			updates = append(updates, presence)
		}
	}
	return updates
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

var errStoreUnavailable = errors.New("store unavailable")

func (s *failingStore) Upsert(context.Context, Record) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return errStoreUnavailable
}

func (s *failingStore) Delete(context.Context, string, string) error {
	return errStoreUnavailable
}

func (s *failingStore) DeleteOlderThan(context.Context, int64) (int64, error) {
	return 0, errStoreUnavailable
}

func userIDs(readers []protocol.Reader) []string {
	ids := make([]string, 0, len(readers))
	for _, reader := range readers {
		ids = append(ids, reader.UserID)
	}
	return ids
}
