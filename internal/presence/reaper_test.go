package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperSweepRemovesOnlyStaleRecords(t *testing.T) {
	store, err := NewGormStore(openTestDatabase(t))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, Record{UserID: "stale", DocumentID: "doc", Page: 4, LastSeenAtMs: now.Add(-46 * time.Second).UnixMilli()}))
	require.NoError(t, store.Upsert(ctx, Record{UserID: "fresh", DocumentID: "doc", Page: 4, LastSeenAtMs: now.Add(-10 * time.Second).UnixMilli()}))

	reaper, err := NewReaper(ReaperConfig{Store: store, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	removed, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.Find(ctx, "stale", "doc")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = store.Find(ctx, "fresh", "doc")
	assert.NoError(t, err)
}

func TestReaperStartSweepsUntilStopped(t *testing.T) {
	store, err := NewGormStore(openTestDatabase(t))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, Record{UserID: "stale", DocumentID: "doc", Page: 1, LastSeenAtMs: now.Add(-time.Hour).UnixMilli()}))

	reaper, err := NewReaper(ReaperConfig{Store: store, Interval: 10 * time.Millisecond, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := store.Find(ctx, "stale", "doc")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	reaper.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaperSweepPropagatesStoreFailure(t *testing.T) {
	reaper, err := NewReaper(ReaperConfig{Store: &failingStore{}})
	require.NoError(t, err)

	_, err = reaper.Sweep(context.Background())
	assert.ErrorIs(t, err, errStoreUnavailable)
}
