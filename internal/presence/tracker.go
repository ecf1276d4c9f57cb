package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/readingroom/internal/syncx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opTrackerNew     = "presence.tracker.new"
	opUpdatePosition = "presence.update_position"
	opEvict          = "presence.evict"
	opReaders        = "presence.readers"
)

var (
	errMissingRoster      = errors.New("roster is required")
	errMissingWriter      = errors.New("write queue is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
)

// Writer schedules durable presence writes.
type Writer interface {
	EnqueueUpsert(record Record) bool
	EnqueueDelete(userID, documentID string) bool
}

// TrackerConfig describes the tracker dependencies.
type TrackerConfig struct {
	Roster      Roster
	Writer      Writer
	Broadcaster protocol.Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger

	// Instance identifies this process to a shared Roster. Defaults to a random id.
	Instance string
}

// Tracker owns the in-memory positions of every connected reader.
type Tracker struct {
	roster      Roster
	writer      Writer
	broadcaster protocol.Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
	instance    string

	locks     syncx.KeyedMutex
	mu        sync.RWMutex
	positions map[positionKey]Position
}

// NewTracker validates the dependencies and constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Roster == nil {
		return nil, serviceerror.New(opTrackerNew, "missing_roster", errMissingRoster)
	}
	if cfg.Writer == nil {
		return nil, serviceerror.New(opTrackerNew, "missing_writer", errMissingWriter)
	}
	if cfg.Broadcaster == nil {
		return nil, serviceerror.New(opTrackerNew, "missing_broadcaster", errMissingBroadcaster)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instance := cfg.Instance
	if instance == "" {
		instance = uuid.NewString()
	}
	return &Tracker{
		roster:      cfg.Roster,
		writer:      cfg.Writer,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
		instance:    instance,
		positions:   make(map[positionKey]Position),
	}, nil
}

// UpdatePosition moves the user to the requested page, schedules the durable upsert and
// broadcasts the roster of every page whose membership changed.
func (t *Tracker) UpdatePosition(ctx context.Context, update Update) (Position, error) {
	if err := update.validate(); err != nil {
		return Position{}, serviceerror.New(opUpdatePosition, "invalid_update", err)
	}
	key := positionKey{documentID: update.DocumentID, userID: update.UserID}
	release := t.locks.Lock(key.String())
	defer release()

	previous, hadPrevious := t.position(key)
	lastSeen := t.clock().UTC()
	if hadPrevious && previous.LastSeenAt.After(lastSeen) {
		lastSeen = previous.LastSeenAt
	}

	reader := protocol.Reader{UserID: update.UserID, DisplayName: update.DisplayName, AvatarURL: update.AvatarURL}
	previousPage, err := t.roster.Place(ctx, update.DocumentID, update.Page, reader, t.instance)
	if err != nil {
		t.logError(opUpdatePosition, "roster_place_failed", err,
			zap.String("document_id", update.DocumentID),
			zap.String("user_id", update.UserID))
		return Position{}, serviceerror.New(opUpdatePosition, "roster_place_failed", err)
	}
	pageChanged := previousPage != 0 && previousPage != update.Page

	current := Position{Page: update.Page, LastSeenAt: lastSeen}
	t.mu.Lock()
	t.positions[key] = current
	t.mu.Unlock()

	t.writer.EnqueueUpsert(Record{
		UserID:       update.UserID,
		DocumentID:   update.DocumentID,
		Page:         update.Page,
		LastSeenAtMs: lastSeen.UnixMilli(),
	})

	t.broadcastPage(ctx, update.DocumentID, update.Page)
	if pageChanged {
		t.broadcastPage(ctx, update.DocumentID, previousPage)
	}
	return current, nil
}

// Evict releases this process's hold on the user and broadcasts the page they left.
// The durable record is left for the reaper. keep, when set, is evaluated under the
// user's lock and cancels the eviction by returning true. Evict returns the last page
// and whether the user has left the roster; a user still held by keep or by another
// process has not.
func (t *Tracker) Evict(ctx context.Context, documentID, userID string, keep func() bool) (int, bool) {
	key := positionKey{documentID: documentID, userID: userID}
	release := t.locks.Lock(key.String())
	defer release()

	if keep != nil && keep() {
		return 0, false
	}

	t.mu.Lock()
	local, hadLocal := t.positions[key]
	delete(t.positions, key)
	t.mu.Unlock()

	page, left, err := t.roster.Release(ctx, documentID, userID, t.instance)
	if err != nil {
		t.logError(opEvict, "roster_release_failed", err,
			zap.String("document_id", documentID),
			zap.String("user_id", userID))
		left = true
	}
	if page == 0 && hadLocal {
		page = local.Page
	}
	if left && page != 0 {
		t.broadcastPage(ctx, documentID, page)
	}
	return page, left
}

// Forget schedules deletion of the durable record.
func (t *Tracker) Forget(_ context.Context, documentID, userID string) {
	t.writer.EnqueueDelete(userID, documentID)
}

// Readers returns the current roster of one page.
func (t *Tracker) Readers(ctx context.Context, documentID string, page int) (protocol.PagePresence, error) {
	if page < 1 {
		return protocol.PagePresence{}, serviceerror.New(opReaders, "invalid_page", ErrInvalidPage)
	}
	readers, err := t.roster.Readers(ctx, documentID, page)
	if err != nil {
		t.logError(opReaders, "roster_read_failed", err, zap.String("document_id", documentID), zap.Int("page", page))
		return protocol.PagePresence{}, serviceerror.New(opReaders, "roster_read_failed", err)
	}
	return protocol.NewPagePresence(page, readers), nil
}

// Position reports the in-memory position of the user in the document.
func (t *Tracker) Position(documentID, userID string) (Position, bool) {
	return t.position(positionKey{documentID: documentID, userID: userID})
}

func (t *Tracker) position(key positionKey) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	position, ok := t.positions[key]
	return position, ok
}

func (t *Tracker) broadcastPage(ctx context.Context, documentID string, page int) {
	presence, err := t.Readers(ctx, documentID, page)
	if err != nil {
		return
	}
	t.broadcaster.Broadcast(ctx, documentID, protocol.NewPagePresenceUpdated(documentID, presence), "")
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	if t.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)
	allFields = append(allFields, zap.Error(err))
	t.logger.Error("presence tracker operation failed", allFields...)
}
