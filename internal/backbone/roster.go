package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// DefaultRosterBucket names the KV bucket holding page rosters.
const DefaultRosterBucket = "READINGROOM_ROSTER"

const (
	defaultWriteAttempts = 8
	defaultWriteDelay    = 5 * time.Millisecond
)

// RosterConfig wires a KVRoster.
type RosterConfig struct {
	JetStream nats.JetStreamContext
	Bucket    string
	Clock     func() time.Time
	Logger    *zap.Logger

	// WriteAttempts bounds the retries of a revision-checked write that lost a race.
	WriteAttempts uint64
}

// KVRoster keeps page rosters in a JetStream KV bucket shared by every instance.
// Each reader of a document has exactly one key, "{document}.{user}" with both parts
// base64url encoded, whose value carries the reader's page. Writes are compare-and-swap
// on the key revision.
type KVRoster struct {
	kv       nats.KeyValue
	now      func() time.Time
	logger   *zap.Logger
	attempts uint64
}

type rosterEntry struct {
	Reader   protocol.Reader `json:"reader"`
	Page     int             `json:"page"`
	JoinedAt int64           `json:"joinedAt"`
	Holders  []string        `json:"holders"`
}

// NewKVRoster binds the bucket, creating it in memory storage when it does not exist.
func NewKVRoster(cfg RosterConfig) (*KVRoster, error) {
	if cfg.JetStream == nil {
		return nil, errors.New("backbone: jetstream context required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultRosterBucket
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.WriteAttempts
	if attempts == 0 {
		attempts = defaultWriteAttempts
	}

	kv, err := cfg.JetStream.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = cfg.JetStream.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("backbone: bind roster bucket %s: %w", bucket, err)
	}
	logger.Info("bound roster bucket", zap.String("bucket", bucket))
	return &KVRoster{kv: kv, now: clock, logger: logger, attempts: attempts}, nil
}

// Place moves the reader's entry to page and returns the page it held before.
func (r *KVRoster) Place(ctx context.Context, documentID string, page int, reader protocol.Reader, holder string) (int, error) {
	var previous int
	err := r.mutate(ctx, rosterKey(documentID, reader.UserID), func(current *rosterEntry) *rosterEntry {
		next, previousPage := placeEntry(current, page, reader, holder, r.now().UnixNano())
		previous = previousPage
		return &next
	})
	if err != nil {
		return 0, err
	}
	return previous, nil
}

// Release drops holder from the reader's entry and deletes the entry once no holder is
// left.
func (r *KVRoster) Release(ctx context.Context, documentID, userID, holder string) (int, bool, error) {
	var (
		page int
		left bool
	)
	err := r.mutate(ctx, rosterKey(documentID, userID), func(current *rosterEntry) *rosterEntry {
		page, left = 0, true
		if current == nil {
			return nil
		}
		page = current.Page
		next := releaseEntry(current, holder)
		left = next == nil
		return next
	})
	if err != nil {
		return 0, false, err
	}
	return page, left, nil
}

// Readers reads the document's entries straight from the KV store and returns those on
// page, ordered by the time they arrived there.
func (r *KVRoster) Readers(ctx context.Context, documentID string, page int) ([]protocol.Reader, error) {
	watcher, err := r.kv.Watch(encodeToken(documentID)+".*", nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	defer func() { _ = watcher.Stop() }()

	entries := make([]rosterEntry, 0)
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		_, userID, err := parseRosterKey(entry.Key())
		if err != nil {
			r.logger.Warn("skipping malformed roster key", zap.String("key", entry.Key()), zap.Error(err))
			continue
		}
		var decoded rosterEntry
		if err := json.Unmarshal(entry.Value(), &decoded); err != nil || decoded.Reader.UserID != userID {
			r.logger.Warn("skipping malformed roster entry", zap.String("key", entry.Key()), zap.Error(err))
			continue
		}
		if decoded.Page == page {
			entries = append(entries, decoded)
		}
	}
	return orderedReaders(entries), nil
}

// mutate applies change to the entry under key and writes the result only if the key
// still has the revision that was read, retrying when another instance got there first.
// A nil result deletes the key.
func (r *KVRoster) mutate(ctx context.Context, key string, change func(current *rosterEntry) *rosterEntry) error {
	backoff := retry.WithMaxRetries(r.attempts, retry.NewExponential(defaultWriteDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, revision, err := r.load(key)
		if err != nil {
			return err
		}
		err = r.store(key, revision, change(current))
		if errors.Is(err, nats.ErrKeyExists) {
			r.logger.Debug("roster write lost a race", zap.String("key", key))
			return retry.RetryableError(err)
		}
		return err
	})
}

// load returns the decoded entry and its revision; revision 0 means the key is absent.
// An undecodable value is returned as nil so the next write replaces it.
func (r *KVRoster) load(key string) (*rosterEntry, uint64, error) {
	stored, err := r.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var decoded rosterEntry
	if err := json.Unmarshal(stored.Value(), &decoded); err != nil {
		r.logger.Warn("replacing malformed roster entry", zap.String("key", key), zap.Error(err))
		return nil, stored.Revision(), nil
	}
	return &decoded, stored.Revision(), nil
}

func (r *KVRoster) store(key string, revision uint64, next *rosterEntry) error {
	if next == nil {
		if revision == 0 {
			return nil
		}
		return r.kv.Delete(key, nats.LastRevision(revision))
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if revision == 0 {
		_, err = r.kv.Create(key, payload)
		return err
	}
	_, err = r.kv.Update(key, payload, revision)
	return err
}

// placeEntry returns the entry listing reader on page for holder, and the page the
// reader was on before. The join time survives only when the page is unchanged.
func placeEntry(current *rosterEntry, page int, reader protocol.Reader, holder string, now int64) (rosterEntry, int) {
	next := rosterEntry{Reader: reader, Page: page, JoinedAt: now}
	previous := 0
	if current != nil {
		previous = current.Page
		if current.Page == page && current.JoinedAt > 0 {
			next.JoinedAt = current.JoinedAt
		}
		next.Holders = slices.Clone(current.Holders)
	}
	if !slices.Contains(next.Holders, holder) {
		next.Holders = append(next.Holders, holder)
	}
	return next, previous
}

// releaseEntry drops holder and returns nil when nobody holds the reader any more.
func releaseEntry(current *rosterEntry, holder string) *rosterEntry {
	remaining := slices.DeleteFunc(slices.Clone(current.Holders), func(candidate string) bool {
		return candidate == holder
	})
	if len(remaining) == 0 {
		return nil
	}
	next := *current
	next.Holders = remaining
	return &next
}

func orderedReaders(entries []rosterEntry) []protocol.Reader {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt != entries[j].JoinedAt {
			return entries[i].JoinedAt < entries[j].JoinedAt
		}
		return entries[i].Reader.UserID < entries[j].Reader.UserID
	})
	readers := make([]protocol.Reader, 0, len(entries))
	for _, entry := range entries {
		readers = append(readers, entry.Reader)
	}
	return readers
}

func rosterKey(documentID, userID string) string {
	return encodeToken(documentID) + "." + encodeToken(userID)
}

func parseRosterKey(key string) (string, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("backbone: malformed roster key %q", key)
	}
	documentID, err := decodeToken(parts[0])
	if err != nil {
		return "", "", err
	}
	userID, err := decodeToken(parts[1])
	if err != nil {
		return "", "", err
	}
	return documentID, userID, nil
}
