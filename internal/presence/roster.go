package presence

import (
	"context"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
)

// Roster holds the page -> readers aggregate of every document. It also owns each
// reader's current page, so processes sharing one Roster agree on where a reader is.
type Roster interface {
	// Place lists the reader on page and drops them from the page they were on before,
	// which it returns (0 when they were not listed). holder names the process keeping
	// the reader connected.
	Place(ctx context.Context, documentID string, page int, reader protocol.Reader, holder string) (int, error)
	// Release drops holder's claim on the reader. The reader leaves the roster once no
	// holder remains; left reports that, page is the page they were listed on.
	Release(ctx context.Context, documentID, userID, holder string) (page int, left bool, err error)
	// Readers lists the bucket in insertion order.
	Readers(ctx context.Context, documentID string, page int) ([]protocol.Reader, error)
}

// LocalRoster is an in-process Roster.
type LocalRoster struct {
	mu      sync.RWMutex
	buckets map[string]*rosterBucket
	members map[string]*membership
}

type rosterBucket struct {
	order   []string
	readers map[string]protocol.Reader
}

type membership struct {
	page    int
	holders map[string]struct{}
}

// NewLocalRoster constructs an empty roster.
func NewLocalRoster() *LocalRoster {
	return &LocalRoster{
		buckets: make(map[string]*rosterBucket),
		members: make(map[string]*membership),
	}
}

func (r *LocalRoster) Place(_ context.Context, documentID string, page int, reader protocol.Reader, holder string) (int, error) {
	key := memberKey(documentID, reader.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[key]
	if !ok {
		member = &membership{holders: make(map[string]struct{})}
		r.members[key] = member
	}
	previous := member.page
	if previous != 0 && previous != page {
		r.removeFromBucket(documentID, previous, reader.UserID)
	}
	r.addToBucket(documentID, page, reader)
	member.page = page
	member.holders[holder] = struct{}{}
	return previous, nil
}

func (r *LocalRoster) Release(_ context.Context, documentID, userID, holder string) (int, bool, error) {
	key := memberKey(documentID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[key]
	if !ok {
		return 0, true, nil
	}
	delete(member.holders, holder)
	if len(member.holders) > 0 {
		return member.page, false, nil
	}
	delete(r.members, key)
	r.removeFromBucket(documentID, member.page, userID)
	return member.page, true, nil
}

func (r *LocalRoster) Readers(_ context.Context, documentID string, page int) ([]protocol.Reader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.buckets[bucketKey(documentID, page)]
	if !ok {
		return []protocol.Reader{}, nil
	}
	readers := make([]protocol.Reader, 0, len(bucket.order))
	for _, userID := range bucket.order {
		readers = append(readers, bucket.readers[userID])
	}
	return readers, nil
}

func (r *LocalRoster) addToBucket(documentID string, page int, reader protocol.Reader) {
	key := bucketKey(documentID, page)
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &rosterBucket{readers: make(map[string]protocol.Reader)}
		r.buckets[key] = bucket
	}
	if _, exists := bucket.readers[reader.UserID]; !exists {
		bucket.order = append(bucket.order, reader.UserID)
	}
	bucket.readers[reader.UserID] = reader
}

func (r *LocalRoster) removeFromBucket(documentID string, page int, userID string) {
	key := bucketKey(documentID, page)
	bucket, ok := r.buckets[key]
	if !ok {
		return
	}
	if _, exists := bucket.readers[userID]; !exists {
		return
	}
	delete(bucket.readers, userID)
	for index, candidate := range bucket.order {
		if candidate == userID {
			bucket.order = append(bucket.order[:index], bucket.order[index+1:]...)
			break
		}
	}
	if len(bucket.readers) == 0 {
		delete(r.buckets, key)
	}
}

func bucketKey(documentID string, page int) string {
	return documentID + "\x00" + strconv.Itoa(page)
}

func memberKey(documentID, userID string) string {
	return documentID + "\x00" + userID
}
