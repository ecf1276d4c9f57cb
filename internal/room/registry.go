// Package room tracks which connections are present in each document's room and fans
// outbound events out to them.
package room

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"go.uber.org/zap"
)

// Member is a connection that can receive room broadcasts.
type Member interface {
	ID() string
	UserID() string
	// Deliver enqueues the event without blocking and reports whether it was accepted.
	Deliver(event protocol.Outbound) bool
}

// Registry maps document identifiers to their connected members.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Member
	logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]map[string]Member),
		logger: logger,
	}
}

// Add registers the member in the document's room. Adding the same member twice is a no-op.
func (r *Registry) Add(documentID string, member Member) {
	if documentID == "" || member == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[documentID]
	if !ok {
		members = make(map[string]Member)
		r.rooms[documentID] = members
	}
	members[member.ID()] = member
}

// Remove drops the connection from the document's room and discards the room when empty.
func (r *Registry) Remove(documentID, connectionID string) {
	r.mu.Lock()
	members := r.rooms[documentID]
	if members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.rooms, documentID)
		}
	}
	r.mu.Unlock()
}

// Members returns a snapshot of the room. An unknown room is empty.
func (r *Registry) Members(documentID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[documentID]
	copies := make([]Member, 0, len(members))
	for _, member := range members {
		copies = append(copies, member)
	}
	return copies
}

// HasUser reports whether any connection other than excludeConnectionID belongs to the user.
func (r *Registry) HasUser(documentID, userID, excludeConnectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connectionID, member := range r.rooms[documentID] {
		if connectionID == excludeConnectionID {
			continue
		}
		if member.UserID() == userID {
			return true
		}
	}
	return false
}

// RoomCount reports the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast delivers the event to every member of the room except excludeConnectionID.
// Members whose queues are full miss the event.
func (r *Registry) Broadcast(_ context.Context, documentID string, event protocol.Outbound, excludeConnectionID string) {
	for _, member := range r.Members(documentID) {
		if member.ID() == excludeConnectionID {
			continue
		}
		if !member.Deliver(event) {
			r.logger.Warn(
				"dropped room event for slow consumer",
				zap.String("document_id", documentID),
				zap.String("connection_id", member.ID()),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}
