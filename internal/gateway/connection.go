package gateway

import (
	"sync"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
)

// Session is the authenticated identity a connection is bound to.
type Session struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Connection is one transport session. Its room state is only changed by the gateway.
type Connection struct {
	id       string
	session  Session
	outbound chan protocol.Outbound
	done     chan struct{}

	mu         sync.Mutex
	closed     bool
	documentID string
	lastSeq    uint64
}

func newConnection(id string, session Session, buffer int) *Connection {
	return &Connection{
		id:       id,
		session:  session,
		outbound: make(chan protocol.Outbound, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	return c.session.UserID
}

// Session returns the identity the connection was opened with.
func (c *Connection) Session() Session {
	return c.session
}

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan protocol.Outbound {
	return c.outbound
}

// Done is closed once the connection has been disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Deliver queues the event without blocking. It reports false when the queue is full or
// the connection is closed.
func (c *Connection) Deliver(event protocol.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbound <- event:
		return true
	default:
		return false
	}
}

// DocumentID returns the room the connection is currently joined to, or "".
func (c *Connection) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

func (c *Connection) setDocument(documentID string) {
	c.mu.Lock()
	c.documentID = documentID
	c.lastSeq = 0
	c.mu.Unlock()
}

// acceptSeq records seq and reports whether it is newer than the last applied one.
// Zero means the client does not sequence its updates.
func (c *Connection) acceptSeq(seq uint64) bool {
	if seq == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.lastSeq {
		return false
	}
	c.lastSeq = seq
	return true
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
