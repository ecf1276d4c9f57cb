// Package gateway owns the lifecycle of reading room connections and dispatches their
// inbound events to the presence, chat and signal services.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/chat"
	"github.com/MarcoPoloResearchLab/readingroom/internal/presence"
	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/room"
	"github.com/MarcoPoloResearchLab/readingroom/internal/signals"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultOutboundBuffer = 64
	shutdownPollInterval  = 10 * time.Millisecond
	instrumentationName   = "github.com/MarcoPoloResearchLab/readingroom/internal/gateway"

	messageSendFailed = "Your message could not be sent. Please try again."
	messageEditFailed = "Your edit could not be saved. Please try again."
)

var (
	// ErrUserMismatch indicates an event declared a user other than the session's.
	ErrUserMismatch = errors.New("gateway: user does not match session")
	// ErrNotJoined indicates an event addressed a document the connection has not joined.
	ErrNotJoined = errors.New("gateway: connection has not joined the document")
)

// Config describes the gateway dependencies.
type Config struct {
	Registry *room.Registry
	// Broadcaster defaults to Registry. Scaled deployments pass a shared backbone.
	Broadcaster    protocol.Broadcaster
	Tracker        *presence.Tracker
	Chat           *chat.Relay
	Signals        *signals.Relay
	Logger         *zap.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
	OutboundBuffer int
}

// Gateway routes inbound events for every connection of this instance.
type Gateway struct {
	registry       *room.Registry
	broadcaster    protocol.Broadcaster
	tracker        *presence.Tracker
	chat           *chat.Relay
	signals        *signals.Relay
	logger         *zap.Logger
	tracer         trace.Tracer
	outboundBuffer int
	connections    metric.Int64UpDownCounter
	rejected       metric.Int64Counter

	mu       sync.Mutex
	live     map[string]*Connection
	shutdown bool
}

// New validates the dependencies and constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("gateway: presence tracker is required")
	}
	if cfg.Chat == nil {
		return nil, errors.New("gateway: chat relay is required")
	}
	if cfg.Signals == nil {
		return nil, errors.New("gateway: signals relay is required")
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = cfg.Registry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	buffer := cfg.OutboundBuffer
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	connections, err := meter.Int64UpDownCounter(
		"readingroom.gateway.connections",
		metric.WithDescription("Open reading room connections"),
	)
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter(
		"readingroom.gateway.rejected_events",
		metric.WithDescription("Inbound events rejected before dispatch"),
	)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		registry:       cfg.Registry,
		broadcaster:    broadcaster,
		tracker:        cfg.Tracker,
		chat:           cfg.Chat,
		signals:        cfg.Signals,
		logger:         logger,
		tracer:         tracer,
		outboundBuffer: buffer,
		connections:    connections,
		rejected:       rejected,
		live:           make(map[string]*Connection),
	}, nil
}

// Open creates a connection bound to the authenticated session.
func (g *Gateway) Open(ctx context.Context, session Session) *Connection {
	connection := newConnection(uuid.NewString(), session, g.outboundBuffer)
	g.mu.Lock()
	g.live[connection.ID()] = connection
	shuttingDown := g.shutdown
	g.mu.Unlock()
	if shuttingDown {
		connection.close()
	}
	g.connections.Add(ctx, 1)
	g.logger.Debug("connection opened", zap.String("connection_id", connection.ID()), zap.String("user_id", session.UserID))
	return connection
}

// Handle decodes one raw frame and dispatches it. Callers invoke Handle sequentially per
// connection, which keeps each connection's events in arrival order.
func (g *Gateway) Handle(ctx context.Context, connection *Connection, raw []byte) {
	event, err := protocol.DecodeInbound(raw)
	if err != nil {
		g.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "decode")))
		connection.Deliver(protocol.NewEventRejected(connection.DocumentID(), err.Error()))
		g.logger.Debug("inbound event rejected", zap.String("connection_id", connection.ID()), zap.Error(err))
		return
	}
	if err := g.Dispatch(ctx, connection, event); err != nil {
		g.logger.Debug(
			"inbound event not applied",
			zap.String("connection_id", connection.ID()),
			zap.String("event_type", string(event.Type())),
			zap.Error(err),
		)
	}
}

// Dispatch applies a decoded event. Failures are reported to the sender only and
// returned for logging.
func (g *Gateway) Dispatch(ctx context.Context, connection *Connection, event protocol.InboundEvent) error {
	ctx, span := g.tracer.Start(ctx, "gateway."+string(event.Type()), trace.WithAttributes(
		attribute.String("readingroom.document_id", event.Document()),
		attribute.String("readingroom.connection_id", connection.ID()),
	))
	defer span.End()

	err := g.dispatch(ctx, connection, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Gateway) dispatch(ctx context.Context, connection *Connection, event protocol.InboundEvent) error {
	if scoped, ok := event.(protocol.UserScoped); ok && scoped.DeclaredUserID() != connection.UserID() {
		return g.reject(ctx, connection, event.Document(), ErrUserMismatch)
	}

	switch typed := event.(type) {
	case *protocol.JoinEvent:
		g.join(ctx, connection, typed.DocumentID)
		return nil
	case *protocol.UpdatePositionEvent:
		return g.updatePosition(ctx, connection, typed)
	case *protocol.SendMessageEvent:
		return g.sendMessage(ctx, connection, typed)
	case *protocol.EditMessageEvent:
		return g.editMessage(ctx, connection, typed)
	case *protocol.SendReactionEvent:
		if err := g.requireJoined(connection, typed.DocumentID); err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		_, err := g.signals.React(ctx, signals.Reaction{
			DocumentID:  typed.DocumentID,
			Page:        typed.Page,
			AnchorIndex: typed.AnchorIndex,
			Emoji:       typed.Emoji,
			UserID:      connection.UserID(),
			DisplayName: connection.session.DisplayName,
		})
		if err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		return nil
	case *protocol.TypingStartEvent:
		if err := g.requireJoined(connection, typed.DocumentID); err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		g.signals.TypingStarted(ctx, typed.DocumentID, connection.session.DisplayName, connection.ID())
		return nil
	case *protocol.TypingStopEvent:
		if err := g.requireJoined(connection, typed.DocumentID); err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		g.signals.TypingStopped(ctx, typed.DocumentID, connection.session.DisplayName, connection.ID())
		return nil
	case *protocol.QueryPageReadersEvent:
		presence, err := g.tracker.Readers(ctx, typed.DocumentID, typed.Page)
		if err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		connection.Deliver(protocol.NewPageReaders(typed.DocumentID, presence))
		return nil
	case *protocol.LeaveEvent:
		if err := g.requireJoined(connection, typed.DocumentID); err != nil {
			return g.reject(ctx, connection, typed.DocumentID, err)
		}
		g.depart(ctx, connection, true)
		return nil
	default:
		return g.reject(ctx, connection, event.Document(), fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, event.Type()))
	}
}

// Disconnect removes the connection from its room and closes it. The durable presence
// record is kept so a quick reconnect does not lose the reader's position.
func (g *Gateway) Disconnect(ctx context.Context, connection *Connection) {
	g.depart(ctx, connection, false)
	connection.close()
	g.mu.Lock()
	_, tracked := g.live[connection.ID()]
	delete(g.live, connection.ID())
	g.mu.Unlock()
	if !tracked {
		return
	}
	g.connections.Add(ctx, -1)
	g.logger.Debug("connection closed", zap.String("connection_id", connection.ID()), zap.String("user_id", connection.UserID()))
}

// OpenConnections counts the connections opened and not yet disconnected.
func (g *Gateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Shutdown closes every open connection, refuses new ones and waits until the transport
// has disconnected them all or ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	open := make([]*Connection, 0, len(g.live))
	for _, connection := range g.live {
		open = append(open, connection)
	}
	g.mu.Unlock()

	g.logger.Info("closing open connections", zap.Int("count", len(open)))
	for _, connection := range open {
		connection.close()
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for g.OpenConnections() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (g *Gateway) join(ctx context.Context, connection *Connection, documentID string) {
	current := connection.DocumentID()
	if current == documentID {
		g.registry.Add(documentID, connection)
		return
	}
	if current != "" {
		g.depart(ctx, connection, false)
	}
	alreadyPresent := g.registry.HasUser(documentID, connection.UserID(), connection.ID())
	g.registry.Add(documentID, connection)
	connection.setDocument(documentID)
	if alreadyPresent {
		return
	}
	session := connection.Session()
	g.broadcaster.Broadcast(ctx, documentID, protocol.NewMemberJoined(documentID, protocol.MemberJoined{
		UserID:      session.UserID,
		DisplayName: session.DisplayName,
		AvatarURL:   session.AvatarURL,
	}), connection.ID())
}

func (g *Gateway) depart(ctx context.Context, connection *Connection, forget bool) {
	documentID := connection.DocumentID()
	if documentID == "" {
		return
	}
	userID := connection.UserID()
	g.registry.Remove(documentID, connection.ID())
	connection.setDocument("")
	lastPage, left := g.tracker.Evict(ctx, documentID, userID, func() bool {
		return g.registry.HasUser(documentID, userID, "")
	})
	if !left {
		return
	}
	if forget {
		g.tracker.Forget(ctx, documentID, userID)
	}
	g.broadcaster.Broadcast(ctx, documentID, protocol.NewMemberLeft(documentID, userID, lastPage), connection.ID())
}

func (g *Gateway) updatePosition(ctx context.Context, connection *Connection, event *protocol.UpdatePositionEvent) error {
	if connection.DocumentID() != event.DocumentID {
		g.join(ctx, connection, event.DocumentID)
	}
	if !connection.acceptSeq(event.Seq) {
		g.logger.Debug("stale position update dropped",
			zap.String("connection_id", connection.ID()),
			zap.Uint64("seq", event.Seq))
		return nil
	}
	session := connection.Session()
	_, err := g.tracker.UpdatePosition(ctx, presence.Update{
		DocumentID:  event.DocumentID,
		UserID:      session.UserID,
		DisplayName: session.DisplayName,
		AvatarURL:   session.AvatarURL,
		Page:        event.Page,
	})
	if err != nil {
		return g.reject(ctx, connection, event.DocumentID, err)
	}
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, connection *Connection, event *protocol.SendMessageEvent) error {
	if err := g.requireJoined(connection, event.DocumentID); err != nil {
		return g.reject(ctx, connection, event.DocumentID, err)
	}
	_, err := g.chat.Send(ctx, chat.SendRequest{
		DocumentID: event.DocumentID,
		Page:       event.Page,
		UserID:     connection.UserID(),
		Text:       event.Text,
	})
	var rateErr *chat.RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rateErr):
		connection.Deliver(protocol.NewRateLimitExceeded(event.DocumentID, rateErr.Cooldown))
		return err
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrUnknownAuthor):
		return g.reject(ctx, connection, event.DocumentID, err)
	default:
		connection.Deliver(protocol.NewMessageError(event.DocumentID, messageSendFailed))
		return err
	}
}

func (g *Gateway) editMessage(ctx context.Context, connection *Connection, event *protocol.EditMessageEvent) error {
	if err := g.requireJoined(connection, event.DocumentID); err != nil {
		return g.reject(ctx, connection, event.DocumentID, err)
	}
	_, err := g.chat.Edit(ctx, chat.EditRequest{
		DocumentID: event.DocumentID,
		MessageID:  event.MessageID,
		UserID:     connection.UserID(),
		Text:       event.Text,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrNotAuthor):
		return g.reject(ctx, connection, event.DocumentID, err)
	default:
		connection.Deliver(protocol.NewMessageError(event.DocumentID, messageEditFailed))
		return err
	}
}

func (g *Gateway) requireJoined(connection *Connection, documentID string) error {
	if connection.DocumentID() != documentID {
		return ErrNotJoined
	}
	return nil
}

func (g *Gateway) reject(ctx context.Context, connection *Connection, documentID string, err error) error {
	g.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid")))
	connection.Deliver(protocol.NewEventRejected(documentID, err.Error()))
	return err
}
