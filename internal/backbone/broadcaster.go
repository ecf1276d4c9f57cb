package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject namespace of room broadcasts.
const DefaultSubjectPrefix = "readingroom.rooms"

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("backbone: broadcaster already started")

// BroadcasterConfig wires a NATSBroadcaster.
type BroadcasterConfig struct {
	Conn          *nats.Conn
	Local         protocol.Broadcaster
	SubjectPrefix string
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

// NATSBroadcaster publishes room events on NATS and replays events from every instance
// into the local broadcaster. Events published here are delivered locally right away
// and skipped when they echo back from the server.
type NATSBroadcaster struct {
	conn          *nats.Conn
	local         protocol.Broadcaster
	subjectPrefix string
	origin        string
	logger        *zap.Logger
	tracer        trace.Tracer

	mu           sync.Mutex
	subscription *nats.Subscription
}

type wireEvent struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

type wireOutbound struct {
	Type       protocol.OutboundType `json:"type"`
	DocumentID string                `json:"documentId,omitempty"`
	Data       json.RawMessage       `json:"data"`
}

// NewNATSBroadcaster validates the configuration.
func NewNATSBroadcaster(cfg BroadcasterConfig) (*NATSBroadcaster, error) {
	if cfg.Conn == nil {
		return nil, errors.New("backbone: nats connection required")
	}
	if cfg.Local == nil {
		return nil, errors.New("backbone: local broadcaster required")
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/MarcoPoloResearchLab/readingroom/internal/backbone")
	}
	return &NATSBroadcaster{
		conn:          cfg.Conn,
		local:         cfg.Local,
		subjectPrefix: prefix,
		origin:        uuid.NewString(),
		logger:        logger,
		tracer:        tracer,
	}, nil
}

// Start subscribes to every room subject.
func (b *NATSBroadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscription != nil {
		return ErrAlreadyStarted
	}
	subscription, err := b.conn.Subscribe(b.subjectPrefix+".*", b.receive)
	if err != nil {
		return err
	}
	b.subscription = subscription
	return nil
}

// Stop drains the subscription.
func (b *NATSBroadcaster) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscription == nil {
		return nil
	}
	err := b.subscription.Drain()
	b.subscription = nil
	return err
}

// Broadcast delivers the event to local members and publishes it for the other instances.
// A failed publish only affects remote members.
func (b *NATSBroadcaster) Broadcast(ctx context.Context, documentID string, event protocol.Outbound, excludeConnectionID string) {
	b.local.Broadcast(ctx, documentID, event, excludeConnectionID)

	payload, err := encodeWireEvent(b.origin, excludeConnectionID, event)
	if err != nil {
		b.logger.Error("room event encoding failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	subject := b.Subject(documentID)
	ctx, span := b.tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if err := b.conn.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: header}); err != nil {
		span.RecordError(err)
		b.logger.Warn("room event publish failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// Subject returns the NATS subject carrying the document's room events.
func (b *NATSBroadcaster) Subject(documentID string) string {
	return b.subjectPrefix + "." + encodeToken(documentID)
}

func (b *NATSBroadcaster) receive(msg *nats.Msg) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}
	origin, exclude, event, err := decodeWireEvent(msg.Data)
	if err != nil {
		b.logger.Warn("room event decoding failed", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if origin == b.origin {
		return
	}
	token := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	documentID, err := decodeToken(token)
	if err != nil || documentID != event.DocumentID {
		b.logger.Warn("room event subject mismatch", zap.String("subject", msg.Subject))
		return
	}
	b.local.Broadcast(ctx, documentID, event, exclude)
}

func encodeWireEvent(origin, exclude string, event protocol.Outbound) ([]byte, error) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Origin: origin, Exclude: exclude, Event: encoded})
}

func decodeWireEvent(payload []byte) (string, string, protocol.Outbound, error) {
	var frame wireEvent
	if err := json.Unmarshal(payload, &frame); err != nil {
		return "", "", protocol.Outbound{}, err
	}
	var event wireOutbound
	if err := json.Unmarshal(frame.Event, &event); err != nil {
		return "", "", protocol.Outbound{}, err
	}
	if event.Type == "" {
		return "", "", protocol.Outbound{}, errors.New("backbone: event type missing")
	}
	return frame.Origin, frame.Exclude, protocol.Outbound{
		Type:       event.Type,
		DocumentID: event.DocumentID,
		Data:       event.Data,
	}, nil
}
