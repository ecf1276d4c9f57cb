package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/gateway"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// WebSocketConfig tunes the heartbeat and frame limits. Zero values use the defaults.
type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

type webSocketTransport struct {
	upgrader       websocket.Upgrader
	gateway        *gateway.Gateway
	logger         *zap.Logger
	pingInterval   time.Duration
	pongWait       time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
}

func newWebSocketTransport(cfg WebSocketConfig, gw *gateway.Gateway, logger *zap.Logger) *webSocketTransport {
	transport := &webSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		gateway:        gw,
		logger:         logger,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		writeTimeout:   cfg.WriteTimeout,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if transport.pingInterval <= 0 {
		transport.pingInterval = defaultPingInterval
	}
	if transport.pongWait <= 0 {
		transport.pongWait = defaultPongWait
	}
	if transport.writeTimeout <= 0 {
		transport.writeTimeout = defaultWriteTimeout
	}
	if transport.maxMessageSize <= 0 {
		transport.maxMessageSize = defaultMaxMessageSize
	}
	return transport
}

func (t *webSocketTransport) serve(w http.ResponseWriter, r *http.Request, session gateway.Session) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", zap.String("user_id", session.UserID), zap.Error(err))
		return
	}

	// Work started by a frame must finish even after the client goes away.
	ctx := context.WithoutCancel(r.Context())
	connection := t.gateway.Open(ctx, session)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writePump(conn, connection)
	}()

	t.readPump(ctx, conn, connection)
	t.gateway.Disconnect(ctx, connection)
	<-writerDone
	_ = conn.Close()
}

func (t *webSocketTransport) readPump(ctx context.Context, conn *websocket.Conn, connection *gateway.Connection) {
	conn.SetReadLimit(t.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				t.logger.Debug("websocket closed unexpectedly", zap.String("connection_id", connection.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
		t.gateway.Handle(ctx, connection, payload)
	}
}

func (t *webSocketTransport) writePump(conn *websocket.Conn, connection *gateway.Connection) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-connection.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				t.logger.Debug("websocket write failed", zap.String("connection_id", connection.ID()), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-connection.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.writeTimeout),
			)
			// Unblocks readPump when the gateway closed the connection.
			_ = conn.Close()
			return
		}
	}
}
