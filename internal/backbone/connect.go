// Package backbone shares reading room state between server instances over NATS:
// room broadcasts travel on core pub/sub and page rosters live in a JetStream KV bucket.
package backbone

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultConnectAttempts = 10
	defaultConnectDelay    = 500 * time.Millisecond
	defaultClientName      = "readingroom"
)

// ConnectConfig describes how to reach the NATS server.
type ConnectConfig struct {
	URL      string
	Name     string
	Attempts uint64
	Delay    time.Duration
	Logger   *zap.Logger
}

// Connect dials NATS, retrying with exponential backoff until the server answers or
// the attempts run out. The returned connection reconnects forever once established.
func Connect(ctx context.Context, cfg ConnectConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("backbone: nats url required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = defaultClientName
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = defaultConnectAttempts
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultConnectDelay
	}

	var conn *nats.Conn
	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialErr error
		conn, dialErr = nats.Connect(cfg.URL,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
		if dialErr != nil {
			logger.Info("waiting for nats", zap.String("url", cfg.URL), zap.Error(dialErr))
			return retry.RetryableError(dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backbone: connect %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))
	return conn, nil
}

// encodeToken turns an arbitrary identifier into a single NATS subject or KV key token.
func encodeToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func decodeToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
