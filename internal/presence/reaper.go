package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long a record may go without an update before it is stale.
	DefaultTTL = 45 * time.Second
	// DefaultReaperInterval is how often stale records are swept.
	DefaultReaperInterval = 30 * time.Second
)

// ReaperConfig describes the reaper dependencies.
type ReaperConfig struct {
	Store    Store
	TTL      time.Duration
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	Meter    metric.Meter
}

// Reaper periodically deletes durable presence records whose owners stopped updating them.
// It never touches the in-memory rosters.
type Reaper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	reaped   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper constructs a stopped reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, errors.New("presence: reaper store required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("github.com/MarcoPoloResearchLab/readingroom/internal/presence")
	}
	reaped, err := meter.Int64Counter(
		"readingroom.presence.reaped",
		metric.WithDescription("Stale presence records removed by the reaper"),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		store:    cfg.Store,
		ttl:      ttl,
		interval: interval,
		clock:    clock,
		logger:   logger,
		reaped:   reaped,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Sweep deletes every record last seen more than the TTL ago.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.clock().Add(-r.ttl).UnixMilli()
	removed, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("presence sweep failed", zap.Int64("cutoff_ms", cutoff), zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		r.reaped.Add(ctx, removed)
		r.logger.Info("reaped stale presence records", zap.Int64("count", removed), zap.Int64("cutoff_ms", cutoff))
	}
	return removed, nil
}

// Start runs sweeps on the configured interval and blocks until ctx is cancelled or Stop
// is called. A failed sweep is logged and retried on the next tick.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("presence reaper started", zap.Duration("interval", r.interval), zap.Duration("ttl", r.ttl))
	for {
		select {
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
}
