package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	defaultQueueWorkers    = 4
	defaultQueueBuffer     = 256
	defaultQueueRetries    = 3
	defaultQueueBaseDelay  = 50 * time.Millisecond
	defaultQueueOpTimeout  = 5 * time.Second
	queueDrainPollInterval = 5 * time.Millisecond
)

// ErrQueueClosed is returned when Close is called more than once.
var ErrQueueClosed = errors.New("presence: write queue closed")

type writeKind string

const (
	writeUpsert writeKind = "upsert"
	writeDelete writeKind = "delete"
)

type writeOp struct {
	kind   writeKind
	record Record
}

// QueueConfig describes the write queue dependencies.
type QueueConfig struct {
	Store      Store
	Workers    int
	Buffer     int
	MaxRetries uint64
	BaseDelay  time.Duration
	Logger     *zap.Logger
	Meter      metric.Meter
}

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	Enqueued uint64
	Applied  uint64
	Failed   uint64
	Dropped  uint64
}

// WriteQueue applies presence writes in the background. Writes for one (user, document)
// key always land on the same worker, so they are applied in enqueue order.
type WriteQueue struct {
	store      Store
	shards     []chan writeOp
	maxRetries uint64
	baseDelay  time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
	pending atomic.Int64

	enqueued atomic.Uint64
	applied  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64

	writes metric.Int64Counter
}

// NewWriteQueue starts the queue workers.
func NewWriteQueue(cfg QueueConfig) (*WriteQueue, error) {
	if cfg.Store == nil {
		return nil, errors.New("presence: write queue store required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultQueueWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultQueueRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultQueueBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("github.com/MarcoPoloResearchLab/readingroom/internal/presence")
	}
	writes, err := meter.Int64Counter(
		"readingroom.presence.writes",
		metric.WithDescription("Presence write-through operations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	queue := &WriteQueue{
		store:      cfg.Store,
		shards:     make([]chan writeOp, workers),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		writes:     writes,
	}
	for index := range queue.shards {
		shard := make(chan writeOp, buffer)
		queue.shards[index] = shard
		queue.workers.Add(1)
		go queue.run(shard)
	}
	return queue, nil
}

// EnqueueUpsert schedules a record upsert. It never blocks; a full shard drops the write.
func (q *WriteQueue) EnqueueUpsert(record Record) bool {
	return q.enqueue(writeOp{kind: writeUpsert, record: record})
}

// EnqueueDelete schedules removal of the (user, document) record.
func (q *WriteQueue) EnqueueDelete(userID, documentID string) bool {
	return q.enqueue(writeOp{kind: writeDelete, record: Record{UserID: userID, DocumentID: documentID}})
}

func (q *WriteQueue) enqueue(op writeOp) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(op, "closed")
		return false
	}
	q.pending.Add(1)
	select {
	case q.shardFor(op.record) <- op:
		q.enqueued.Add(1)
		return true
	default:
		q.pending.Add(-1)
		q.drop(op, "full")
		return false
	}
}

func (q *WriteQueue) drop(op writeOp, reason string) {
	q.dropped.Add(1)
	q.writes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(op.kind)),
		attribute.String("outcome", "dropped"),
	))
	q.logger.Warn(
		"presence write dropped",
		zap.String("reason", reason),
		zap.String("kind", string(op.kind)),
		zap.String("user_id", op.record.UserID),
		zap.String("document_id", op.record.DocumentID),
	)
}

func (q *WriteQueue) shardFor(record Record) chan writeOp {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(record.UserID))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(record.DocumentID))
	return q.shards[int(hasher.Sum32()%uint32(len(q.shards)))]
}

func (q *WriteQueue) run(shard <-chan writeOp) {
	defer q.workers.Done()
	for op := range shard {
		q.apply(op)
		q.pending.Add(-1)
	}
}

func (q *WriteQueue) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueueOpTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(q.maxRetries, retry.NewExponential(q.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		switch op.kind {
		case writeUpsert:
			err = q.store.Upsert(ctx, op.record)
		case writeDelete:
			err = q.store.Delete(ctx, op.record.UserID, op.record.DocumentID)
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	outcome := "applied"
	if err != nil {
		outcome = "failed"
		q.failed.Add(1)
		q.logger.Error(
			"presence write failed",
			zap.String("kind", string(op.kind)),
			zap.String("user_id", op.record.UserID),
			zap.String("document_id", op.record.DocumentID),
			zap.Error(err),
		)
	} else {
		q.applied.Add(1)
	}
	q.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(op.kind)),
		attribute.String("outcome", outcome),
	))
}

// Drain waits until every accepted write has been applied or has failed.
func (q *WriteQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(queueDrainPollInterval)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting writes, lets the workers finish what is queued and waits for them.
func (q *WriteQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	for _, shard := range q.shards {
		close(shard)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (q *WriteQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Applied:  q.applied.Load(),
		Failed:   q.failed.Load(),
		Dropped:  q.dropped.Load(),
	}
}
