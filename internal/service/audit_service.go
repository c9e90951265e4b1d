// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// AuditEmitter provides async audit emission with a buffered channel and
// background worker. Decisions are emitted without blocking the
// enforcement hot path; delivery to the sink is at-least-once with
// bounded retry.
type AuditEmitter struct {
	sink          audit.Sink
	eventChan     chan audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration

	maxRetries   int
	retryBackoff time.Duration

	dropCount    atomic.Int64
	emitCount    atomic.Int64 // events handed to the worker
	ackCount     atomic.Int64 // events the sink acknowledged
	lastWarning  atomic.Int64 // rate-limits depth warnings (Unix nanos)
	warnPercent  int
}

// EmitterOption configures AuditEmitter.
type EmitterOption func(*AuditEmitter)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) EmitterOption {
	return func(e *AuditEmitter) {
		e.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) EmitterOption {
	return func(e *AuditEmitter) {
		e.flushInterval = interval
	}
}

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) EmitterOption {
	return func(e *AuditEmitter) {
		e.eventChan = make(chan audit.Event, size)
		e.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately when the channel is full, >0 = block up to this
// duration before dropping.
func WithSendTimeout(timeout time.Duration) EmitterOption {
	return func(e *AuditEmitter) {
		e.sendTimeout = timeout
	}
}

// WithRetry sets how many times a failed batch write is retried and the
// base backoff between attempts. Backoff doubles per attempt.
func WithRetry(maxRetries int, backoff time.Duration) EmitterOption {
	return func(e *AuditEmitter) {
		e.maxRetries = maxRetries
		e.retryBackoff = backoff
	}
}

// NewAuditEmitter creates a new AuditEmitter writing to the given sink.
func NewAuditEmitter(sink audit.Sink, logger *slog.Logger, opts ...EmitterOption) *AuditEmitter {
	defaultChannelSize := 1000
	e := &AuditEmitter{
		sink:          sink,
		eventChan:     make(chan audit.Event, defaultChannelSize),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
		maxRetries:    3,
		retryBackoff:  50 * time.Millisecond,
		warnPercent:   80,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start begins the background worker that batches and writes events.
func (e *AuditEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

// Emit hands an event to the background worker. Applies backpressure:
// fast non-blocking send first, then blocks up to sendTimeout. If the
// timeout expires the event is dropped and counted; dropped events
// lower the acknowledged-write rate the compliance assessor reads.
func (e *AuditEmitter) Emit(event audit.Event) {
	e.emitCount.Add(1)

	if depth := len(e.eventChan); depth >= e.channelSize*e.warnPercent/100 {
		e.warnChannelDepth(depth)
	}

	select {
	case e.eventChan <- event:
		return
	default:
	}

	if e.sendTimeout <= 0 {
		e.recordDrop(event)
		return
	}

	select {
	case e.eventChan <- event:
	case <-time.After(e.sendTimeout):
		e.recordDrop(event)
	}
}

// EmitDecision emits one enforcement-decision event. The request
// context is redacted before it leaves the process.
func (e *AuditEmitter) EmitDecision(dec audit.DecisionEvent, requestID string) {
	dec.Context = audit.RedactContext(dec.Context)
	e.Emit(audit.Event{
		Timestamp: time.Now().UTC(),
		EventType: audit.EventTypeDecision,
		RequestID: requestID,
		Decision:  &dec,
	})
}

// EmitMutation emits one configuration-mutation event.
func (e *AuditEmitter) EmitMutation(eventType, requestID string, mut audit.MutationEvent) {
	e.Emit(audit.Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RequestID: requestID,
		Mutation:  &mut,
	})
}

func (e *AuditEmitter) recordDrop(event audit.Event) {
	drops := e.dropCount.Add(1)
	e.logger.Warn("audit event dropped",
		"event_type", event.EventType,
		"request_id", event.RequestID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (e *AuditEmitter) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := e.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if e.lastWarning.CompareAndSwap(last, now) {
		e.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", e.channelSize,
			"percent", depth*100/e.channelSize,
		)
	}
}

// DroppedEvents returns total dropped events.
func (e *AuditEmitter) DroppedEvents() int64 {
	return e.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (e *AuditEmitter) ChannelDepth() int {
	return len(e.eventChan)
}

// AckRate returns the acknowledged-write rate in [0,100]: the fraction
// of emitted events the sink has confirmed. 100 when nothing has been
// emitted yet.
func (e *AuditEmitter) AckRate() float64 {
	emitted := e.emitCount.Load()
	if emitted == 0 {
		return 100
	}
	return float64(e.ackCount.Load()) / float64(emitted) * 100
}

// Stop signals the worker to stop and waits for it to finish.
// Pending events are flushed before returning.
func (e *AuditEmitter) Stop() {
	close(e.eventChan)
	e.wg.Wait()
}

// worker is the background goroutine that collects and flushes events.
func (e *AuditEmitter) worker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]audit.Event, 0, e.batchSize)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-e.eventChan:
			if !ok {
				// Channel closed, final flush with bounded deadline.
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					e.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= e.batchSize {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain the channel and flush with a bounded deadline.
			for event := range e.eventChan {
				batch = append(batch, event)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				e.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch to the sink with bounded retry. A persistently
// failing batch is dropped and logged; audit delivery must never block
// enforcement indefinitely.
func (e *AuditEmitter) flush(ctx context.Context, batch []audit.Event) {
	var err error
	backoff := e.retryBackoff
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				e.dropBatch(batch, ctx.Err())
				return
			}
			backoff *= 2
		}
		if err = e.sink.Write(ctx, batch); err == nil {
			e.ackCount.Add(int64(len(batch)))
			return
		}
		e.logger.Warn("audit batch write failed",
			"attempt", attempt+1,
			"count", len(batch),
			"error", err,
		)
	}
	e.dropBatch(batch, err)
}

func (e *AuditEmitter) dropBatch(batch []audit.Event, err error) {
	e.dropCount.Add(int64(len(batch)))
	e.logger.Error("audit batch dropped after retries",
		"count", len(batch),
		"error", err,
	)
}
