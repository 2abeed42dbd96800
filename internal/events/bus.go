package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/traces"
)

// DefaultConsumerTimeout bounds a single consumer invocation, including its
// store calls. Timeout is treated as handler failure and routes to the DLQ.
const DefaultConsumerTimeout = 5 * time.Second

// core holds the pieces shared by the in-memory and durable buses.
type core struct {
	reg             *registry
	listeners       *listeners
	logger          *slog.Logger
	consumerTimeout time.Duration
}

func newCore(logger *slog.Logger) core {
	if logger == nil {
		logger = slog.Default()
	}
	return core{
		reg:             newRegistry(),
		listeners:       newListeners(),
		logger:          logger,
		consumerTimeout: DefaultConsumerTimeout,
	}
}

// invoke runs one handler under the bounded consumer deadline.
func (c *core) invoke(ctx context.Context, h HandlerFunc, ev *Envelope) error {
	hctx, cancel := context.WithTimeout(ctx, c.consumerTimeout)
	defer cancel()
	return h(hctx, ev)
}

// dispatch fans an envelope out to every registered consumer sequentially,
// in registration order. One consumer's failure never aborts the rest; each
// failure becomes exactly one dead-letter entry.
func (c *core) dispatch(ctx context.Context, ev *Envelope) []DeadLetterEntry {
	ctx, span := traces.StartSpan(ctx, "bus.dispatch", traces.EventType(string(ev.Type)), traces.EventID(ev.ID))
	defer span.End()

	var failures []DeadLetterEntry
	for _, nh := range c.reg.handlersFor(ev.Type) {
		if err := c.invoke(ctx, nh.handler, ev); err != nil {
			c.logger.Error("consumer failed",
				"consumer", nh.name, "event_type", ev.Type, "event_id", ev.ID, "error", err)
			consumerFailures.WithLabelValues(nh.name).Inc()
			failures = append(failures, DeadLetterEntry{
				Event:        ev,
				ConsumerName: nh.name,
				Error:        err.Error(),
				Timestamp:    time.Now().UTC(),
				RetryCount:   0,
			})
		}
	}
	return failures
}

// retrySweep drains the dead-letter store and re-invokes exactly the named
// consumer for each entry below the retry ceiling. Renewed failure
// re-enqueues with retryCount+1; entries at the ceiling are dropped, counted,
// and recorded to the audit store as permanent failures.
func (c *core) retrySweep(ctx context.Context, dlq DeadLetterStore, audit AuditStore) (RetryResult, error) {
	entries, err := dlq.Drain(ctx)
	if err != nil {
		return RetryResult{}, err
	}

	var res RetryResult
	for _, entry := range entries {
		if entry.RetryCount >= MaxRetries {
			res.Dropped++
			deadLettersDropped.Inc()
			c.logger.Error("dead letter abandoned at retry ceiling",
				"event_id", entry.Event.ID, "consumer", entry.ConsumerName, "retry_count", entry.RetryCount)
			if audit != nil {
				if aerr := audit.RecordPermanentFailure(ctx, entry); aerr != nil {
					c.logger.Warn("failed to record permanent failure", "error", aerr)
				}
			}
			continue
		}

		handler, ok := c.reg.findByName(entry.Event.Type, entry.ConsumerName)
		if !ok {
			// Consumer no longer registered; keep the entry for a later
			// process generation that registers it again.
			if err := dlq.Append(ctx, entry); err != nil {
				c.logger.Warn("failed to re-enqueue orphan dead letter", "error", err)
			}
			continue
		}

		if err := c.invoke(ctx, handler, entry.Event); err != nil {
			entry.Error = err.Error()
			entry.RetryCount++
			entry.Timestamp = time.Now().UTC()
			if aerr := dlq.Append(ctx, entry); aerr != nil {
				c.logger.Error("failed to re-enqueue dead letter", "error", aerr)
			}
			res.Failed++
			continue
		}
		deadLettersRetried.Inc()
		res.Retried++
	}
	return res, nil
}

// InMemoryBus is the process-local bus variant: dedup, DLQ, and pending
// state live in memory only, so guarantees do not survive a restart.
type InMemoryBus struct {
	core

	mu        sync.Mutex
	processed map[string]struct{}
	dlq       *MemoryDeadLetterStore
	audit     AuditStore // optional, best-effort
}

// NewInMemoryBus creates an in-memory bus. audit may be nil.
func NewInMemoryBus(logger *slog.Logger, audit AuditStore) *InMemoryBus {
	return &InMemoryBus{
		core:      newCore(logger),
		processed: make(map[string]struct{}),
		dlq:       NewMemoryDeadLetterStore(),
		audit:     audit,
	}
}

// WithConsumerTimeout overrides the per-consumer invocation deadline.
func (b *InMemoryBus) WithConsumerTimeout(d time.Duration) *InMemoryBus {
	b.consumerTimeout = d
	return b
}

// RegisterConsumer adds a named consumer to the dispatch table.
func (b *InMemoryBus) RegisterConsumer(c Consumer) {
	b.reg.register(c, b.logger)
}

// On registers a passive listener for an event type (or Wildcard).
func (b *InMemoryBus) On(t EventType, fn ListenerFunc) {
	b.listeners.add(t, fn)
}

// Emit dispatches one envelope to all registered consumers. Duplicate ids
// are skipped; consumer failures are dead-lettered and never propagate to
// the caller.
func (b *InMemoryBus) Emit(ctx context.Context, ev *Envelope) error {
	b.mu.Lock()
	if _, dup := b.processed[ev.ID]; dup {
		b.mu.Unlock()
		b.logger.Info("duplicate envelope skipped", "event_id", ev.ID, "event_type", ev.Type)
		eventsDeduped.Inc()
		return nil
	}
	b.processed[ev.ID] = struct{}{}
	b.mu.Unlock()

	if b.audit != nil {
		if err := b.audit.RecordEvent(ctx, ev); err != nil {
			b.logger.Warn("audit log write failed", "event_id", ev.ID, "error", err)
		}
	}

	eventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	for _, entry := range b.dispatch(ctx, ev) {
		if err := b.dlq.Append(ctx, entry); err != nil {
			b.logger.Error("failed to append dead letter", "error", err)
		}
	}

	b.listeners.notify(ev)
	return nil
}

// DeadLetters returns a copy of the current dead-letter queue.
func (b *InMemoryBus) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	return b.dlq.List(ctx)
}

// RetryDeadLetters drains the queue and retries each entry against exactly
// the consumer that originally failed.
func (b *InMemoryBus) RetryDeadLetters(ctx context.Context) (RetryResult, error) {
	return b.retrySweep(ctx, b.dlq, b.audit)
}

// ConsumerCount reports the number of registered consumers, total when
// t is empty.
func (b *InMemoryBus) ConsumerCount(t EventType) int {
	return b.reg.count(t)
}

// RegisteredConsumers lists consumer names per event type.
func (b *InMemoryBus) RegisteredConsumers() map[EventType][]string {
	return b.reg.snapshot()
}

var _ Bus = (*InMemoryBus)(nil)
