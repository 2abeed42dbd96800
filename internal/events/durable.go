package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/retry"
)

// DurableBus is the crash-safe bus variant. Envelopes are persisted to a
// pending store before dispatch and removed only after the full fan-out
// completes, so recovery can re-emit whatever was in flight when the
// process died. Dedup is backed by a durable processed-id table in
// addition to the in-process set.
type DurableBus struct {
	core

	mu        sync.Mutex
	processed map[string]struct{}

	pending   PendingStore
	durableID ProcessedStore
	dlq       DeadLetterStore
	audit     AuditStore
}

// DurableStores bundles the persistence collaborators of a DurableBus.
type DurableStores struct {
	Pending    PendingStore
	Processed  ProcessedStore
	DeadLetter DeadLetterStore
	Audit      AuditStore
}

// NewDurableBus creates a durable bus over the given stores.
func NewDurableBus(logger *slog.Logger, stores DurableStores) *DurableBus {
	return &DurableBus{
		core:      newCore(logger),
		processed: make(map[string]struct{}),
		pending:   stores.Pending,
		durableID: stores.Processed,
		dlq:       stores.DeadLetter,
		audit:     stores.Audit,
	}
}

// WithConsumerTimeout overrides the per-consumer invocation deadline.
func (b *DurableBus) WithConsumerTimeout(d time.Duration) *DurableBus {
	b.consumerTimeout = d
	return b
}

// RegisterConsumer adds a named consumer to the dispatch table.
func (b *DurableBus) RegisterConsumer(c Consumer) {
	b.reg.register(c, b.logger)
}

// On registers a passive listener for an event type (or Wildcard).
func (b *DurableBus) On(t EventType, fn ListenerFunc) {
	b.listeners.add(t, fn)
}

// Emit dispatches one envelope with durability bookkeeping:
//
//  1. in-process dedup set (fast path)
//  2. durable processed-id check (dedup across restarts)
//  3. persist to the pending store — the crash-recovery anchor
//  4. best-effort audit row
//  5. record id as processed (durable, best-effort, then in-process)
//  6. sequential fan-out to consumers
//  7. per-consumer failures become dead-letter entries
//  8. remove from pending (success path — no replay after this)
//  9. notify passive listeners
func (b *DurableBus) Emit(ctx context.Context, ev *Envelope) error {
	b.mu.Lock()
	_, dup := b.processed[ev.ID]
	b.mu.Unlock()
	if dup {
		b.logger.Info("duplicate envelope skipped", "event_id", ev.ID, "event_type", ev.Type)
		eventsDeduped.Inc()
		return nil
	}

	seen, err := b.durableID.Seen(ctx, ev.ID)
	if err != nil {
		// Non-fatal: in-process dedup still holds for this generation.
		b.logger.Warn("durable dedup check failed", "event_id", ev.ID, "error", err)
	} else if seen {
		b.mu.Lock()
		b.processed[ev.ID] = struct{}{}
		b.mu.Unlock()
		b.logger.Info("duplicate envelope skipped (durable)", "event_id", ev.ID, "event_type", ev.Type)
		eventsDeduped.Inc()
		return nil
	}

	if err := b.pending.Put(ctx, ev); err != nil {
		// Without the pending record a crash mid-dispatch loses the
		// envelope, so this failure is fatal to the emit.
		return err
	}

	if b.audit != nil {
		if err := b.audit.RecordEvent(ctx, ev); err != nil {
			b.logger.Warn("audit log write failed", "event_id", ev.ID, "error", err)
		}
	}

	if err := b.durableID.Mark(ctx, ev.ID); err != nil {
		b.logger.Warn("durable dedup mark failed", "event_id", ev.ID, "error", err)
	}
	b.mu.Lock()
	b.processed[ev.ID] = struct{}{}
	b.mu.Unlock()

	eventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	for _, entry := range b.dispatch(ctx, ev) {
		if err := b.dlq.Append(ctx, entry); err != nil {
			b.logger.Error("failed to append dead letter", "error", err)
		}
	}

	if err := b.pending.Remove(ctx, ev.ID); err != nil {
		// Recovery will re-deliver this envelope; consumers are
		// idempotent so the replay is harmless.
		b.logger.Warn("failed to clear pending envelope", "event_id", ev.ID, "error", err)
	}

	b.listeners.notify(ev)
	return nil
}

// Start runs crash recovery: every envelope left in the pending store is
// re-emitted through the normal path after clearing its in-process dedup
// marker. Call once at startup, after all consumers are registered.
func (b *DurableBus) Start(ctx context.Context) (int, error) {
	var left []*Envelope
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var lerr error
		left, lerr = b.pending.List(ctx)
		return lerr
	})
	if err != nil {
		return 0, err
	}
	if len(left) == 0 {
		return 0, nil
	}

	b.logger.Info("recovering in-flight envelopes", "count", len(left))

	recovered := 0
	for _, ev := range left {
		b.mu.Lock()
		delete(b.processed, ev.ID)
		b.mu.Unlock()
		// The durable processed mark from the crashed run would mask the
		// replay, so recovery bypasses it by re-dispatching directly.
		if err := b.reEmit(ctx, ev); err != nil {
			b.logger.Error("failed to recover envelope", "event_id", ev.ID, "error", err)
			continue
		}
		recovered++
		pendingRecovered.Inc()
	}
	if err := b.pending.Clear(ctx); err != nil {
		b.logger.Warn("failed to clear pending store after recovery", "error", err)
	}
	b.logger.Info("recovery complete", "recovered", recovered, "total", len(left))
	return recovered, nil
}

// reEmit replays one recovered envelope: full fan-out with dead-lettering
// and listener notification, skipping the durable dedup check that would
// otherwise suppress it.
func (b *DurableBus) reEmit(ctx context.Context, ev *Envelope) error {
	b.mu.Lock()
	if _, dup := b.processed[ev.ID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.processed[ev.ID] = struct{}{}
	b.mu.Unlock()

	eventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	for _, entry := range b.dispatch(ctx, ev) {
		if err := b.dlq.Append(ctx, entry); err != nil {
			b.logger.Error("failed to append dead letter", "error", err)
		}
	}
	b.listeners.notify(ev)
	return nil
}

// DeadLetters returns the persisted dead-letter queue.
func (b *DurableBus) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	return b.dlq.List(ctx)
}

// RetryDeadLetters drains the persisted queue and retries each entry
// against exactly the consumer that originally failed.
func (b *DurableBus) RetryDeadLetters(ctx context.Context) (RetryResult, error) {
	return b.retrySweep(ctx, b.dlq, b.audit)
}

// ConsumerCount reports the number of registered consumers, total when
// t is empty.
func (b *DurableBus) ConsumerCount(t EventType) int {
	return b.reg.count(t)
}

// RegisteredConsumers lists consumer names per event type.
func (b *DurableBus) RegisteredConsumers() map[EventType][]string {
	return b.reg.snapshot()
}

var _ Bus = (*DurableBus)(nil)
