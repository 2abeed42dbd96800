package events

import "context"

// AuditStore records an audit row for every envelope a bus accepts.
// Writes are best-effort: the bus prefers availability of dispatch over
// auditability and never fails an emit on an audit error.
type AuditStore interface {
	RecordEvent(ctx context.Context, ev *Envelope) error

	// RecordPermanentFailure logs a dead-letter entry abandoned at the
	// retry ceiling. Data is lost for that (envelope, consumer) pair, so
	// the loss must be observable.
	RecordPermanentFailure(ctx context.Context, entry DeadLetterEntry) error
}

// ProcessedStore persists envelope ids that completed dedup bookkeeping,
// covering idempotency across process restarts.
type ProcessedStore interface {
	Mark(ctx context.Context, eventID string) error
	Seen(ctx context.Context, eventID string) (bool, error)
}

// PendingStore is the crash-recovery anchor: envelopes are put here before
// dispatch and removed only after the full fan-out completes. Whatever is
// left after a crash gets re-emitted on startup.
type PendingStore interface {
	Put(ctx context.Context, ev *Envelope) error
	Remove(ctx context.Context, eventID string) error
	List(ctx context.Context) ([]*Envelope, error)
	Clear(ctx context.Context) error
}

// DeadLetterStore is a durable list of per-consumer failures eligible for
// bounded retry. Drain must remove and return all entries atomically so a
// retry sweep never processes an entry twice.
type DeadLetterStore interface {
	Append(ctx context.Context, entry DeadLetterEntry) error
	List(ctx context.Context) ([]DeadLetterEntry, error)
	Drain(ctx context.Context) ([]DeadLetterEntry, error)
	Clear(ctx context.Context) error
}
