package outbox

import (
	"context"

	"outboxd/internal/core/id"
)

// Store is the transactional store adapter (spec §4.5). Exactly one
// concrete binding — row-lock (SQL) or lock-token (document) — is bound
// per delivery service instance; the worker and state machine are
// polymorphic over either.
type Store interface {
	// BeginTx opens a transaction at the configured isolation level.
	// The lock-token strategy ignores isolation.
	BeginTx(ctx context.Context, isolation IsolationLevel) (Tx, error)

	// PendingOutboxIDs scans up to limit message rows with a non-null
	// OutboxId and returns their distinct ids. Used by the dispatcher's
	// batch pass; not transactional.
	PendingOutboxIDs(ctx context.Context, limit int) ([]id.ID, error)

	// AutoRetryTransientFaults reports whether the worker's attempt
	// loop should silently retry a transient store fault in-process
	// (true for the row-lock strategy, whose transactions are safe to
	// re-run) or propagate it to the dispatcher (false for the
	// lock-token strategy, where a send may already have happened
	// before a failed commit — see spec §9).
	AutoRetryTransientFaults() bool
}

// Tx is one attempt's transactional scope. Every method after a failed
// call, or after the transaction is committed/aborted, is invalid.
type Tx interface {
	// LockState acquires exclusive access to the OutboxState row.
	//
	// Returns (nil, true, nil) if no state row exists yet for outboxID —
	// the caller should insert a fresh one.
	// Returns (state, true, nil) if the row was loaded and locked.
	// Returns (_, false, nil) if the lock-token CAS could not claim the
	// row (another worker holds it); the caller must abort and retry.
	LockState(ctx context.Context, outboxID id.ID) (*OutboxState, bool, error)

	// InsertState inserts a brand-new OutboxState row. The lock-token
	// strategy is responsible for stamping a fresh LockToken as part of
	// this insert.
	InsertState(ctx context.Context, state *OutboxState) error

	// ReplaceState persists state with an optimistic guard: the write
	// only applies where the stored Version is less than state.Version.
	// Returns apperror with CodeConcurrentModification if the guard
	// misses.
	ReplaceState(ctx context.Context, state *OutboxState) error

	// PendingMessages reads up to limit messages for outboxID with
	// SequenceNumber > after, ordered ascending by SequenceNumber.
	PendingMessages(ctx context.Context, outboxID id.ID, after int64, limit int) ([]*OutboxMessage, error)

	// DeleteMessage removes a single message row by MessageID.
	DeleteMessage(ctx context.Context, messageID id.ID) error

	// DeleteAllMessages removes every message row for outboxID and
	// returns the count deleted.
	DeleteAllMessages(ctx context.Context, outboxID id.ID) (int, error)

	// DeleteState removes the OutboxState row for outboxID.
	DeleteState(ctx context.Context, outboxID id.ID) error

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// SendEndpoint is an opaque, reusable handle returned by
// Bus.GetSendEndpoint. Its concrete type is defined by the bus adapter.
type SendEndpoint interface{}

// Bus is the message-bus adapter (spec §4.6).
type Bus interface {
	// WaitForHealthStatus blocks until the bus reports status or ctx is
	// cancelled.
	WaitForHealthStatus(ctx context.Context, status HealthStatus) error

	// GetSendEndpoint resolves a destination address to a reusable send
	// handle.
	GetSendEndpoint(ctx context.Context, address string) (SendEndpoint, error)

	// Send emits one message, resolving only after broker
	// acknowledgement (or ctx's deadline/cancellation).
	Send(ctx context.Context, endpoint SendEndpoint, envelope Envelope) error
}
