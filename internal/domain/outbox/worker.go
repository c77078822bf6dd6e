// Package outbox wires the core state machine (outboxd/internal/core/outbox)
// to a bound Store/Bus pair: the per-outbox delivery worker and the
// polling dispatcher that fans workers out across distinct outbox ids.
package outbox

import (
	"context"

	"outboxd/internal/core/apperror"
	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
	"outboxd/pkg/logger"
)

// Worker drives one outbox through repeated transactional attempts until
// it is drained and cleaned up, or a fatal fault propagates (spec §4.2).
type Worker struct {
	store    core.Store
	bus      core.Bus
	opts     core.Options
	log      *logger.Logger
	observer PassObserver
}

// NewWorker builds a Worker bound to store and bus.
func NewWorker(store core.Store, bus core.Bus, opts core.Options, log *logger.Logger, observer PassObserver) *Worker {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Worker{store: store, bus: bus, opts: opts, log: log.WithComponent("outbox-worker"), observer: observer}
}

// Run repeats transactional attempts for outboxID until the outbox is
// drained and cleaned up (attempt returns continueProcessing=false), the
// caller's context is cancelled, or a fault propagates.
func (w *Worker) Run(ctx context.Context, outboxID id.ID) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cont, err := w.attempt(ctx, outboxID)
		if err != nil {
			if apperror.IsTransient(err) && w.store.AutoRetryTransientFaults() {
				// Row-lock strategy: a serialization/lock-timeout fault is
				// safe to re-run immediately — the transaction never
				// committed. The lock-token strategy never takes this
				// branch because a send may have happened before a failed
				// commit (spec §9); it propagates instead.
				continue
			}
			return err
		}
		if !cont {
			return nil
		}
	}
}

// attempt runs exactly one transactional delivery attempt (spec §4.2).
func (w *Worker) attempt(ctx context.Context, outboxID id.ID) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.opts.QueryTimeout)
	defer cancel()

	tx, err := w.store.BeginTx(attemptCtx, w.opts.IsolationLevel)
	if err != nil {
		return false, apperror.NewTransientStore("begin transaction", err)
	}

	cont, runErr := w.runAttempt(attemptCtx, tx, outboxID)
	if runErr != nil {
		w.abort(ctx, tx, outboxID, runErr)
		if appErr, ok := apperror.AsAppError(runErr); ok && appErr.Code == apperror.CodeLockContention {
			// Lock-token CAS lost the race; retry silently on the next
			// outer-loop iteration, not logged as a fault.
			return true, nil
		}
		return false, runErr
	}

	if commitErr := tx.Commit(attemptCtx); commitErr != nil {
		wrapped := apperror.NewTransientStore("commit transaction", commitErr)
		w.abort(ctx, tx, outboxID, wrapped)
		if appErr, ok := apperror.AsAppError(commitErr); ok && appErr.Code == apperror.CodeLockContention {
			return true, nil
		}
		return false, wrapped
	}

	return cont, nil
}

// abort swallows a secondary abort fault with a warning rather than
// masking the primary cause.
func (w *Worker) abort(ctx context.Context, tx core.Tx, outboxID id.ID, cause error) {
	if abortErr := tx.Abort(context.Background()); abortErr != nil {
		w.log.Warnw("rollback failed", "outbox_id", outboxID, "error", abortErr, "original_error", cause)
	}
	_ = ctx
}

// runAttempt implements the per-attempt state branch (spec §4.2 step 3).
func (w *Worker) runAttempt(ctx context.Context, tx core.Tx, outboxID id.ID) (bool, error) {
	state, acquired, err := tx.LockState(ctx, outboxID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, apperror.NewLockContention(outboxID)
	}

	if state == nil {
		fresh := &core.OutboxState{OutboxID: outboxID, Version: 1}
		if err := tx.InsertState(ctx, fresh); err != nil {
			return false, err
		}
		return true, nil
	}

	if state.Delivered != nil {
		count, err := tx.DeleteAllMessages(ctx, outboxID)
		if err != nil {
			return false, err
		}
		if err := tx.DeleteState(ctx, outboxID); err != nil {
			return false, err
		}
		w.log.Debugw("outbox-removed", "outbox_id", outboxID, "count", count)
		return false, nil
	}

	next, result, err := core.RunDeliveryPass(ctx, tx, w.bus, state, w.opts, w.log)
	if err != nil {
		return false, err
	}
	next.Version = state.Version + 1

	if err := tx.ReplaceState(ctx, next); err != nil {
		return false, err
	}

	if result.SentCount > 0 {
		w.observer.ObserveMessagesSent(result.SentCount)
	}
	if result.Faulted {
		w.observer.ObserveSendFault(outboxID)
	}
	if next.Delivered != nil {
		w.observer.ObserveOutboxDelivered(outboxID)
		w.log.Infow("outbox-delivered", "outbox_id", outboxID, "delivered_at", *next.Delivered)
	}
	return true, nil
}
