package outbox

import (
	"context"
	"sync"
	"time"

	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
	"outboxd/pkg/logger"
)

// PassObserver receives dispatcher- and worker-level telemetry;
// implementations back the Prometheus metrics exposed by cmd/relay. Every
// method must be safe for concurrent use from the dispatcher's worker
// goroutines.
type PassObserver interface {
	ObservePass(dispatched int, duration time.Duration)
	ObserveWorkerFault(outboxID id.ID)
	ObserveMessagesSent(count int)
	ObserveSendFault(outboxID id.ID)
	ObserveOutboxDelivered(outboxID id.ID)
}

type noopObserver struct{}

func (noopObserver) ObservePass(int, time.Duration) {}
func (noopObserver) ObserveWorkerFault(id.ID)       {}
func (noopObserver) ObserveMessagesSent(int)        {}
func (noopObserver) ObserveSendFault(id.ID)         {}
func (noopObserver) ObserveOutboxDelivered(id.ID)   {}

// Dispatcher is the Polling Dispatcher (spec §4.1): it waits for bus
// health, scans for distinct outboxes with pending messages, and fans a
// worker out per id, one pass at a time.
type Dispatcher struct {
	store    core.Store
	bus      core.Bus
	opts     core.Options
	log      *logger.Logger
	observer PassObserver
}

// NewDispatcher builds a Dispatcher bound to store and bus.
func NewDispatcher(store core.Store, bus core.Bus, opts core.Options, log *logger.Logger, observer PassObserver) *Dispatcher {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Dispatcher{store: store, bus: bus, opts: opts, log: log.WithComponent("outbox-dispatcher"), observer: observer}
}

// Run loops until ctx is cancelled: sleep, await bus health, run one
// batch pass. A single worker's fault is logged and never cancels
// siblings or the loop; the next tick retries.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("outbox dispatcher starting")
	defer d.log.Info("outbox dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.QueryDelay):
		}

		if err := d.bus.WaitForHealthStatus(ctx, core.HealthHealthy); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warnw("bus health wait failed", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		d.runBatchPass(ctx)
	}
}

func (d *Dispatcher) runBatchPass(ctx context.Context) {
	started := time.Now()

	ids, err := d.store.PendingOutboxIDs(ctx, d.opts.QueryMessageLimit)
	if err != nil {
		d.log.Errorw("pass-faulted", "stage", "scan pending outboxes", "error", err)
		return
	}

	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		d.observer.ObservePass(0, time.Since(started))
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, outboxID := range ids {
		go func(outboxID id.ID) {
			defer wg.Done()
			defer d.recoverPanic(outboxID)

			worker := NewWorker(d.store, d.bus, d.opts, d.log, d.observer)
			if err := worker.Run(ctx, outboxID); err != nil && ctx.Err() == nil {
				d.log.Errorw("pass-faulted", "outbox_id", outboxID, "error", err)
				d.observer.ObserveWorkerFault(outboxID)
			}
		}(outboxID)
	}
	wg.Wait()

	d.observer.ObservePass(len(ids), time.Since(started))
}

// recoverPanic isolates one worker's panic from its siblings, matching
// the "any single worker's unhandled fault ... does not cancel siblings"
// contract for faults that aren't plain errors.
func (d *Dispatcher) recoverPanic(outboxID id.ID) {
	if r := recover(); r != nil {
		d.log.Errorw("pass-faulted", "outbox_id", outboxID, "panic", r)
		d.observer.ObserveWorkerFault(outboxID)
	}
}

func dedupeIDs(ids []id.ID) []id.ID {
	seen := make(map[id.ID]struct{}, len(ids))
	out := make([]id.ID, 0, len(ids))
	for _, v := range ids {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
