package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
	"outboxd/internal/domain/outbox"
	"outboxd/pkg/logger"
)

type countingObserver struct {
	mu      sync.Mutex
	passes  int
	faults  int
	drained int
}

func (o *countingObserver) ObservePass(dispatched int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
	o.drained += dispatched
}

func (o *countingObserver) ObserveWorkerFault(id.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults++
}

func (o *countingObserver) ObserveMessagesSent(int)      {}
func (o *countingObserver) ObserveSendFault(id.ID)       {}
func (o *countingObserver) ObserveOutboxDelivered(id.ID) {}

func (o *countingObserver) snapshot() (passes, faults, drained int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.passes, o.faults, o.drained
}

// The dispatcher fans a worker out per distinct outbox id and drains all
// of them to completion within a handful of poll ticks.
func TestDispatcher_Run_DrainsMultipleOutboxesConcurrently(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()

	const numOutboxes = 5
	ids := make([]id.ID, numOutboxes)
	for i := range ids {
		ids[i] = id.New()
		store.addMessage(&core.OutboxMessage{
			MessageID: id.New(), OutboxID: ids[i], SequenceNumber: 1,
			DestinationAddress: addrStr("dest"), Body: []byte("x"),
		})
	}

	opts := testOpts()
	opts.QueryDelay = 10 * time.Millisecond
	observer := &countingObserver{}
	d := outbox.NewDispatcher(store, bus, opts, logger.Default(), observer)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, outboxID := range ids {
			if store.hasState(outboxID) {
				return false
			}
		}
		return true
	}, 400*time.Millisecond, 10*time.Millisecond, "all outboxes should drain and clean up their state rows")

	cancel()
	<-done

	assert.Len(t, bus.sentIDs(), numOutboxes)
	passes, _, _ := observer.snapshot()
	assert.Positive(t, passes)
}

// A panicking worker (simulated via a store whose transactions panic on
// LockState for a single outbox) must not prevent siblings in the same pass from being
// processed, and must be reported through ObserveWorkerFault.
func TestDispatcher_Run_IsolatesWorkerPanic(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()

	healthyID := id.New()
	panicID := id.New()
	store.addMessage(&core.OutboxMessage{
		MessageID: id.New(), OutboxID: healthyID, SequenceNumber: 1,
		DestinationAddress: addrStr("dest"), Body: []byte("x"),
	})
	store.addMessage(&core.OutboxMessage{
		MessageID: id.New(), OutboxID: panicID, SequenceNumber: 1,
		DestinationAddress: addrStr("dest"), Body: []byte("x"),
	})

	panicking := &panicOnceStore{fakeStore: store, panicOutbox: panicID}

	opts := testOpts()
	opts.QueryDelay = 10 * time.Millisecond
	observer := &countingObserver{}
	d := outbox.NewDispatcher(panicking, bus, opts, logger.Default(), observer)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !store.hasState(healthyID)
	}, 250*time.Millisecond, 10*time.Millisecond, "the healthy outbox must still drain despite its sibling panicking")

	cancel()
	<-done

	_, faults, _ := observer.snapshot()
	assert.Positive(t, faults, "the panicking worker's fault must be observed")
}

// panicOnceStore wraps fakeStore so that locking panicOutbox panics,
// simulating an unrecovered defect in a single worker without tearing
// down the shared store or its siblings.
type panicOnceStore struct {
	*fakeStore
	panicOutbox id.ID
}

func (p *panicOnceStore) BeginTx(ctx context.Context, level core.IsolationLevel) (core.Tx, error) {
	tx, err := p.fakeStore.BeginTx(ctx, level)
	if err != nil {
		return nil, err
	}
	return &panicOnceTx{Tx: tx, panicOutbox: p.panicOutbox}, nil
}

type panicOnceTx struct {
	core.Tx
	panicOutbox id.ID
}

func (t *panicOnceTx) LockState(ctx context.Context, outboxID id.ID) (*core.OutboxState, bool, error) {
	if outboxID == t.panicOutbox {
		panic("simulated worker defect")
	}
	return t.Tx.LockState(ctx, outboxID)
}
