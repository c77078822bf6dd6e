package outbox_test

import (
	"context"
	"sort"
	"sync"

	"outboxd/internal/core/apperror"
	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
)

// fakeStore is an in-memory core.Store used by worker/dispatcher tests.
// Every Tx method locks the store for the duration of the call only, so
// a panic mid-attempt (exercised by dispatcher tests) can never wedge
// the store for sibling workers the way holding the lock across the
// whole attempt would.
type fakeStore struct {
	mu         sync.Mutex
	states     map[id.ID]*core.OutboxState
	messages   map[id.ID][]*core.OutboxMessage
	autoRetry  bool
	beginFault error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   make(map[id.ID]*core.OutboxState),
		messages: make(map[id.ID][]*core.OutboxMessage),
	}
}

func (s *fakeStore) BeginTx(context.Context, core.IsolationLevel) (core.Tx, error) {
	if s.beginFault != nil {
		return nil, s.beginFault
	}
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) PendingOutboxIDs(_ context.Context, limit int) ([]id.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []id.ID
	for outboxID, msgs := range s.messages {
		if len(msgs) > 0 {
			ids = append(ids, outboxID)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) AutoRetryTransientFaults() bool { return s.autoRetry }

func (s *fakeStore) addMessage(msg *core.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.OutboxID] = append(s.messages[msg.OutboxID], msg)
}

func (s *fakeStore) hasState(outboxID id.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[outboxID]
	return ok
}

func (s *fakeStore) messageCount(outboxID id.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[outboxID])
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) LockState(_ context.Context, outboxID id.ID) (*core.OutboxState, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	st, ok := t.store.states[outboxID]
	if !ok {
		return nil, true, nil
	}
	cp := *st
	return &cp, true, nil
}

func (t *fakeTx) InsertState(_ context.Context, state *core.OutboxState) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	cp := *state
	t.store.states[state.OutboxID] = &cp
	return nil
}

func (t *fakeTx) ReplaceState(_ context.Context, state *core.OutboxState) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	existing, ok := t.store.states[state.OutboxID]
	if ok && existing.Version >= state.Version {
		return apperror.NewConcurrentModification(state.OutboxID)
	}
	cp := *state
	t.store.states[state.OutboxID] = &cp
	return nil
}

func (t *fakeTx) PendingMessages(_ context.Context, outboxID id.ID, after int64, limit int) ([]*core.OutboxMessage, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	all := append([]*core.OutboxMessage(nil), t.store.messages[outboxID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].SequenceNumber < all[j].SequenceNumber })

	var out []*core.OutboxMessage
	for _, m := range all {
		if m.SequenceNumber > after {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *fakeTx) DeleteMessage(_ context.Context, messageID id.ID) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for outboxID, msgs := range t.store.messages {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.MessageID != messageID {
				kept = append(kept, m)
			}
		}
		t.store.messages[outboxID] = kept
	}
	return nil
}

func (t *fakeTx) DeleteAllMessages(_ context.Context, outboxID id.ID) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	n := len(t.store.messages[outboxID])
	delete(t.store.messages, outboxID)
	return n, nil
}

func (t *fakeTx) DeleteState(_ context.Context, outboxID id.ID) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	delete(t.store.states, outboxID)
	return nil
}

func (t *fakeTx) Commit(context.Context) error { return nil }
func (t *fakeTx) Abort(context.Context) error  { return nil }

// fakeBus always resolves an endpoint and records sends; it can be told
// to fail sends to a given address exactly once, or forever.
type fakeBus struct {
	mu            sync.Mutex
	sent          []id.ID
	failOnce      map[string]bool
	permanentFail map[string]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{failOnce: make(map[string]bool), permanentFail: make(map[string]bool)}
}

func (b *fakeBus) sentIDs() []id.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]id.ID(nil), b.sent...)
}

func (b *fakeBus) WaitForHealthStatus(context.Context, core.HealthStatus) error { return nil }

func (b *fakeBus) GetSendEndpoint(_ context.Context, address string) (core.SendEndpoint, error) {
	return address, nil
}

func (b *fakeBus) Send(_ context.Context, endpoint core.SendEndpoint, env core.Envelope) error {
	address := endpoint.(string)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.permanentFail[address] {
		return errFakeSendRejected
	}
	if b.failOnce[address] {
		delete(b.failOnce, address)
		return errFakeSendRejected
	}
	b.sent = append(b.sent, env.MessageID)
	return nil
}

type fakeSendError struct{ msg string }

func (e *fakeSendError) Error() string { return e.msg }

var errFakeSendRejected = &fakeSendError{msg: "simulated bus rejection"}
