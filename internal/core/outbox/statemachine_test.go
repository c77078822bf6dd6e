package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outboxd/internal/core/id"
	"outboxd/internal/core/outbox"
	"outboxd/pkg/logger"
)

// fakeTx is a minimal in-memory Tx used only to drive RunDeliveryPass;
// the state, cleanup and bulk-delete methods are unused by the state
// machine and panic if ever called from here. Commit and Abort are no-ops.
type fakeTx struct {
	messages []*outbox.OutboxMessage
	deleted  []id.ID
}

func (f *fakeTx) LockState(context.Context, id.ID) (*outbox.OutboxState, bool, error) {
	panic("not used by state machine tests")
}
func (f *fakeTx) InsertState(context.Context, *outbox.OutboxState) error {
	panic("not used by state machine tests")
}
func (f *fakeTx) ReplaceState(context.Context, *outbox.OutboxState) error {
	panic("not used by state machine tests")
}

func (f *fakeTx) PendingMessages(_ context.Context, outboxID id.ID, after int64, limit int) ([]*outbox.OutboxMessage, error) {
	var out []*outbox.OutboxMessage
	for _, m := range f.messages {
		if m.OutboxID == outboxID && m.SequenceNumber > after {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTx) DeleteMessage(_ context.Context, messageID id.ID) error {
	f.deleted = append(f.deleted, messageID)
	kept := f.messages[:0]
	for _, m := range f.messages {
		if m.MessageID != messageID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

func (f *fakeTx) DeleteAllMessages(context.Context, id.ID) (int, error) { panic("not used") }
func (f *fakeTx) DeleteState(context.Context, id.ID) error              { panic("not used") }
func (f *fakeTx) Commit(context.Context) error                         { return nil }
func (f *fakeTx) Abort(context.Context) error                          { return nil }

type sentMsg struct {
	address string
	body    []byte
}

// fakeBus sends successfully unless failAt matches the message's
// destination address.
type fakeBus struct {
	sent   []sentMsg
	failAt map[string]bool
}

func (b *fakeBus) WaitForHealthStatus(context.Context, outbox.HealthStatus) error { return nil }

func (b *fakeBus) GetSendEndpoint(_ context.Context, address string) (outbox.SendEndpoint, error) {
	return address, nil
}

func (b *fakeBus) Send(_ context.Context, endpoint outbox.SendEndpoint, env outbox.Envelope) error {
	address := endpoint.(string)
	if b.failAt[address] {
		return errors.New("simulated bus rejection")
	}
	b.sent = append(b.sent, sentMsg{address: address, body: env.Body})
	return nil
}

func addr(s string) *string { return &s }

func newOptions(limit int) outbox.Options {
	opts := outbox.DefaultOptions()
	opts.MessageDeliveryLimit = limit
	opts.MessageDeliveryTimeout = time.Second
	return opts
}

func testLogger() *logger.Logger { return logger.Default() }

// S1: one outbox, 1 message, destination present -> 1 send.
func TestRunDeliveryPass_S1_SingleMessage(t *testing.T) {
	outboxID := id.New()
	msgID := id.New()
	tx := &fakeTx{messages: []*outbox.OutboxMessage{
		{MessageID: msgID, OutboxID: outboxID, SequenceNumber: 1, DestinationAddress: addr("dest-1"), Body: []byte("a")},
	}}
	bus := &fakeBus{}
	state := &outbox.OutboxState{OutboxID: outboxID, Version: 1}

	next, result, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state, newOptions(20), testLogger())
	require.NoError(t, err)

	assert.Len(t, bus.sent, 1)
	assert.Len(t, tx.deleted, 1)
	assert.Equal(t, msgID, tx.deleted[0])
	assert.Equal(t, 1, result.SentCount)
	assert.False(t, result.Faulted)
	require.NotNil(t, next.LastSequenceNumber)
	assert.Equal(t, int64(1), *next.LastSequenceNumber)
	assert.NotNil(t, next.Delivered)
}

// S2: MessageDeliveryLimit+5 messages -> first attempt sends exactly the
// limit and does not mark Delivered.
func TestRunDeliveryPass_S2_BoundedByLimit(t *testing.T) {
	outboxID := id.New()
	const limit = 10
	var messages []*outbox.OutboxMessage
	for seq := int64(1); seq <= limit+5; seq++ {
		messages = append(messages, &outbox.OutboxMessage{
			MessageID: id.New(), OutboxID: outboxID, SequenceNumber: seq,
			DestinationAddress: addr("dest"), Body: []byte("x"),
		})
	}
	tx := &fakeTx{messages: messages}
	bus := &fakeBus{}
	state := &outbox.OutboxState{OutboxID: outboxID, Version: 1}

	next, result, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state, newOptions(limit), testLogger())
	require.NoError(t, err)

	assert.Len(t, bus.sent, limit)
	assert.Equal(t, limit, result.SentCount)
	assert.False(t, result.Faulted)
	require.NotNil(t, next.LastSequenceNumber)
	assert.Equal(t, int64(limit), *next.LastSequenceNumber)
	assert.Nil(t, next.Delivered, "should not be marked delivered while the batch was bounded by the limit")

	// Second attempt, from the advanced cursor, drains the remaining 5 and delivers.
	state2 := next
	next2, result2, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state2, newOptions(limit), testLogger())
	require.NoError(t, err)
	assert.Len(t, bus.sent, limit+5)
	assert.Equal(t, 5, result2.SentCount)
	assert.NotNil(t, next2.Delivered)
}

// S3: 3 messages, the 2nd has a null destination -> msg1 and msg3 sent,
// msg2 skipped, cursor advances to msg3's sequence number.
func TestRunDeliveryPass_S3_NullDestinationSkipped(t *testing.T) {
	outboxID := id.New()
	tx := &fakeTx{messages: []*outbox.OutboxMessage{
		{MessageID: id.New(), OutboxID: outboxID, SequenceNumber: 1, DestinationAddress: addr("dest"), Body: []byte("1")},
		{MessageID: id.New(), OutboxID: outboxID, SequenceNumber: 2, DestinationAddress: nil, Body: []byte("2")},
		{MessageID: id.New(), OutboxID: outboxID, SequenceNumber: 3, DestinationAddress: addr("dest"), Body: []byte("3")},
	}}
	bus := &fakeBus{}
	state := &outbox.OutboxState{OutboxID: outboxID, Version: 1}

	next, result, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state, newOptions(20), testLogger())
	require.NoError(t, err)

	assert.Len(t, bus.sent, 2)
	assert.Equal(t, 2, result.SentCount)
	require.NotNil(t, next.LastSequenceNumber)
	assert.Equal(t, int64(3), *next.LastSequenceNumber)
	assert.NotNil(t, next.Delivered)
}

// S4: 2 messages, the bus rejects msg1 -> zero sends, zero deletions,
// LastSequenceNumber unchanged.
func TestRunDeliveryPass_S4_SendFaultHaltsProgress(t *testing.T) {
	outboxID := id.New()
	tx := &fakeTx{messages: []*outbox.OutboxMessage{
		{MessageID: id.New(), OutboxID: outboxID, SequenceNumber: 1, DestinationAddress: addr("bad"), Body: []byte("1")},
		{MessageID: id.New(), OutboxID: outboxID, SequenceNumber: 2, DestinationAddress: addr("good"), Body: []byte("2")},
	}}
	bus := &fakeBus{failAt: map[string]bool{"bad": true}}
	state := &outbox.OutboxState{OutboxID: outboxID, Version: 1}

	next, result, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state, newOptions(20), testLogger())
	require.NoError(t, err)

	assert.Empty(t, bus.sent)
	assert.Empty(t, tx.deleted)
	assert.Equal(t, 0, result.SentCount)
	assert.True(t, result.Faulted)
	assert.Nil(t, next.LastSequenceNumber)
	assert.Nil(t, next.Delivered)
}

func TestRunDeliveryPass_EmptyOutboxMarksDelivered(t *testing.T) {
	outboxID := id.New()
	tx := &fakeTx{}
	bus := &fakeBus{}
	state := &outbox.OutboxState{OutboxID: outboxID, Version: 1}

	next, result, err := outbox.RunDeliveryPass(context.Background(), tx, bus, state, newOptions(20), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, result.SentCount)
	assert.False(t, result.Faulted)
	assert.NotNil(t, next.Delivered)
}
