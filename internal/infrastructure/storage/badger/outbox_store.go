// Package badger is the lock-token strategy Store binding (spec §4.5,
// §9): it runs the relay against an embedded BadgerDB instance instead
// of a SQL database. BadgerDB transactions are optimistic — a writer
// never blocks a reader or another writer, but Commit fails with
// ErrConflict if the transaction's read set was invalidated meanwhile.
// That native conflict detection is what backs the "lock-token CAS"
// the spec describes for document/KV stores: LockState never blocks or
// refuses a read, and contention surfaces only at Commit time.
package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"outboxd/internal/core/apperror"
	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
)

const (
	stateKeyPrefix   = "state/"
	messageKeyPrefix = "msg/"
	msgIDKeyPrefix   = "msgid/"
	seqKeyPrefix     = "seq/"
)

func stateKey(outboxID id.ID) []byte {
	return []byte(stateKeyPrefix + outboxID.String())
}

func messageKeyPrefixFor(outboxID id.ID) string {
	return fmt.Sprintf("%s%s/", messageKeyPrefix, outboxID.String())
}

func messageKey(outboxID id.ID, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", messageKeyPrefixFor(outboxID), seq))
}

func msgIDKey(messageID id.ID) []byte {
	return []byte(msgIDKeyPrefix + messageID.String())
}

func seqCounterKey(outboxID id.ID) []byte {
	return []byte(seqKeyPrefix + outboxID.String())
}

// LockTokenStore is the BadgerDB Store binding.
type LockTokenStore struct {
	db *badgerdb.DB
}

// NewLockTokenStore builds a LockTokenStore bound to db.
func NewLockTokenStore(db *badgerdb.DB) *LockTokenStore {
	return &LockTokenStore{db: db}
}

var _ core.Store = (*LockTokenStore)(nil)

// BeginTx opens a BadgerDB read-write transaction. isolation is ignored:
// Badger always runs serializable snapshot isolation.
func (s *LockTokenStore) BeginTx(_ context.Context, _ core.IsolationLevel) (core.Tx, error) {
	return &lockTokenTx{txn: s.db.NewTransaction(true)}, nil
}

// PendingOutboxIDs scans up to limit message keys and returns their
// distinct OutboxIds. Badger has no secondary index, so this is a
// prefix scan over every pending message key; fine at the scale a
// single embedded instance targets, but it is the one place this
// strategy pays for simplicity over the row-lock strategy's indexed
// DISTINCT query.
func (s *LockTokenStore) PendingOutboxIDs(_ context.Context, limit int) ([]id.ID, error) {
	var ids []id.ID
	seen := make(map[id.ID]struct{})

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(messageKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		scanned := 0
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix) && scanned < limit; it.Next() {
			scanned++
			outboxID, ok := outboxIDFromMessageKey(it.Item().Key())
			if !ok {
				continue
			}
			if _, dup := seen[outboxID]; dup {
				continue
			}
			seen[outboxID] = struct{}{}
			ids = append(ids, outboxID)
		}
		return nil
	})
	if err != nil {
		return nil, apperror.NewTransientStore("scan pending outbox ids", err)
	}
	return ids, nil
}

// outboxIDFromMessageKey parses "msg/<outboxID>/<seq>" back to an id.ID.
func outboxIDFromMessageKey(key []byte) (id.ID, bool) {
	s := string(key)
	prefixLen := len(messageKeyPrefix)
	if len(s) <= prefixLen {
		return id.ID{}, false
	}
	rest := s[prefixLen:]
	slash := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return id.ID{}, false
	}
	outboxID, err := id.Parse(rest[:slash])
	if err != nil {
		return id.ID{}, false
	}
	return outboxID, true
}

// AutoRetryTransientFaults is false: a Badger transaction that fails to
// commit may have sent messages during its run (spec §9) — the attempt
// must propagate and let the dispatcher pick it up again on the next
// pass, not silently re-run in-process.
func (s *LockTokenStore) AutoRetryTransientFaults() bool { return false }

// EnqueueMessage is the producer-facing write path, analogous to the
// row-lock strategy's ordinary INSERT into the message table: the
// producer calls it with a transaction it already holds open for its
// own business writes, so the outbox write commits atomically with
// them. Not part of core.Store — the relay never inserts messages.
func (s *LockTokenStore) EnqueueMessage(txn *badgerdb.Txn, outboxID id.ID, destinationAddress *string, headers, body []byte) (*core.OutboxMessage, error) {
	seq, err := nextSequenceNumber(txn, outboxID)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence number: %w", err)
	}

	msg := &core.OutboxMessage{
		MessageID:          id.New(),
		OutboxID:           outboxID,
		SequenceNumber:     seq,
		DestinationAddress: destinationAddress,
		Headers:            headers,
		Body:               body,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox message: %w", err)
	}

	primaryKey := messageKey(outboxID, seq)
	if err := txn.Set(primaryKey, data); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := txn.Set(msgIDKey(msg.MessageID), primaryKey); err != nil {
		return nil, fmt.Errorf("write message id index: %w", err)
	}
	return msg, nil
}

func nextSequenceNumber(txn *badgerdb.Txn, outboxID id.ID) (int64, error) {
	key := seqCounterKey(outboxID)
	var next int64 = 1

	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		// first message for this outbox
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &next)
		}); err != nil {
			return 0, err
		}
		next++
	}

	data, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	if err := txn.Set(key, data); err != nil {
		return 0, err
	}
	return next, nil
}

// lockTokenTx implements core.Tx over a single badger.Txn.
type lockTokenTx struct {
	txn *badgerdb.Txn
}

var _ core.Tx = (*lockTokenTx)(nil)

func (t *lockTokenTx) LockState(_ context.Context, outboxID id.ID) (*core.OutboxState, bool, error) {
	item, err := t.txn.Get(stateKey(outboxID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, apperror.NewTransientStore("get outbox state", err)
	}

	var state core.OutboxState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	}); err != nil {
		return nil, false, apperror.NewTransientStore("decode outbox state", err)
	}
	return &state, true, nil
}

func (t *lockTokenTx) InsertState(_ context.Context, state *core.OutboxState) error {
	return t.putState(state)
}

func (t *lockTokenTx) ReplaceState(_ context.Context, state *core.OutboxState) error {
	// The optimistic guard is enforced by Badger's own conflict
	// detection at Commit time (LockState already added this key to
	// the transaction's read set); Version is still stamped for
	// observability and to match the row-lock strategy's on-disk shape.
	return t.putState(state)
}

func (t *lockTokenTx) putState(state *core.OutboxState) error {
	state.LockToken = id.New().String()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal outbox state: %w", err)
	}
	if err := t.txn.Set(stateKey(state.OutboxID), data); err != nil {
		return apperror.NewTransientStore("write outbox state", err)
	}
	return nil
}

func (t *lockTokenTx) PendingMessages(_ context.Context, outboxID id.ID, after int64, limit int) ([]*core.OutboxMessage, error) {
	prefix := []byte(messageKeyPrefixFor(outboxID))
	seekKey := messageKey(outboxID, after+1)

	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var messages []*core.OutboxMessage
	for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
		var msg core.OutboxMessage
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return nil, apperror.NewTransientStore("decode outbox message", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (t *lockTokenTx) DeleteMessage(_ context.Context, messageID id.ID) error {
	idxKey := msgIDKey(messageID)
	item, err := t.txn.Get(idxKey)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return apperror.NewTransientStore("find message by id", err)
	}

	var primaryKey []byte
	if err := item.Value(func(val []byte) error {
		primaryKey = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return apperror.NewTransientStore("read message index entry", err)
	}

	if err := t.txn.Delete(primaryKey); err != nil {
		return apperror.NewTransientStore("delete message", err)
	}
	if err := t.txn.Delete(idxKey); err != nil {
		return apperror.NewTransientStore("delete message id index", err)
	}
	return nil
}

func (t *lockTokenTx) DeleteAllMessages(_ context.Context, outboxID id.ID) (int, error) {
	prefix := []byte(messageKeyPrefixFor(outboxID))

	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)

	type pending struct {
		primaryKey []byte
		messageID  id.ID
	}
	var toDelete []pending

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := append([]byte(nil), it.Item().Key()...)
		var msg core.OutboxMessage
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			it.Close()
			return 0, apperror.NewTransientStore("decode outbox message", err)
		}
		toDelete = append(toDelete, pending{primaryKey: key, messageID: msg.MessageID})
	}
	it.Close()

	for _, p := range toDelete {
		if err := t.txn.Delete(p.primaryKey); err != nil {
			return 0, apperror.NewTransientStore("delete message", err)
		}
		if err := t.txn.Delete(msgIDKey(p.messageID)); err != nil {
			return 0, apperror.NewTransientStore("delete message id index", err)
		}
	}
	if err := t.txn.Delete(seqCounterKey(outboxID)); err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return 0, apperror.NewTransientStore("delete sequence counter", err)
	}
	return len(toDelete), nil
}

func (t *lockTokenTx) DeleteState(_ context.Context, outboxID id.ID) error {
	if err := t.txn.Delete(stateKey(outboxID)); err != nil {
		return apperror.NewTransientStore("delete outbox state", err)
	}
	return nil
}

func (t *lockTokenTx) Commit(_ context.Context) error {
	if err := t.txn.Commit(); err != nil {
		if errors.Is(err, badgerdb.ErrConflict) {
			return apperror.NewLockContention("unknown")
		}
		return apperror.NewTransientStore("commit transaction", err)
	}
	return nil
}

func (t *lockTokenTx) Abort(_ context.Context) error {
	t.txn.Discard()
	return nil
}
