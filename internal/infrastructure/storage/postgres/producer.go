package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
)

// Producer is the row-lock strategy's write-side companion to
// RowLockStore: producers insert OutboxMessage rows through it, inside
// their own business transaction, so the enqueue commits atomically
// with whatever else that transaction does. The relay itself never
// calls this — core.Store is read-and-delete only.
type Producer struct {
	txManager    *TxManager
	messageTable string
}

// NewProducer builds a Producer bound to txManager, this package's
// transaction-scoping component, so an enqueue call participates in a caller's already-open
// transaction instead of opening a second one.
func NewProducer(txManager *TxManager, messageTable string) *Producer {
	if messageTable == "" {
		messageTable = "outbox_message"
	}
	return &Producer{txManager: txManager, messageTable: messageTable}
}

// outboxMessageInsertColumns is OutboxMessage's "db"-tagged columns minus
// created_at, which the message table defaults at insert time.
var outboxMessageInsertColumns = func() []string {
	cols := ExtractDBColumns[core.OutboxMessage]()
	out := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == "created_at" {
			continue
		}
		out = append(out, col)
	}
	return out
}()

// Enqueue inserts one OutboxMessage, tracing the call as part of
// whichever transaction ctx is carrying (see TxManager.RunInTransaction).
// sequenceNumber is caller-assigned: producers typically draw it from a
// per-OutboxId sequence they already maintain alongside their own rows.
func (p *Producer) Enqueue(ctx context.Context, outboxID id.ID, sequenceNumber int64, destinationAddress *string, headers, body []byte) (*core.OutboxMessage, error) {
	msg := &core.OutboxMessage{
		MessageID:          id.New(),
		OutboxID:           outboxID,
		SequenceNumber:     sequenceNumber,
		DestinationAddress: destinationAddress,
		Headers:            headers,
		Body:               body,
	}

	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert(p.messageTable).
		SetMap(columnSubset(StructToMap(msg), outboxMessageInsertColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert message: %w", err)
	}

	if err := p.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := p.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
		return err
	}); err != nil {
		return nil, fmt.Errorf("insert outbox message: %w", err)
	}
	return msg, nil
}
