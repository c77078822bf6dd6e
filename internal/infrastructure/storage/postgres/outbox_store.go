package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"outboxd/internal/core/apperror"
	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
)

// RowLockStore is the row-lock strategy Store binding (spec §4.5,
// §9): each attempt opens a real SQL transaction and acquires the
// OutboxState row with SELECT ... FOR UPDATE, relying on PostgreSQL's
// native row locking for mutual exclusion between workers.
type RowLockStore struct {
	pool         *Pool
	lockProvider LockStatementProvider
	stateTable   string
	messageTable string
}

// RowLockStoreOption configures a RowLockStore at construction.
type RowLockStoreOption func(*RowLockStore)

// WithLockStatementProvider overrides the default FOR UPDATE clause.
func WithLockStatementProvider(p LockStatementProvider) RowLockStoreOption {
	return func(s *RowLockStore) { s.lockProvider = p }
}

// WithTableNames overrides the default "outbox_state"/"outbox_message"
// table names, for deployments that namespace the schema differently.
func WithTableNames(stateTable, messageTable string) RowLockStoreOption {
	return func(s *RowLockStore) {
		s.stateTable = stateTable
		s.messageTable = messageTable
	}
}

// NewRowLockStore builds a RowLockStore bound to pool.
func NewRowLockStore(pool *Pool, opts ...RowLockStoreOption) *RowLockStore {
	s := &RowLockStore{
		pool:         pool,
		lockProvider: NewStaticLockStatementProvider(LockForUpdate),
		stateTable:   "outbox_state",
		messageTable: "outbox_message",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.Store = (*RowLockStore)(nil)

// outboxStateColumns is OutboxState's full set of "db"-tagged columns,
// shared by InsertState and ReplaceState so the column list and the
// struct stay in lockstep.
var outboxStateColumns = ExtractDBColumns[core.OutboxState]()

func toPgxIsolation(level core.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case core.IsolationSerializable:
		return pgx.Serializable
	case core.IsolationRepeatableRead:
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}

// BeginTx opens a pgx transaction at the configured isolation level,
// wrapped in an otel span covering the whole attempt so a relay's
// lock/read/send/commit sequence is traceable end to end.
func (s *RowLockStore) BeginTx(ctx context.Context, isolation core.IsolationLevel) (core.Tx, error) {
	spanCtx, span := tracer.Start(ctx, "outbox.attempt")

	tx, err := s.pool.BeginTx(spanCtx, pgx.TxOptions{
		IsoLevel:   toPgxIsolation(isolation),
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		span.End()
		return nil, apperror.NewTransientStore("begin transaction", err)
	}
	return &rowLockTx{
		tx:           tx,
		span:         span,
		lockProvider: s.lockProvider,
		stateTable:   s.stateTable,
		messageTable: s.messageTable,
	}, nil
}

// PendingOutboxIDs scans up to limit message rows with a non-null
// OutboxId, lowest sequence numbers first, and returns their distinct
// OutboxIds ordered by each outbox's oldest scanned message so older
// backlogs are discovered first.
func (s *RowLockStore) PendingOutboxIDs(ctx context.Context, limit int) ([]id.ID, error) {
	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("outbox_id").
		FromSelect(
			squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
				Select("outbox_id", "sequence_number").
				From(s.messageTable).
				Where(squirrel.NotEq{"outbox_id": nil}).
				OrderBy("sequence_number ASC").
				Limit(uint64(limit)),
			"scanned",
		).
		GroupBy("outbox_id").
		OrderBy("MIN(sequence_number) ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending outbox ids query: %w", err)
	}

	var ids []id.ID
	if err := pgxscan.Select(ctx, s.pool.Pool, &ids, sql, args...); err != nil {
		return nil, apperror.NewTransientStore("scan pending outbox ids", err)
	}
	return ids, nil
}

// AutoRetryTransientFaults is true: a row-lock transaction never
// commits before a transient fault is detected, so re-running the
// attempt in-process is always safe.
func (s *RowLockStore) AutoRetryTransientFaults() bool { return true }

// rowLockTx implements core.Tx over a single pgx.Tx.
type rowLockTx struct {
	tx           pgx.Tx
	span         trace.Span
	lockProvider LockStatementProvider
	stateTable   string
	messageTable string
}

var _ core.Tx = (*rowLockTx)(nil)

// buildLockStateQuery builds the row-locking SELECT, suffixed with
// whichever LockClause t.lockProvider supplies.
func (t *rowLockTx) buildLockStateQuery(outboxID id.ID) (string, []any, error) {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("outbox_id", "last_sequence_number", "delivered", "version").
		From(t.stateTable).
		Where(squirrel.Eq{"outbox_id": outboxID}).
		Suffix(string(t.lockProvider.LockClause())).
		ToSql()
}

func (t *rowLockTx) LockState(ctx context.Context, outboxID id.ID) (*core.OutboxState, bool, error) {
	sql, args, err := t.buildLockStateQuery(outboxID)
	if err != nil {
		return nil, false, fmt.Errorf("build lock state query: %w", err)
	}

	var state core.OutboxState
	if err := pgxscan.Get(ctx, t.tx, &state, sql, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, true, nil
		}
		return nil, false, apperror.NewTransientStore("lock outbox state", err)
	}
	return &state, true, nil
}

func (t *rowLockTx) InsertState(ctx context.Context, state *core.OutboxState) error {
	values := StructToMap(state)

	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert(t.stateTable).
		SetMap(columnSubset(values, outboxStateColumns)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert state: %w", err)
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return apperror.NewTransientStore("insert outbox state", err)
	}
	return nil
}

func (t *rowLockTx) ReplaceState(ctx context.Context, state *core.OutboxState) error {
	values := StructToMap(state)
	delete(values, "outbox_id") // identifies the row, belongs in WHERE, not SET

	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update(t.stateTable).
		SetMap(columnSubset(values, outboxStateColumns)).
		Where(squirrel.Eq{"outbox_id": state.OutboxID}).
		Where(squirrel.Lt{"version": state.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build replace state: %w", err)
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return apperror.NewTransientStore("replace outbox state", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification(state.OutboxID)
	}
	return nil
}

func (t *rowLockTx) PendingMessages(ctx context.Context, outboxID id.ID, after int64, limit int) ([]*core.OutboxMessage, error) {
	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("message_id", "outbox_id", "sequence_number", "destination_address", "headers", "body", "created_at").
		From(t.messageTable).
		Where(squirrel.Eq{"outbox_id": outboxID}).
		Where(squirrel.Gt{"sequence_number": after}).
		OrderBy("sequence_number ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending messages query: %w", err)
	}

	var messages []*core.OutboxMessage
	if err := pgxscan.Select(ctx, t.tx, &messages, sql, args...); err != nil {
		return nil, apperror.NewTransientStore("read pending messages", err)
	}
	return messages, nil
}

func (t *rowLockTx) DeleteMessage(ctx context.Context, messageID id.ID) error {
	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Delete(t.messageTable).
		Where(squirrel.Eq{"message_id": messageID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete message: %w", err)
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return apperror.NewTransientStore("delete delivered message", err)
	}
	return nil
}

func (t *rowLockTx) DeleteAllMessages(ctx context.Context, outboxID id.ID) (int, error) {
	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Delete(t.messageTable).
		Where(squirrel.Eq{"outbox_id": outboxID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete all messages: %w", err)
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, apperror.NewTransientStore("delete all messages", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *rowLockTx) DeleteState(ctx context.Context, outboxID id.ID) error {
	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Delete(t.stateTable).
		Where(squirrel.Eq{"outbox_id": outboxID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete state: %w", err)
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return apperror.NewTransientStore("delete outbox state", err)
	}
	return nil
}

func (t *rowLockTx) Commit(ctx context.Context) error {
	defer t.span.End()
	if err := t.tx.Commit(ctx); err != nil {
		return apperror.NewTransientStore("commit transaction", err)
	}
	return nil
}

func (t *rowLockTx) Abort(ctx context.Context) error {
	defer t.span.End()
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return apperror.NewTransientStore("rollback transaction", err)
	}
	return nil
}
