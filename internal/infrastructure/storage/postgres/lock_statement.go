package postgres

// LockClause names the row-locking clause appended to the SELECT that
// acquires an OutboxState row. Pluggable so deployments can trade
// blocking-wait semantics (plain FOR UPDATE — a second worker queues
// behind the first) for fail-fast semantics (NOWAIT — a second worker
// gets a lock-not-available error immediately) without touching the
// query builder.
type LockClause string

const (
	// LockForUpdate blocks until the row is released. Combined with
	// Options.QueryTimeout this bounds the wait to one attempt's deadline.
	LockForUpdate LockClause = "FOR UPDATE"

	// LockForUpdateNoWait fails immediately instead of queuing; useful
	// when a stuck worker should not stall the next poll tick.
	LockForUpdateNoWait LockClause = "FOR UPDATE NOWAIT"
)

// LockStatementProvider supplies the locking clause used when reading
// the OutboxState row inside a transaction. Tests substitute a fixed
// clause; production wiring picks one from configuration.
type LockStatementProvider interface {
	LockClause() LockClause
}

// staticLockStatementProvider always returns the same clause.
type staticLockStatementProvider struct {
	clause LockClause
}

// NewStaticLockStatementProvider returns a LockStatementProvider fixed
// at construction time.
func NewStaticLockStatementProvider(clause LockClause) LockStatementProvider {
	return staticLockStatementProvider{clause: clause}
}

func (p staticLockStatementProvider) LockClause() LockClause { return p.clause }
