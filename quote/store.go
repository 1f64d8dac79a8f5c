/*
store.go - Persistence interface for quotes, products, counters and audit

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  holds a process-wide connection: every mutating operation runs inside one
  unit of work obtained from Store.WithTx, and every write it makes goes
  through the Tx handed to the callback.

KEY INTERFACES:
  Reader: read-only access to quotes, products and audit history
  Tx:     the unit of work (locking reads, guarded writes, counters)
  Store:  Reader plus WithTx

LOCKING CONTRACT:
  - Tx.GetQuote returns the quote under a row lock where the backend has them
  - Tx.LockProducts locks the given products in the order passed; callers
    pass sorted ids so two units never wait on each other in a cycle
  - Tx.NextCounter increments a per-(scope, year) counter under the same
    transaction, so a rolled-back unit never consumes a value
  - Tx.UpdateQuote writes only if the stored version equals q.Version and
    returns ErrConcurrentModification otherwise

ERRORS:
  Backends translate lock timeouts, serialization failures and busy
  databases to ErrConcurrentModification so the engine can retry.

IMPLEMENTATIONS:
  - quote/store/memory.go: in-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - ledger.go: uses LockProducts/DecrementStock
  - sequencer.go: uses NextCounter
*/
package quote

import "context"

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	GetQuote(ctx context.Context, id QuoteID) (*Quote, error)
	ListQuotes(ctx context.Context, filter QuoteFilter) ([]*Quote, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)

	// History returns audit entries for a quote, oldest first.
	History(ctx context.Context, id QuoteID) ([]AuditEntry, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	Reader

	InsertQuote(ctx context.Context, q *Quote) error

	// UpdateQuote persists q if its stored version still equals q.Version,
	// then increments q.Version.
	UpdateQuote(ctx context.Context, q *Quote) error

	// LockProducts locks the rows and returns their current stock.
	// Missing products are absent from the result.
	LockProducts(ctx context.Context, ids []ProductID) (map[ProductID]int64, error)

	// DecrementStock subtracts qty from a product locked in this unit.
	// It refuses to take stock below zero.
	DecrementStock(ctx context.Context, id ProductID, qty int64) error

	// NextCounter returns the next value of the (scope, year) counter,
	// starting at 1.
	NextCounter(ctx context.Context, scope string, year int) (int64, error)

	UpsertProduct(ctx context.Context, p *Product) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the persistence facade the engine is built on.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
