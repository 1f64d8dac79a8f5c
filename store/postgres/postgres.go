/*
Package postgres provides a PostgreSQL-backed quote.Store.

CONCURRENCY:
  Units of work run at READ COMMITTED with explicit row locks:
  - the quote row is read with SELECT ... FOR UPDATE
  - product rows are locked with one SELECT ... ORDER BY id FOR UPDATE,
    so two authorizations sharing products lock them in the same order
  - counters are advanced with INSERT ... ON CONFLICT DO UPDATE ... RETURNING,
    which locks the (scope, year) row until commit
  Every unit sets lock_timeout. A lock wait that exceeds it (55P03), a
  deadlock (40P01) or a serialization failure (40001) is reported as
  quote.ErrConcurrentModification.

MIGRATIONS:
  Versioned goose migrations are embedded and applied by Migrate.
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/quote-engine/quote"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultLockTimeout = 5 * time.Second

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a unit of work waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New connects to dsn. The schema is not touched; call Migrate for that.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewFromPool(pool, opts...), nil
}

func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetQuote(ctx context.Context, id quote.QuoteID) (*quote.Quote, error) {
	return getQuote(ctx, s.pool, id, false)
}

func (s *Store) ListQuotes(ctx context.Context, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	return listQuotes(ctx, s.pool, filter)
}

func (s *Store) GetProduct(ctx context.Context, id quote.ProductID) (*quote.Product, error) {
	return getProduct(ctx, s.pool, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]*quote.Product, error) {
	return listProducts(ctx, s.pool)
}

func (s *Store) History(ctx context.Context, id quote.QuoteID) ([]quote.AuditEntry, error) {
	return history(ctx, s.pool, id)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(quote.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return translate(err)
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// GetQuote locks the quote row until the unit of work ends.
func (ts *txStore) GetQuote(ctx context.Context, id quote.QuoteID) (*quote.Quote, error) {
	return getQuote(ctx, ts.tx, id, true)
}

func (ts *txStore) ListQuotes(ctx context.Context, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	return listQuotes(ctx, ts.tx, filter)
}

func (ts *txStore) GetProduct(ctx context.Context, id quote.ProductID) (*quote.Product, error) {
	return getProduct(ctx, ts.tx, id)
}

func (ts *txStore) ListProducts(ctx context.Context) ([]*quote.Product, error) {
	return listProducts(ctx, ts.tx)
}

func (ts *txStore) History(ctx context.Context, id quote.QuoteID) ([]quote.AuditEntry, error) {
	return history(ctx, ts.tx, id)
}

func (ts *txStore) InsertQuote(ctx context.Context, q *quote.Quote) error {
	order, err := json.Marshal(q.Order)
	if err != nil {
		return fmt.Errorf("encode order for quote %s: %w", q.ID, err)
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO quotes (id, number, requester_name, requester_email, requester_phone,
			order_json, total, tax_rate, status, notes, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(q.ID), q.Number, q.Requester.Name, q.Requester.Email, q.Requester.Phone,
		order, q.Total.String(), q.TaxRate.String(), string(q.Status), q.Notes,
		q.CreatedAt, q.UpdatedAt, q.Version,
	)
	return translate(err)
}

func (ts *txStore) UpdateQuote(ctx context.Context, q *quote.Quote) error {
	// A nil payload keeps the persisted order and total.
	var order []byte
	var total *string
	if q.PayloadErr == nil {
		var err error
		if order, err = json.Marshal(q.Order); err != nil {
			return fmt.Errorf("encode order for quote %s: %w", q.ID, err)
		}
		t := q.Total.String()
		total = &t
	}
	tag, err := ts.tx.Exec(ctx, `
		UPDATE quotes SET
			order_json = COALESCE($3::jsonb, order_json),
			total = COALESCE($4::numeric, total),
			status = $5,
			document_type = $6,
			document_number = $7,
			approved_by = $8,
			approved_at = $9,
			rejected_by = $10,
			rejected_at = $11,
			rejection_reason = $12,
			authorized_by = $13,
			authorized_at = $14,
			dispatched_at = $15,
			completed_at = $16,
			estimated_delivery_days = $17,
			notes = $18,
			updated_at = $19,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		string(q.ID), q.Version,
		order, total, string(q.Status),
		nullable(string(q.DocumentType)), nullable(q.DocumentNumber),
		q.ApprovedBy, q.ApprovedAt, q.RejectedBy, q.RejectedAt, q.RejectionReason,
		q.AuthorizedBy, q.AuthorizedAt, q.DispatchedAt, q.CompletedAt,
		q.EstimatedDeliveryDays, q.Notes, q.UpdatedAt,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getQuote(ctx, ts.tx, q.ID, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: quote %s changed since version %d", quote.ErrConcurrentModification, q.ID, q.Version)
	}
	q.Version++
	return nil
}

// LockProducts takes FOR UPDATE locks in ascending id order.
func (ts *txStore) LockProducts(ctx context.Context, ids []quote.ProductID) (map[quote.ProductID]int64, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	rows, err := ts.tx.Query(ctx,
		`SELECT id, stock FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, keys)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := make(map[quote.ProductID]int64, len(ids))
	for rows.Next() {
		var id string
		var stock int64
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, translate(err)
		}
		result[quote.ProductID(id)] = stock
	}
	return result, translate(rows.Err())
}

func (ts *txStore) DecrementStock(ctx context.Context, id quote.ProductID, qty int64) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`,
		string(id), qty)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		p, err := getProduct(ctx, ts.tx, id)
		if err != nil {
			return err
		}
		return &quote.InsufficientStockError{ProductID: id, Available: p.Stock, Requested: qty}
	}
	return nil
}

func (ts *txStore) NextCounter(ctx context.Context, scope string, year int) (int64, error) {
	var next int64
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO counters (scope, year, last_value) VALUES ($1, $2, 1)
		ON CONFLICT (scope, year) DO UPDATE SET last_value = counters.last_value + 1
		RETURNING last_value`,
		scope, year).Scan(&next)
	return next, translate(err)
}

func (ts *txStore) UpsertProduct(ctx context.Context, p *quote.Product) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO products (id, name, description, unit_price, stock, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			unit_price = EXCLUDED.unit_price,
			stock = EXCLUDED.stock,
			updated_at = EXCLUDED.updated_at`,
		string(p.ID), p.Name, p.Description, p.UnitPrice.String(), p.Stock, p.UpdatedAt)
	return translate(err)
}

func (ts *txStore) AppendAudit(ctx context.Context, e quote.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = b
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO audit_log (id, quote_id, action, actor_id, actor_role, at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.QuoteID), string(e.Action), e.ActorID, string(e.ActorRole), e.At, details)
	return translate(err)
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const quoteSelect = `SELECT id, number, requester_name, requester_email, requester_phone,
	order_json, total::text AS total, tax_rate::text AS tax_rate, status,
	document_type, document_number, approved_by, approved_at, rejected_by, rejected_at,
	rejection_reason, authorized_by, authorized_at, dispatched_at, completed_at,
	estimated_delivery_days, notes, created_at, updated_at, version
	FROM quotes`

type quoteRow struct {
	ID                    string     `db:"id"`
	Number                int64      `db:"number"`
	RequesterName         string     `db:"requester_name"`
	RequesterEmail        string     `db:"requester_email"`
	RequesterPhone        string     `db:"requester_phone"`
	OrderJSON             []byte     `db:"order_json"`
	Total                 string     `db:"total"`
	TaxRate               string     `db:"tax_rate"`
	Status                string     `db:"status"`
	DocumentType          *string    `db:"document_type"`
	DocumentNumber        *string    `db:"document_number"`
	ApprovedBy            *string    `db:"approved_by"`
	ApprovedAt            *time.Time `db:"approved_at"`
	RejectedBy            *string    `db:"rejected_by"`
	RejectedAt            *time.Time `db:"rejected_at"`
	RejectionReason       *string    `db:"rejection_reason"`
	AuthorizedBy          *string    `db:"authorized_by"`
	AuthorizedAt          *time.Time `db:"authorized_at"`
	DispatchedAt          *time.Time `db:"dispatched_at"`
	CompletedAt           *time.Time `db:"completed_at"`
	EstimatedDeliveryDays *int       `db:"estimated_delivery_days"`
	Notes                 *string    `db:"notes"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	Version               int64      `db:"version"`
}

func (r quoteRow) toQuote() (*quote.Quote, error) {
	q := &quote.Quote{
		ID:     quote.QuoteID(r.ID),
		Number: r.Number,
		Requester: quote.Requester{
			Name:  r.RequesterName,
			Email: r.RequesterEmail,
			Phone: r.RequesterPhone,
		},
		Status:                quote.Status(r.Status),
		ApprovedBy:            r.ApprovedBy,
		ApprovedAt:            utc(r.ApprovedAt),
		RejectedBy:            r.RejectedBy,
		RejectedAt:            utc(r.RejectedAt),
		RejectionReason:       r.RejectionReason,
		AuthorizedBy:          r.AuthorizedBy,
		AuthorizedAt:          utc(r.AuthorizedAt),
		DispatchedAt:          utc(r.DispatchedAt),
		CompletedAt:           utc(r.CompletedAt),
		EstimatedDeliveryDays: r.EstimatedDeliveryDays,
		Notes:                 r.Notes,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
		Version:               r.Version,
	}
	if r.DocumentType != nil {
		q.DocumentType = quote.DocumentType(*r.DocumentType)
	}
	if r.DocumentNumber != nil {
		q.DocumentNumber = *r.DocumentNumber
	}
	var err error
	if q.Total, err = decimal.NewFromString(r.Total); err != nil {
		return nil, &quote.MalformedQuoteError{QuoteID: q.ID, Reason: "total", Err: err}
	}
	if q.TaxRate, err = decimal.NewFromString(r.TaxRate); err != nil {
		return nil, &quote.MalformedQuoteError{QuoteID: q.ID, Reason: "tax rate", Err: err}
	}
	// Decoding is left to the operations that need the order.
	if err := json.Unmarshal(r.OrderJSON, &q.Order); err != nil {
		q.Order = quote.Order{}
		q.PayloadErr = err
	}
	return q, nil
}

func getQuote(ctx context.Context, db querier, id quote.QuoteID, forUpdate bool) (*quote.Quote, error) {
	query := quoteSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := db.Query(ctx, query, string(id))
	if err != nil {
		return nil, translate(err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[quoteRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &quote.QuoteNotFoundError{QuoteID: id}
	}
	if err != nil {
		return nil, translate(err)
	}
	return row.toQuote()
}

func listQuotes(ctx context.Context, db querier, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	query := quoteSelect
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[quoteRow])
	if err != nil {
		return nil, translate(err)
	}
	result := make([]*quote.Quote, 0, len(collected))
	for _, r := range collected {
		q, err := r.toQuote()
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, nil
}

type productRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	UnitPrice   string    `db:"unit_price"`
	Stock       int64     `db:"stock"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const productSelect = `SELECT id, name, description, unit_price::text AS unit_price, stock, updated_at FROM products`

func (r productRow) toProduct() (*quote.Product, error) {
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("product %s unit price: %w", r.ID, err)
	}
	return &quote.Product{
		ID:          quote.ProductID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		UnitPrice:   price,
		Stock:       r.Stock,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}, nil
}

func getProduct(ctx context.Context, db querier, id quote.ProductID) (*quote.Product, error) {
	rows, err := db.Query(ctx, productSelect+` WHERE id = $1`, string(id))
	if err != nil {
		return nil, translate(err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[productRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &quote.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, translate(err)
	}
	return row.toProduct()
}

func listProducts(ctx context.Context, db querier) ([]*quote.Product, error) {
	rows, err := db.Query(ctx, productSelect+` ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[productRow])
	if err != nil {
		return nil, translate(err)
	}
	result := make([]*quote.Product, 0, len(collected))
	for _, r := range collected {
		p, err := r.toProduct()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func history(ctx context.Context, db querier, id quote.QuoteID) ([]quote.AuditEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, action, actor_id, actor_role, at, details
		FROM audit_log WHERE quote_id = $1 ORDER BY seq`, string(id))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var result []quote.AuditEntry
	for rows.Next() {
		var (
			e                 quote.AuditEntry
			action, actorRole string
			details           []byte
		)
		if err := rows.Scan(&e.ID, &action, &e.ActorID, &actorRole, &e.At, &details); err != nil {
			return nil, translate(err)
		}
		e.QuoteID = id
		e.Action = quote.AuditAction(action)
		e.ActorRole = quote.Role(actorRole)
		e.At = e.At.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit %s details: %w", e.ID, err)
			}
		}
		result = append(result, e)
	}
	return result, translate(rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Postgres error codes that mean "lost a race, try again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// translate maps contention to quote.ErrConcurrentModification.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", quote.ErrConcurrentModification, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", quote.ErrConcurrentModification, err)
		}
	}
	return err
}
