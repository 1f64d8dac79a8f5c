/*
Package sqlite provides a SQLite-backed quote.Store.

PURPOSE:
  Default persistence for the quote engine. One file, no server, and the
  same unit-of-work contract as the PostgreSQL store.

KEY TABLES:
  quotes:    one row per quote; the typed order payload lives in order_json
  products:  catalog and stock (CHECK stock >= 0)
  counters:  per-(scope, year) sequences for quote and document numbers
  audit_log: append-only transition history

CONCURRENCY:
  Write transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so
  a unit of work holds the database write lock from its first statement.
  That lock is what serializes the stock ledger and the counters here: a
  second authorization waits (busy_timeout) until the first commits, then
  reads the committed stock. A wait that times out, or a caller context
  that expires, surfaces as quote.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/quotes.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := quote.NewEngine(store, quote.Options{})

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses goose with
  versioned migrations instead.

SEE ALSO:
  - quote/store.go: Interface definitions
  - quote/store/memory.go: In-memory implementation for testing
  - store/postgres: row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/quote-engine/quote"
)

const (
	memoryPath         = ":memory:"
	defaultBusyTimeout = 5 * time.Second
)

// Store implements quote.Store using SQLite.
type Store struct {
	db *sqlx.DB
}

// Option tunes New.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout bounds how long a unit of work waits for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, o.busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == memoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Exec runs a raw statement outside the engine. Used for repairs and tests.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return translate(err)
}

// QueryRow scans a single raw row into dest.
func (s *Store) QueryRow(ctx context.Context, dest any, query string, args ...any) error {
	return translate(s.db.GetContext(ctx, dest, query, args...))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL,
		stock INTEGER NOT NULL CHECK (stock >= 0),
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL UNIQUE,
		requester_name TEXT NOT NULL,
		requester_email TEXT NOT NULL,
		requester_phone TEXT NOT NULL DEFAULT '',
		order_json TEXT NOT NULL,
		total TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		status TEXT NOT NULL,
		document_type TEXT,
		document_number TEXT,
		approved_by TEXT,
		approved_at TEXT,
		rejected_by TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		authorized_by TEXT,
		authorized_at TEXT,
		dispatched_at TEXT,
		completed_at TEXT,
		estimated_delivery_days INTEGER,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_quotes_status ON quotes(status);

	-- a document number is issued once, ever
	CREATE UNIQUE INDEX IF NOT EXISTS idx_quotes_document_number
		ON quotes(document_number) WHERE document_number IS NOT NULL;

	CREATE TABLE IF NOT EXISTS counters (
		scope TEXT NOT NULL,
		year INTEGER NOT NULL,
		last_value INTEGER NOT NULL,
		PRIMARY KEY (scope, year)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL REFERENCES quotes(id),
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		at TEXT NOT NULL,
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_quote ON audit_log(quote_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS (quote.Reader)
// =============================================================================

func (s *Store) GetQuote(ctx context.Context, id quote.QuoteID) (*quote.Quote, error) {
	return getQuote(ctx, s.db, id)
}

func (s *Store) ListQuotes(ctx context.Context, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	return listQuotes(ctx, s.db, filter)
}

func (s *Store) GetProduct(ctx context.Context, id quote.ProductID) (*quote.Product, error) {
	return getProduct(ctx, s.db, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]*quote.Product, error) {
	return listProducts(ctx, s.db)
}

func (s *Store) History(ctx context.Context, id quote.QuoteID) ([]quote.AuditEntry, error) {
	return history(ctx, s.db, id)
}

// =============================================================================
// TRANSACTIONAL STORE (quote.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(quote.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx *sqlx.Tx
}

func (ts *txStore) GetQuote(ctx context.Context, id quote.QuoteID) (*quote.Quote, error) {
	return getQuote(ctx, ts.tx, id)
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
	row, err := toQuoteRow(q)
	if err != nil {
		return err
	}
	_, err = ts.tx.NamedExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES (:id, :number, :requester_name, :requester_email, :requester_phone,
			:order_json, :total, :tax_rate, :status, :document_type, :document_number,
			:approved_by, :approved_at, :rejected_by, :rejected_at, :rejection_reason,
			:authorized_by, :authorized_at, :dispatched_at, :completed_at,
			:estimated_delivery_days, :notes, :created_at, :updated_at, :version)
	`, row)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("quote %s: %w", q.ID, err)
	}
	return translate(err)
}

func (ts *txStore) UpdateQuote(ctx context.Context, q *quote.Quote) error {
	row, err := toQuoteRow(q)
	if err != nil {
		return err
	}
	// An undecodable payload is kept as persisted.
	payload := `
			order_json = :order_json,
			total = :total,`
	if q.PayloadErr != nil {
		payload = ""
	}
	res, err := ts.tx.NamedExecContext(ctx, `
		UPDATE quotes SET`+payload+`
			status = :status,
			document_type = :document_type,
			document_number = :document_number,
			approved_by = :approved_by,
			approved_at = :approved_at,
			rejected_by = :rejected_by,
			rejected_at = :rejected_at,
			rejection_reason = :rejection_reason,
			authorized_by = :authorized_by,
			authorized_at = :authorized_at,
			dispatched_at = :dispatched_at,
			completed_at = :completed_at,
			estimated_delivery_days = :estimated_delivery_days,
			notes = :notes,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`, row)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getQuote(ctx, ts.tx, q.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: quote %s changed since version %d", quote.ErrConcurrentModification, q.ID, q.Version)
	}
	q.Version++
	return nil
}

// LockProducts reads stock for ids. BEGIN IMMEDIATE already holds the
// database write lock, so the rows cannot change until commit.
func (ts *txStore) LockProducts(ctx context.Context, ids []quote.ProductID) (map[quote.ProductID]int64, error) {
	query, args, err := sqlx.In(`SELECT id, stock FROM products WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID    string `db:"id"`
		Stock int64  `db:"stock"`
	}
	if err := sqlx.SelectContext(ctx, ts.tx, &rows, ts.tx.Rebind(query), args...); err != nil {
		return nil, translate(err)
	}
	result := make(map[quote.ProductID]int64, len(rows))
	for _, r := range rows {
		result[quote.ProductID(r.ID)] = r.Stock
	}
	return result, nil
}

func (ts *txStore) DecrementStock(ctx context.Context, id quote.ProductID, qty int64) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?`, qty, id, qty)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	err := ts.tx.GetContext(ctx, &next, `
		INSERT INTO counters (scope, year, last_value) VALUES (?, ?, 1)
		ON CONFLICT(scope, year) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`, scope, year)
	return next, translate(err)
}

func (ts *txStore) UpsertProduct(ctx context.Context, p *quote.Product) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO products (id, name, description, unit_price, stock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			unit_price = excluded.unit_price,
			stock = excluded.stock,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Description, p.UnitPrice.String(), p.Stock, formatTime(p.UpdatedAt))
	return translate(err)
}

func (ts *txStore) AppendAudit(ctx context.Context, e quote.AuditEntry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, quote_id, action, actor_id, actor_role, at, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.QuoteID, e.Action, e.ActorID, e.ActorRole, formatTime(e.At), details)
	return translate(err)
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const quoteColumns = `id, number, requester_name, requester_email, requester_phone,
	order_json, total, tax_rate, status, document_type, document_number,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	authorized_by, authorized_at, dispatched_at, completed_at,
	estimated_delivery_days, notes, created_at, updated_at, version`

func getQuote(ctx context.Context, q sqlx.QueryerContext, id quote.QuoteID) (*quote.Quote, error) {
	var row quoteRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+quoteColumns+` FROM quotes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &quote.QuoteNotFoundError{QuoteID: id}
	}
	if err != nil {
		return nil, translate(err)
	}
	return row.toQuote()
}

func listQuotes(ctx context.Context, q sqlx.QueryerContext, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY number DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []quoteRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, translate(err)
	}
	result := make([]*quote.Quote, 0, len(rows))
	for _, r := range rows {
		qt, err := r.toQuote()
		if err != nil {
			return nil, err
		}
		result = append(result, qt)
	}
	return result, nil
}

func getProduct(ctx context.Context, q sqlx.QueryerContext, id quote.ProductID) (*quote.Product, error) {
	var row productRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT id, name, description, unit_price, stock, updated_at FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &quote.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, translate(err)
	}
	return row.toProduct()
}

func listProducts(ctx context.Context, q sqlx.QueryerContext) ([]*quote.Product, error) {
	var rows []productRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT id, name, description, unit_price, stock, updated_at FROM products ORDER BY id`); err != nil {
		return nil, translate(err)
	}
	result := make([]*quote.Product, len(rows))
	for i, r := range rows {
		p, err := r.toProduct()
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func history(ctx context.Context, q sqlx.QueryerContext, id quote.QuoteID) ([]quote.AuditEntry, error) {
	var rows []auditRow
	if err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, quote_id, action, actor_id, actor_role, at, details_json
		FROM audit_log WHERE quote_id = ? ORDER BY at, rowid
	`, id); err != nil {
		return nil, translate(err)
	}
	result := make([]quote.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := quote.AuditEntry{
			ID:        r.ID,
			QuoteID:   quote.QuoteID(r.QuoteID),
			Action:    quote.AuditAction(r.Action),
			ActorID:   r.ActorID,
			ActorRole: quote.Role(r.ActorRole),
		}
		at, err := parseTime(r.At)
		if err != nil {
			return nil, fmt.Errorf("decode audit %s timestamp: %w", r.ID, err)
		}
		e.At = at
		if r.Details.Valid {
			if err := json.Unmarshal([]byte(r.Details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit %s details: %w", r.ID, err)
			}
		}
		result = append(result, e)
	}
	return result, nil
}

// =============================================================================
// ROWS
// =============================================================================

type quoteRow struct {
	ID                    string          `db:"id"`
	Number                int64           `db:"number"`
	RequesterName         string          `db:"requester_name"`
	RequesterEmail        string          `db:"requester_email"`
	RequesterPhone        string          `db:"requester_phone"`
	OrderJSON             string          `db:"order_json"`
	Total                 decimal.Decimal `db:"total"`
	TaxRate               decimal.Decimal `db:"tax_rate"`
	Status                string          `db:"status"`
	DocumentType          sql.NullString  `db:"document_type"`
	DocumentNumber        sql.NullString  `db:"document_number"`
	ApprovedBy            sql.NullString  `db:"approved_by"`
	ApprovedAt            sql.NullString  `db:"approved_at"`
	RejectedBy            sql.NullString  `db:"rejected_by"`
	RejectedAt            sql.NullString  `db:"rejected_at"`
	RejectionReason       sql.NullString  `db:"rejection_reason"`
	AuthorizedBy          sql.NullString  `db:"authorized_by"`
	AuthorizedAt          sql.NullString  `db:"authorized_at"`
	DispatchedAt          sql.NullString  `db:"dispatched_at"`
	CompletedAt           sql.NullString  `db:"completed_at"`
	EstimatedDeliveryDays sql.NullInt64   `db:"estimated_delivery_days"`
	Notes                 sql.NullString  `db:"notes"`
	CreatedAt             string          `db:"created_at"`
	UpdatedAt             string          `db:"updated_at"`
	Version               int64           `db:"version"`
}

func toQuoteRow(q *quote.Quote) (quoteRow, error) {
	order, err := json.Marshal(q.Order)
	if err != nil {
		return quoteRow{}, fmt.Errorf("encode order for quote %s: %w", q.ID, err)
	}
	row := quoteRow{
		ID:              string(q.ID),
		Number:          q.Number,
		RequesterName:   q.Requester.Name,
		RequesterEmail:  q.Requester.Email,
		RequesterPhone:  q.Requester.Phone,
		OrderJSON:       string(order),
		Total:           q.Total,
		TaxRate:         q.TaxRate,
		Status:          string(q.Status),
		DocumentType:    nullString(string(q.DocumentType)),
		DocumentNumber:  nullString(q.DocumentNumber),
		ApprovedBy:      nullStringPtr(q.ApprovedBy),
		ApprovedAt:      nullTime(q.ApprovedAt),
		RejectedBy:      nullStringPtr(q.RejectedBy),
		RejectedAt:      nullTime(q.RejectedAt),
		RejectionReason: nullStringPtr(q.RejectionReason),
		AuthorizedBy:    nullStringPtr(q.AuthorizedBy),
		AuthorizedAt:    nullTime(q.AuthorizedAt),
		DispatchedAt:    nullTime(q.DispatchedAt),
		CompletedAt:     nullTime(q.CompletedAt),
		Notes:           nullStringPtr(q.Notes),
		CreatedAt:       formatTime(q.CreatedAt),
		UpdatedAt:       formatTime(q.UpdatedAt),
		Version:         q.Version,
	}
	if q.EstimatedDeliveryDays != nil {
		row.EstimatedDeliveryDays = sql.NullInt64{Int64: int64(*q.EstimatedDeliveryDays), Valid: true}
	}
	return row, nil
}

func (r quoteRow) toQuote() (*quote.Quote, error) {
	var td timeDecoder
	q := &quote.Quote{
		ID:     quote.QuoteID(r.ID),
		Number: r.Number,
		Requester: quote.Requester{
			Name:  r.RequesterName,
			Email: r.RequesterEmail,
			Phone: r.RequesterPhone,
		},
		Total:           r.Total,
		TaxRate:         r.TaxRate,
		Status:          quote.Status(r.Status),
		DocumentType:    quote.DocumentType(r.DocumentType.String),
		DocumentNumber:  r.DocumentNumber.String,
		ApprovedBy:      stringPtr(r.ApprovedBy),
		ApprovedAt:      td.ptr(r.ApprovedAt),
		RejectedBy:      stringPtr(r.RejectedBy),
		RejectedAt:      td.ptr(r.RejectedAt),
		RejectionReason: stringPtr(r.RejectionReason),
		AuthorizedBy:    stringPtr(r.AuthorizedBy),
		AuthorizedAt:    td.ptr(r.AuthorizedAt),
		DispatchedAt:    td.ptr(r.DispatchedAt),
		CompletedAt:     td.ptr(r.CompletedAt),
		Notes:           stringPtr(r.Notes),
		CreatedAt:       td.at(r.CreatedAt),
		UpdatedAt:       td.at(r.UpdatedAt),
		Version:         r.Version,
	}
	if r.EstimatedDeliveryDays.Valid {
		days := int(r.EstimatedDeliveryDays.Int64)
		q.EstimatedDeliveryDays = &days
	}
	if td.err != nil {
		return nil, &quote.MalformedQuoteError{QuoteID: q.ID, Reason: "timestamp is not RFC 3339", Err: td.err}
	}
	// Decoding is left to the operations that need the order.
	if err := json.Unmarshal([]byte(r.OrderJSON), &q.Order); err != nil {
		q.Order = quote.Order{}
		q.PayloadErr = err
	}
	if !q.Status.Valid() {
		return nil, &quote.MalformedQuoteError{QuoteID: q.ID, Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return q, nil
}

type productRow struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Description string          `db:"description"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Stock       int64           `db:"stock"`
	UpdatedAt   string          `db:"updated_at"`
}

func (r productRow) toProduct() (*quote.Product, error) {
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("decode product %s timestamp: %w", r.ID, err)
	}
	return &quote.Product{
		ID:          quote.ProductID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		UnitPrice:   r.UnitPrice,
		Stock:       r.Stock,
		UpdatedAt:   updated,
	}, nil
}

type auditRow struct {
	ID        string         `db:"id"`
	QuoteID   string         `db:"quote_id"`
	Action    string         `db:"action"`
	ActorID   string         `db:"actor_id"`
	ActorRole string         `db:"actor_role"`
	At        string         `db:"at"`
	Details   sql.NullString `db:"details_json"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// timeDecoder keeps the first parse failure across a row's columns.
type timeDecoder struct {
	err error
}

func (d *timeDecoder) at(s string) time.Time {
	t, err := parseTime(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return t
}

func (d *timeDecoder) ptr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := d.at(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// translate maps lock contention to quote.ErrConcurrentModification.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", quote.ErrConcurrentModification, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", quote.ErrConcurrentModification, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
