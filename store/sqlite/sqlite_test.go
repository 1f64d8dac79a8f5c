package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quote-engine/quote"
	"github.com/warp/quote-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin   = quote.Actor{ID: "admin-1", Role: quote.RoleAdmin}
	manager = quote.Actor{ID: "manager-1", Role: quote.RoleManager}
	march10 = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "quotes.db"), sqlite.WithBusyTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newEngine(store quote.Store) *quote.Engine {
	return quote.NewEngine(store, quote.Options{
		Now:          func() time.Time { return march10 },
		RetryBackoff: time.Millisecond,
	})
}

func seed(t *testing.T, e *quote.Engine, id string, price string, stock int64) {
	t.Helper()
	_, err := e.UpsertProduct(context.Background(), admin, &quote.Product{
		ID: quote.ProductID(id), Name: "Product " + id, UnitPrice: decimal.RequireFromString(price), Stock: stock,
	})
	require.NoError(t, err)
}

func approved(t *testing.T, e *quote.Engine, productID string, qty int64) *quote.Quote {
	t.Helper()
	ctx := context.Background()
	q, err := e.Submit(ctx, quote.SubmitRequest{
		Requester: quote.Requester{Name: "Ana", Email: "ana@example.com"},
		Lines:     []quote.SubmitLine{{ProductID: quote.ProductID(productID), Quantity: qty}},
	})
	require.NoError(t, err)
	q, err = e.Approve(ctx, manager, q.ID, quote.ApproveInput{})
	require.NoError(t, err)
	return q
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestStore_QuoteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "19.99", 10)

	days, notes := 3, "fragile"
	q, err := e.Submit(ctx, quote.SubmitRequest{
		Requester:    quote.Requester{Name: "Acme", Email: "ops@acme.test", Phone: "555"},
		Lines:        []quote.SubmitLine{{ProductID: "P1", Quantity: 2}, {ProductID: "NOPE", Quantity: 1}},
		DocumentType: quote.DocumentInvoice,
		Fiscal:       &quote.FiscalData{TaxID: "20123456789", LegalName: "Acme SAC", Address: "Lima"},
	})
	require.NoError(t, err)
	_, err = e.Approve(ctx, manager, q.ID, quote.ApproveInput{EstimatedDeliveryDays: &days, Notes: &notes})
	require.NoError(t, err)
	_, err = e.Authorize(ctx, admin, q.ID, "")
	require.NoError(t, err)

	got, err := store.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.StatusAuthorized, got.Status)
	assert.Equal(t, "F-2025-000001", got.DocumentNumber)
	assert.Equal(t, quote.DocumentInvoice, got.DocumentType)
	assert.Equal(t, "39.98", got.Total.StringFixed(2))
	assert.True(t, quote.DefaultTaxRate.Equal(got.TaxRate))
	assert.Equal(t, "Acme SAC", got.Order.Fiscal.LegalName)
	assert.Equal(t, []quote.UnmatchedRequest{{ProductID: "NOPE", Quantity: 1}}, got.Order.UnmatchedRequests)
	require.NotNil(t, got.EstimatedDeliveryDays)
	assert.Equal(t, 3, *got.EstimatedDeliveryDays)
	require.NotNil(t, got.AuthorizedAt)
	assert.True(t, march10.Equal(*got.AuthorizedAt))
	assert.Equal(t, int64(3), got.Version)

	history, err := store.History(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, quote.AuditAuthorized, history[2].Action)
	assert.Equal(t, "F-2025-000001", history[2].Details["document_number"])

	p, err := store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), p.Stock)
}

func TestStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetQuote(ctx, "missing")
	assert.True(t, quote.IsNotFound(err))
	_, err = store.GetProduct(ctx, "missing")
	assert.True(t, quote.IsNotFound(err))
}

func TestStore_UpdateQuoteRejectsStaleVersion(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 10)
	q := approved(t, e, "P1", 1)

	stale := q.Clone()
	stale.Version = 1
	err := store.WithTx(ctx, func(tx quote.Tx) error {
		stale.Status = quote.StatusRejected
		return tx.UpdateQuote(ctx, stale)
	})
	assert.ErrorIs(t, err, quote.ErrConcurrentModification)

	got, err := store.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.StatusApproved, got.Status)
}

func TestStore_RollbackLeavesNoTrace(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 10)

	err := store.WithTx(ctx, func(tx quote.Tx) error {
		if err := tx.DecrementStock(ctx, "P1", 4); err != nil {
			return err
		}
		if _, err := tx.NextCounter(ctx, "document:receipt", 2025); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	p, err := store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Stock)

	require.NoError(t, store.WithTx(ctx, func(tx quote.Tx) error {
		n, err := tx.NextCounter(ctx, "document:receipt", 2025)
		assert.Equal(t, int64(1), n)
		return err
	}))
}

func TestStore_DecrementNeverGoesNegative(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 2)

	err := store.WithTx(ctx, func(tx quote.Tx) error {
		return tx.DecrementStock(ctx, "P1", 3)
	})
	var stockErr *quote.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(2), stockErr.Available)
}

func TestStore_MalformedOrderPayload(t *testing.T) {
	// GIVEN: two approved quotes, one with a truncated order payload
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 10)
	healthy := approved(t, e, "P1", 1)
	broken := approved(t, e, "P1", 1)
	const corrupt = `{"items": [`
	require.NoError(t, store.Exec(ctx, `UPDATE quotes SET order_json = ? WHERE id = ?`, corrupt, broken.ID))

	t.Run("non-admin is rejected before the payload is read", func(t *testing.T) {
		_, err := e.Authorize(ctx, manager, broken.ID, quote.DocumentReceipt)
		assert.ErrorIs(t, err, quote.ErrUnauthorized)
		assert.NotErrorIs(t, err, quote.ErrMalformedQuote)
	})

	t.Run("admin authorize reports a malformed quote", func(t *testing.T) {
		_, err := e.Authorize(ctx, admin, broken.ID, quote.DocumentReceipt)
		assert.ErrorIs(t, err, quote.ErrMalformedQuote)

		p, err := store.GetProduct(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), p.Stock)
	})

	t.Run("document reports a malformed quote", func(t *testing.T) {
		_, err := e.Document(ctx, broken.ID)
		assert.ErrorIs(t, err, quote.ErrMalformedQuote)
	})

	t.Run("list still returns every quote", func(t *testing.T) {
		list, err := e.List(ctx, quote.QuoteFilter{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		ids := []quote.QuoteID{list[0].ID, list[1].ID}
		assert.ElementsMatch(t, []quote.QuoteID{healthy.ID, broken.ID}, ids)
	})

	t.Run("reject succeeds and keeps the stored payload", func(t *testing.T) {
		q, err := e.Reject(ctx, manager, broken.ID, "cannot be fulfilled")
		require.NoError(t, err)
		assert.Equal(t, quote.StatusRejected, q.Status)

		got, err := store.GetQuote(ctx, broken.ID)
		require.NoError(t, err)
		assert.Equal(t, quote.StatusRejected, got.Status)
		assert.Error(t, got.PayloadErr)

		var raw string
		require.NoError(t, store.QueryRow(ctx, &raw, `SELECT order_json FROM quotes WHERE id = ?`, broken.ID))
		assert.Equal(t, corrupt, raw)
	})
}

func TestStore_MalformedTimestamp(t *testing.T) {
	// GIVEN: a quote whose created_at is not RFC 3339
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 10)
	q := approved(t, e, "P1", 1)
	require.NoError(t, store.Exec(ctx, `UPDATE quotes SET created_at = 'yesterday' WHERE id = ?`, q.ID))

	// WHEN: it is loaded
	_, err := store.GetQuote(ctx, q.ID)

	// THEN: the bad column surfaces instead of a zero time
	assert.ErrorIs(t, err, quote.ErrMalformedQuote)

	require.NoError(t, store.Exec(ctx, `UPDATE products SET updated_at = 'never' WHERE id = ?`, "P1"))
	_, err = store.GetProduct(ctx, "P1")
	assert.ErrorContains(t, err, "decode product P1 timestamp")
}

func TestStore_ListQuotes(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	seed(t, e, "P1", "1", 10)
	a := approved(t, e, "P1", 1)
	_, err := e.Submit(ctx, quote.SubmitRequest{
		Requester: quote.Requester{Name: "Ana", Email: "ana@example.com"},
		Lines:     []quote.SubmitLine{{ProductID: "P1", Quantity: 1}},
	})
	require.NoError(t, err)

	status := quote.StatusApproved
	list, err := store.ListQuotes(ctx, quote.QuoteFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	all, err := store.ListQuotes(ctx, quote.QuoteFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(2), all[0].Number)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStore_ConcurrentAuthorizationsNeverOversell(t *testing.T) {
	// GIVEN: 50 approved quotes for 1 unit each, stock 30, file database
	// WHEN: all are authorized concurrently
	// THEN: exactly 30 succeed with distinct numbers, stock ends at 0
	const n, stock = 50, 30
	store := newFileStore(t)
	e := newEngine(store)
	seed(t, e, "P1", "1", stock)

	ids := make([]quote.QuoteID, n)
	for i := range ids {
		ids[i] = approved(t, e, "P1", 1).ID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]bool{}
		short   int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id quote.QuoteID) {
			defer wg.Done()
			q, err := e.Authorize(context.Background(), admin, id, quote.DocumentReceipt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, quote.ErrInsufficientStock)
				short++
				return
			}
			numbers[q.DocumentNumber] = true
		}(id)
	}
	wg.Wait()

	assert.Len(t, numbers, stock)
	assert.Equal(t, n-stock, short)
	p, err := store.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)
}
