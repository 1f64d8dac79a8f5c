package quote_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/quote-engine/quote"
	"github.com/warp/quote-engine/quote/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin    = quote.Actor{ID: "admin-1", Role: quote.RoleAdmin}
	manager  = quote.Actor{ID: "manager-1", Role: quote.RoleManager}
	sales    = quote.Actor{ID: "sales-1", Role: quote.RoleSales}
	customer = quote.Actor{ID: "cust-1", Role: quote.RoleCustomer}

	march10 = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T, opts ...func(*quote.Options)) (*quote.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	o := quote.Options{
		Now:          func() time.Time { return march10 },
		RetryBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return quote.NewEngine(mem, o), mem
}

func seedProduct(t *testing.T, e *quote.Engine, id string, price string, stock int64) {
	t.Helper()
	_, err := e.UpsertProduct(context.Background(), admin, &quote.Product{
		ID:        quote.ProductID(id),
		Name:      "Product " + id,
		UnitPrice: decimal.RequireFromString(price),
		Stock:     stock,
	})
	require.NoError(t, err)
}

func submit(t *testing.T, e *quote.Engine, lines ...quote.SubmitLine) *quote.Quote {
	t.Helper()
	q, err := e.Submit(context.Background(), quote.SubmitRequest{
		Requester: quote.Requester{Name: "Ana Torres", Email: "ana@example.com", Phone: "555-0101"},
		Lines:     lines,
	})
	require.NoError(t, err)
	return q
}

func approvedQuote(t *testing.T, e *quote.Engine, lines ...quote.SubmitLine) *quote.Quote {
	t.Helper()
	q := submit(t, e, lines...)
	q, err := e.Approve(context.Background(), manager, q.ID, quote.ApproveInput{})
	require.NoError(t, err)
	return q
}

func line(productID string, qty int64) quote.SubmitLine {
	return quote.SubmitLine{ProductID: quote.ProductID(productID), Quantity: qty}
}

func stockOf(t *testing.T, e *quote.Engine, id string) int64 {
	t.Helper()
	p, err := e.Product(context.Background(), quote.ProductID(id))
	require.NoError(t, err)
	return p.Stock
}

func statusOf(t *testing.T, e *quote.Engine, id quote.QuoteID) quote.Status {
	t.Helper()
	q, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	return q.Status
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []quote.Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev quote.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) types() []quote.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []quote.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_PricesLinesFromCatalog(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "12.50", 10)
	seedProduct(t, e, "P2", "3.00", 10)

	q := submit(t, e, line("P1", 2), line("P2", 5), line("P9", 1))

	assert.Equal(t, quote.StatusPending, q.Status)
	assert.Equal(t, int64(1), q.Number)
	require.Len(t, q.Order.Items, 2)
	assert.Equal(t, "Product P1", q.Order.Items[0].Name)
	assert.True(t, decimal.RequireFromString("40").Equal(q.Total), "total %s", q.Total)
	assert.Equal(t, []quote.UnmatchedRequest{{ProductID: "P9", Quantity: 1}}, q.Order.UnmatchedRequests)
	assert.Empty(t, q.DocumentNumber)
	assert.True(t, quote.DefaultTaxRate.Equal(q.TaxRate))
	assert.Equal(t, "7.20", q.Tax().StringFixed(2))
	assert.Equal(t, "47.20", q.GrandTotal().StringFixed(2))
}

func TestSubmit_QuoteNumbersAreSequential(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)

	first := submit(t, e, line("P1", 1))
	second := submit(t, e, line("P1", 1))

	assert.Equal(t, int64(1), first.Number)
	assert.Equal(t, int64(2), second.Number)
}

func TestSubmit_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	ctx := context.Background()
	requester := quote.Requester{Name: "Ana", Email: "ana@example.com"}

	cases := []struct {
		name string
		req  quote.SubmitRequest
	}{
		{"missing name", quote.SubmitRequest{Requester: quote.Requester{Email: "a@b.co"}, Lines: []quote.SubmitLine{line("P1", 1)}}},
		{"bad email", quote.SubmitRequest{Requester: quote.Requester{Name: "Ana", Email: "nope"}, Lines: []quote.SubmitLine{line("P1", 1)}}},
		{"no lines", quote.SubmitRequest{Requester: requester}},
		{"zero quantity", quote.SubmitRequest{Requester: requester, Lines: []quote.SubmitLine{line("P1", 0)}}},
		{"unknown document type", quote.SubmitRequest{Requester: requester, Lines: []quote.SubmitLine{line("P1", 1)}, DocumentType: "voucher"}},
		{"invoice without fiscal data", quote.SubmitRequest{Requester: requester, Lines: []quote.SubmitLine{line("P1", 1)}, DocumentType: quote.DocumentInvoice}},
		{"nothing matched", quote.SubmitRequest{Requester: requester, Lines: []quote.SubmitLine{line("P404", 1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Submit(ctx, tc.req)
			assert.ErrorIs(t, err, quote.ErrValidation)
		})
	}

	list, err := e.List(ctx, quote.QuoteFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected submissions must not be stored")
}

// =============================================================================
// AUTHORIZE - EXAMPLE SCENARIOS
// =============================================================================

func TestAuthorize_Scenarios(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "10", 10)

	// GIVEN: Q1 approved for 3 of P1, stock 10
	// WHEN: authorized as a receipt
	// THEN: stock 7, first receipt number of the year
	q1 := approvedQuote(t, e, line("P1", 3))
	q1, err := e.Authorize(ctx, admin, q1.ID, quote.DocumentReceipt)
	require.NoError(t, err)
	assert.Equal(t, quote.StatusAuthorized, q1.Status)
	assert.Equal(t, "B-2025-000001", q1.DocumentNumber)
	assert.Equal(t, quote.DocumentReceipt, q1.DocumentType)
	require.NotNil(t, q1.AuthorizedBy)
	assert.Equal(t, admin.ID, *q1.AuthorizedBy)
	assert.Equal(t, int64(7), stockOf(t, e, "P1"))

	// GIVEN: Q2 approved for 8 of P1, stock 7
	// WHEN: authorized
	// THEN: InsufficientStock{P1, 7, 8}, nothing changes
	q2 := approvedQuote(t, e, line("P1", 8))
	_, err = e.Authorize(ctx, admin, q2.ID, quote.DocumentReceipt)
	var stockErr *quote.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, quote.ProductID("P1"), stockErr.ProductID)
	assert.Equal(t, int64(7), stockErr.Available)
	assert.Equal(t, int64(8), stockErr.Requested)
	assert.Equal(t, int64(1), stockErr.Shortfall())
	assert.Equal(t, quote.StatusApproved, statusOf(t, e, q2.ID))
	assert.Equal(t, int64(7), stockOf(t, e, "P1"))

	// GIVEN: Q3 pending
	// WHEN: authorized
	// THEN: InvalidTransition naming pending and approved
	q3 := submit(t, e, line("P1", 1))
	_, err = e.Authorize(ctx, admin, q3.ID, quote.DocumentReceipt)
	var trErr *quote.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, quote.StatusPending, trErr.Current)
	assert.Equal(t, []quote.Status{quote.StatusApproved}, trErr.Required)
	assert.Equal(t, quote.TransitionAuthorize, trErr.Transition)
	assert.False(t, trErr.AlreadyProcessed())

	// GIVEN: Q6 approved
	// WHEN: rejected
	// THEN: rejected is valid from approved
	q6 := approvedQuote(t, e, line("P1", 1))
	q6, err = e.Reject(ctx, manager, q6.ID, "out of budget")
	require.NoError(t, err)
	assert.Equal(t, quote.StatusRejected, q6.Status)
	require.NotNil(t, q6.RejectionReason)
	assert.Equal(t, "out of budget", *q6.RejectionReason)
}

func TestAuthorize_ConcurrentOnSharedProduct(t *testing.T) {
	// GIVEN: Q4 and Q5 both want 3 of P2, stock 5
	// WHEN: both are authorized at once
	// THEN: exactly one wins, the other sees available 2
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P2", "1", 5)
	q4 := approvedQuote(t, e, line("P2", 3))
	q5 := approvedQuote(t, e, line("P2", 3))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []quote.QuoteID{q4.ID, q5.ID} {
		wg.Add(1)
		go func(i int, id quote.QuoteID) {
			defer wg.Done()
			_, errs[i] = e.Authorize(context.Background(), admin, id, quote.DocumentReceipt)
		}(i, id)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		var stockErr *quote.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &stockErr):
			short++
			assert.Equal(t, int64(2), stockErr.Available)
			assert.Equal(t, int64(3), stockErr.Requested)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, int64(2), stockOf(t, e, "P2"))
}

func TestAuthorize_TwiceFailsFast(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 4))

	first, err := e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	require.NoError(t, err)

	_, err = e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	var trErr *quote.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, quote.StatusAuthorized, trErr.Current)
	assert.True(t, trErr.AlreadyProcessed())

	got, err := e.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DocumentNumber, got.DocumentNumber)
	assert.Equal(t, int64(6), stockOf(t, e, "P1"), "stock must be decremented once")

	// next receipt continues the sequence without a gap
	other := approvedQuote(t, e, line("P1", 1))
	other, err = e.Authorize(ctx, admin, other.ID, quote.DocumentReceipt)
	require.NoError(t, err)
	assert.Equal(t, "B-2025-000002", other.DocumentNumber)
}

func TestAuthorize_NoPartialDecrement(t *testing.T) {
	// GIVEN: a three-product quote where the middle product is short
	// WHEN: authorized
	// THEN: no product stock changes
	e, _ := newTestEngine(t)
	seedProduct(t, e, "A", "1", 10)
	seedProduct(t, e, "B", "1", 1)
	seedProduct(t, e, "C", "1", 10)
	q := approvedQuote(t, e, line("A", 5), line("B", 2), line("C", 5))

	_, err := e.Authorize(context.Background(), admin, q.ID, quote.DocumentReceipt)
	var stockErr *quote.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, quote.ProductID("B"), stockErr.ProductID)

	assert.Equal(t, int64(10), stockOf(t, e, "A"))
	assert.Equal(t, int64(1), stockOf(t, e, "B"))
	assert.Equal(t, int64(10), stockOf(t, e, "C"))
}

func TestAuthorize_InsufficientStockLeavesCounterUntouched(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 1)

	short := approvedQuote(t, e, line("P1", 5))
	_, err := e.Authorize(ctx, admin, short.ID, quote.DocumentReceipt)
	require.ErrorIs(t, err, quote.ErrInsufficientStock)

	fits := approvedQuote(t, e, line("P1", 1))
	fits, err = e.Authorize(ctx, admin, fits.ID, quote.DocumentReceipt)
	require.NoError(t, err)
	assert.Equal(t, "B-2025-000001", fits.DocumentNumber)
}

func TestAuthorize_SequencesArePerDocumentType(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 10)

	receipt := approvedQuote(t, e, line("P1", 1))
	receipt, err := e.Authorize(ctx, admin, receipt.ID, quote.DocumentReceipt)
	require.NoError(t, err)

	q, err := e.Submit(ctx, quote.SubmitRequest{
		Requester:    quote.Requester{Name: "Acme", Email: "billing@acme.test"},
		Lines:        []quote.SubmitLine{line("P1", 1)},
		DocumentType: quote.DocumentInvoice,
		Fiscal:       &quote.FiscalData{TaxID: "20123456789", LegalName: "Acme SAC", Address: "Av. Siempre Viva 742"},
	})
	require.NoError(t, err)
	_, err = e.Approve(ctx, manager, q.ID, quote.ApproveInput{})
	require.NoError(t, err)

	// empty type falls back to the one requested at submission
	invoice, err := e.Authorize(ctx, admin, q.ID, "")
	require.NoError(t, err)

	assert.Equal(t, "B-2025-000001", receipt.DocumentNumber)
	assert.Equal(t, "F-2025-000001", invoice.DocumentNumber)
	assert.Equal(t, quote.DocumentInvoice, invoice.DocumentType)
}

func TestAuthorize_InvoiceRequiresFiscalData(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 1))

	_, err := e.Authorize(context.Background(), admin, q.ID, quote.DocumentInvoice)
	assert.ErrorIs(t, err, quote.ErrValidation)
	assert.Equal(t, quote.StatusApproved, statusOf(t, e, q.ID))
	assert.Equal(t, int64(10), stockOf(t, e, "P1"))
}

func TestAuthorize_RequiresAdmin(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 1))

	for _, actor := range []quote.Actor{manager, sales, customer} {
		_, err := e.Authorize(context.Background(), actor, q.ID, quote.DocumentReceipt)
		assert.ErrorIs(t, err, quote.ErrUnauthorized, "role %s", actor.Role)
	}
	assert.Equal(t, quote.StatusApproved, statusOf(t, e, q.ID))
}

func TestAuthorize_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Authorize(context.Background(), admin, "missing", quote.DocumentReceipt)
	assert.True(t, quote.IsNotFound(err))
}

func TestAuthorize_MalformedPayload(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e, mem := newTestEngine(t, func(o *quote.Options) { o.Logger = zap.New(core) })
	seedProduct(t, e, "P1", "1", 10)

	// GIVEN: a stored quote whose only line has a zero quantity
	bad := &quote.Quote{
		ID:      "bad-1",
		Number:  99,
		Status:  quote.StatusApproved,
		TaxRate: quote.DefaultTaxRate,
		Order: quote.Order{Items: []quote.LineItem{
			{ProductID: "P1", Name: "x", UnitPrice: decimal.NewFromInt(1), Quantity: 0},
		}},
		Version: 1,
	}
	require.NoError(t, mem.WithTx(context.Background(), func(tx quote.Tx) error {
		return tx.InsertQuote(context.Background(), bad)
	}))

	_, err := e.Authorize(context.Background(), admin, bad.ID, quote.DocumentReceipt)
	assert.ErrorIs(t, err, quote.ErrMalformedQuote)
	assert.Equal(t, int64(10), stockOf(t, e, "P1"))
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("quote payload failed integrity check").Len())
}

func TestAuthorize_UndecodablePayloadChecksCapabilityFirst(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()

	// GIVEN: an approved quote whose stored payload could not be decoded
	bad := &quote.Quote{
		ID:         "bad-2",
		Number:     98,
		Status:     quote.StatusApproved,
		TaxRate:    quote.DefaultTaxRate,
		Version:    1,
		PayloadErr: errors.New("unexpected end of JSON input"),
	}
	require.NoError(t, mem.WithTx(ctx, func(tx quote.Tx) error {
		return tx.InsertQuote(ctx, bad)
	}))

	// WHEN/THEN: a manager is refused for lack of capability
	_, err := e.Authorize(ctx, manager, bad.ID, quote.DocumentReceipt)
	assert.ErrorIs(t, err, quote.ErrUnauthorized)

	// WHEN/THEN: an admin hits the payload error
	_, err = e.Authorize(ctx, admin, bad.ID, quote.DocumentReceipt)
	assert.ErrorIs(t, err, quote.ErrMalformedQuote)
	_, err = e.Document(ctx, bad.ID)
	assert.ErrorIs(t, err, quote.ErrMalformedQuote)

	// WHEN/THEN: transitions that never read the order still work
	q, err := e.Reject(ctx, manager, bad.ID, "unreadable")
	require.NoError(t, err)
	assert.Equal(t, quote.StatusRejected, q.Status)
}

// =============================================================================
// CONTENTION AND RETRY
// =============================================================================

// flakyStore fails the first n quote updates with a version conflict.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(quote.Tx) error) error {
	return f.Memory.WithTx(ctx, func(tx quote.Tx) error {
		return fn(&flakyTx{Tx: tx, parent: f})
	})
}

type flakyTx struct {
	quote.Tx
	parent *flakyStore
}

func (t *flakyTx) UpdateQuote(ctx context.Context, q *quote.Quote) error {
	if t.parent.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: simulated", quote.ErrConcurrentModification)
	}
	return t.Tx.UpdateQuote(ctx, q)
}

func newFlakyEngine(t *testing.T, failures int32) (*quote.Engine, *flakyStore) {
	t.Helper()
	fs := &flakyStore{Memory: store.NewMemory()}
	e := quote.NewEngine(fs, quote.Options{
		Now:          func() time.Time { return march10 },
		RetryBackoff: time.Millisecond,
		MaxAttempts:  3,
	})
	seedProduct(t, e, "P1", "1", 10)
	approvedQuote(t, e, line("P1", 4))
	fs.failures.Store(failures)
	return e, fs
}

func TestAuthorize_RetriesAfterConflict(t *testing.T) {
	e, _ := newFlakyEngine(t, 2)
	list, err := e.List(context.Background(), quote.QuoteFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	q, err := e.Authorize(context.Background(), admin, list[0].ID, quote.DocumentReceipt)
	require.NoError(t, err)
	assert.Equal(t, "B-2025-000001", q.DocumentNumber, "rolled back attempts must not consume numbers")
	assert.Equal(t, int64(6), stockOf(t, e, "P1"), "rolled back attempts must not decrement")
}

func TestAuthorize_SurfacesConcurrentModificationAfterMaxAttempts(t *testing.T) {
	e, _ := newFlakyEngine(t, 10)
	list, err := e.List(context.Background(), quote.QuoteFilter{})
	require.NoError(t, err)

	_, err = e.Authorize(context.Background(), admin, list[0].ID, quote.DocumentReceipt)
	var cmErr *quote.ConcurrentModificationError
	require.ErrorAs(t, err, &cmErr)
	assert.Equal(t, 3, cmErr.Attempts)
	assert.True(t, quote.IsRetryable(err))

	assert.Equal(t, quote.StatusApproved, statusOf(t, e, list[0].ID))
	assert.Equal(t, int64(10), stockOf(t, e, "P1"))
}

func TestAuthorize_StressExhaustsStockExactly(t *testing.T) {
	// GIVEN: 50 approved quotes each wanting 1 of P1, stock 30
	// WHEN: all are authorized concurrently
	// THEN: exactly 30 succeed with distinct consecutive numbers, stock ends at 0
	const n, stock = 50, 30
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", stock)

	ids := make([]quote.QuoteID, n)
	for i := range ids {
		ids[i] = approvedQuote(t, e, line("P1", 1)).ID
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
			assert.False(t, numbers[q.DocumentNumber], "duplicate %s", q.DocumentNumber)
			numbers[q.DocumentNumber] = true
		}(id)
	}
	wg.Wait()

	assert.Len(t, numbers, stock)
	assert.Equal(t, n-stock, short)
	assert.Equal(t, int64(0), stockOf(t, e, "P1"))
	for i := 1; i <= stock; i++ {
		assert.True(t, numbers[fmt.Sprintf("B-2025-%06d", i)], "missing number %d", i)
	}
}

func TestAuthorize_CanceledWhileWaiting(t *testing.T) {
	e, mem := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 1))

	// hold the unit-of-work slot so authorize has to wait
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = mem.WithTx(context.Background(), func(quote.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	close(release)

	assert.ErrorIs(t, err, quote.ErrConcurrentModification)
	assert.Equal(t, quote.StatusApproved, statusOf(t, e, q.ID))
	assert.Equal(t, int64(10), stockOf(t, e, "P1"))
}

// =============================================================================
// SIMPLE TRANSITIONS
// =============================================================================

func TestApprove_RecordsApproverAndEstimate(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	q := submit(t, e, line("P1", 1))
	days, notes := 5, "ships from main warehouse"

	q, err := e.Approve(context.Background(), sales, q.ID, quote.ApproveInput{EstimatedDeliveryDays: &days, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, quote.StatusApproved, q.Status)
	require.NotNil(t, q.ApprovedBy)
	assert.Equal(t, sales.ID, *q.ApprovedBy)
	assert.Equal(t, march10, *q.ApprovedAt)
	assert.Equal(t, 5, *q.EstimatedDeliveryDays)
	assert.Equal(t, notes, *q.Notes)
	assert.Equal(t, int64(2), q.Version)
}

func TestApprove_CustomerIsUnauthorized(t *testing.T) {
	e, _ := newTestEngine(t)
	seedProduct(t, e, "P1", "1", 10)
	q := submit(t, e, line("P1", 1))

	_, err := e.Approve(context.Background(), customer, q.ID, quote.ApproveInput{})
	assert.ErrorIs(t, err, quote.ErrUnauthorized)
	assert.Equal(t, quote.StatusPending, statusOf(t, e, q.ID))
}

func TestDispatchAndComplete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 1))

	_, err := e.Dispatch(ctx, manager, q.ID)
	assert.ErrorIs(t, err, quote.ErrInvalidTransition, "cannot dispatch before authorize")

	_, err = e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	require.NoError(t, err)
	q, err = e.Dispatch(ctx, manager, q.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.StatusDispatched, q.Status)
	assert.NotNil(t, q.DispatchedAt)

	q, err = e.Complete(ctx, manager, q.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.StatusCompleted, q.Status)
	assert.Equal(t, "B-2025-000001", q.DocumentNumber)
	assert.Equal(t, int64(9), stockOf(t, e, "P1"))
}

func TestReprice(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "10", 10)
	seedProduct(t, e, "P2", "5", 10)
	q := submit(t, e, line("P1", 2), line("P2", 1))

	q, err := e.Reprice(ctx, sales, q.ID, []quote.PriceChange{{ProductID: "P1", UnitPrice: decimal.RequireFromString("8.25")}})
	require.NoError(t, err)
	assert.Equal(t, quote.StatusPending, q.Status)
	assert.Equal(t, "21.50", q.Total.StringFixed(2))

	_, err = e.Reprice(ctx, sales, q.ID, []quote.PriceChange{{ProductID: "P7", UnitPrice: decimal.NewFromInt(1)}})
	assert.ErrorIs(t, err, quote.ErrValidation)

	_, err = e.Approve(ctx, manager, q.ID, quote.ApproveInput{})
	require.NoError(t, err)
	_, err = e.Reprice(ctx, sales, q.ID, []quote.PriceChange{{ProductID: "P1", UnitPrice: decimal.NewFromInt(1)}})
	assert.ErrorIs(t, err, quote.ErrInvalidTransition)
}

// =============================================================================
// AUDIT, DOCUMENT, NOTIFICATIONS
// =============================================================================

func TestHistory_RecordsEveryTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 10)
	q := approvedQuote(t, e, line("P1", 1))
	_, err := e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	require.NoError(t, err)

	// refused transitions leave no entry
	_, err = e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	require.Error(t, err)

	history, err := e.History(ctx, q.ID)
	require.NoError(t, err)
	var actions []quote.AuditAction
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []quote.AuditAction{quote.AuditSubmitted, quote.AuditApproved, quote.AuditAuthorized}, actions)
	assert.Equal(t, "B-2025-000001", history[2].Details["document_number"])
	assert.Equal(t, admin.ID, history[2].ActorID)

	_, err = e.History(ctx, "missing")
	assert.True(t, quote.IsNotFound(err))
}

func TestDocument_PreviewAndIssued(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "100", 10)
	q := approvedQuote(t, e, line("P1", 2))

	preview, err := e.Document(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, preview.DocumentNumber)
	assert.Equal(t, "36.00", preview.Tax.StringFixed(2))
	assert.Equal(t, "236.00", preview.GrandTotal.StringFixed(2))

	_, err = e.Authorize(ctx, admin, q.ID, quote.DocumentReceipt)
	require.NoError(t, err)
	doc, err := e.Document(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "B-2025-000001", doc.DocumentNumber)
	require.Len(t, doc.Lines, 1)
	assert.Equal(t, "200.00", doc.Lines[0].Subtotal.StringFixed(2))
	require.NotNil(t, doc.IssuedAt)
}

func TestNotifier_FailureNeverRollsBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	n := &recordingNotifier{err: errors.New("webhook down")}
	e, _ := newTestEngine(t, func(o *quote.Options) {
		o.Notifier = n
		o.Logger = zap.New(core)
	})
	seedProduct(t, e, "P1", "1", 10)

	q := approvedQuote(t, e, line("P1", 1))
	_, err := e.Authorize(context.Background(), admin, q.ID, quote.DocumentReceipt)
	require.NoError(t, err)

	assert.Equal(t, []quote.EventType{quote.EventSubmitted, quote.EventApproved, quote.EventAuthorized}, n.types())
	assert.Equal(t, quote.StatusAuthorized, statusOf(t, e, q.ID))
	assert.Equal(t, 3, logs.FilterMessage("notification failed").Len())
}

// =============================================================================
// CATALOG
// =============================================================================

func TestUpsertProduct(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.UpsertProduct(ctx, manager, &quote.Product{ID: "P1", Name: "x", Stock: 1})
	assert.ErrorIs(t, err, quote.ErrUnauthorized)

	_, err = e.UpsertProduct(ctx, admin, &quote.Product{ID: "P1", Name: "x", Stock: -1})
	assert.ErrorIs(t, err, quote.ErrValidation)

	seedProduct(t, e, "P1", "2.50", 4)
	seedProduct(t, e, "P1", "3.00", 9)
	p, err := e.Product(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.Stock)
	assert.Equal(t, "3", p.UnitPrice.String())

	all, err := e.Products(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestList_FiltersByStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedProduct(t, e, "P1", "1", 10)
	submit(t, e, line("P1", 1))
	approved := approvedQuote(t, e, line("P1", 1))
	submit(t, e, line("P1", 1))

	status := quote.StatusApproved
	list, err := e.List(ctx, quote.QuoteFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, approved.ID, list[0].ID)

	all, err := e.List(ctx, quote.QuoteFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(3), all[0].Number, "newest first")

	bogus := quote.Status("lost")
	_, err = e.List(ctx, quote.QuoteFilter{Status: &bogus})
	assert.ErrorIs(t, err, quote.ErrValidation)
}
