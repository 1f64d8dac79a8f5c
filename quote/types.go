/*
Package quote provides the quote authorization engine.

PURPOSE:
  Customers request price quotes for catalog products, staff approve or
  reject them, and administrators authorize dispatch. Authorization turns an
  approved quote into a fiscal document (receipt or invoice) and consumes
  inventory. This package owns the lifecycle, the stock ledger and the
  document numbering; persistence is behind the Store interface.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quote: the root entity, never deleted
  - Order: the typed payload written once at submission (lines, requested
    document type, fiscal data, unmatched requests)
  - LineItem: product reference, name, unit price snapshot, quantity
  - Product: catalog item with a finite non-negative stock
  - Actor/Role: opaque identity handed over by the auth collaborator

INVARIANTS:
  1. DocumentNumber is set if and only if the quote went through authorize
  2. Total == Σ(UnitPrice × Quantity) over the priced lines
  3. Product.Stock >= 0, always

SEE ALSO:
  - statemachine.go: valid transitions and capabilities
  - ledger.go: race-safe stock decrement
  - sequencer.go: document numbers
  - engine.go: the orchestrator
*/
package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type QuoteID string
type ProductID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusAuthorized Status = "authorized"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected,
		StatusAuthorized, StatusDispatched, StatusCompleted:
		return true
	}
	return false
}

// Issued reports whether a quote in this status carries a document number.
func (s Status) Issued() bool {
	return s == StatusAuthorized || s == StatusDispatched || s == StatusCompleted
}

// =============================================================================
// DOCUMENT TYPE
// =============================================================================

type DocumentType string

const (
	DocumentReceipt DocumentType = "receipt"
	DocumentInvoice DocumentType = "invoice"
)

func (d DocumentType) Valid() bool {
	return d == DocumentReceipt || d == DocumentInvoice
}

// RequiresFiscalData is true for documents that must name the buyer's tax identity.
func (d DocumentType) RequiresFiscalData() bool {
	return d == DocumentInvoice
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleSales    Role = "sales"
	RoleCustomer Role = "customer"
)

// Actor is the calling identity supplied by the auth collaborator.
// The engine never verifies credentials; it only consults capabilities.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for public submissions that carry no staff identity.
var SystemActor = Actor{ID: "public", Role: RoleCustomer}

// =============================================================================
// ORDER PAYLOAD
// =============================================================================

// LineItem is one priced entry of a quote.
type LineItem struct {
	ProductID ProductID       `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

type FiscalData struct {
	TaxID     string `json:"tax_id"`
	LegalName string `json:"legal_name"`
	Address   string `json:"address"`
}

// Complete reports whether every fiscal field is filled.
func (f *FiscalData) Complete() bool {
	return f != nil && f.TaxID != "" && f.LegalName != "" && f.Address != ""
}

// UnmatchedRequest records a submitted line whose product was not in the catalog.
type UnmatchedRequest struct {
	ProductID ProductID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// Order is the typed payload stored with a quote. It is validated when the
// quote is written and decoded back into the same shape on every read.
type Order struct {
	Items             []LineItem         `json:"items"`
	DocumentType      DocumentType       `json:"document_type,omitempty"`
	Fiscal            *FiscalData        `json:"fiscal,omitempty"`
	UnmatchedRequests []UnmatchedRequest `json:"unmatched_requests,omitempty"`
}

// Total sums the line subtotals.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// StockLines projects the order onto the stock ledger's input.
func (o Order) StockLines() []StockLine {
	lines := make([]StockLine, len(o.Items))
	for i, item := range o.Items {
		lines[i] = StockLine{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}

// =============================================================================
// QUOTE
// =============================================================================

type Requester struct {
	Name  string
	Email string
	Phone string
}

type Quote struct {
	ID        QuoteID
	Number    int64
	Requester Requester
	Order     Order

	Total   decimal.Decimal
	TaxRate decimal.Decimal // snapshot taken at submission

	Status         Status
	DocumentType   DocumentType
	DocumentNumber string

	// Audit fields
	ApprovedBy            *string
	ApprovedAt            *time.Time
	RejectedBy            *string
	RejectedAt            *time.Time
	RejectionReason       *string
	AuthorizedBy          *string
	AuthorizedAt          *time.Time
	DispatchedAt          *time.Time
	CompletedAt           *time.Time
	EstimatedDeliveryDays *int
	Notes                 *string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version increments on every write; stores reject stale updates.
	Version int64

	// PayloadErr is set by a store when the persisted order payload could not
	// be decoded. Order is zero then, and stores keep the persisted payload
	// untouched on update.
	PayloadErr error
}

// checkPayload reports a quote whose order payload could not be decoded.
func (q *Quote) checkPayload() error {
	if q.PayloadErr == nil {
		return nil
	}
	return &MalformedQuoteError{QuoteID: q.ID, Reason: "order payload is not valid JSON", Err: q.PayloadErr}
}

// Tax is the stored tax rate applied to the total, rounded to cents.
func (q *Quote) Tax() decimal.Decimal {
	return q.Total.Mul(q.TaxRate).Round(2)
}

func (q *Quote) GrandTotal() decimal.Decimal {
	return q.Total.Add(q.Tax())
}

// Clone returns a deep copy so callers can mutate freely.
func (q *Quote) Clone() *Quote {
	c := *q
	c.Order.Items = append([]LineItem(nil), q.Order.Items...)
	c.Order.UnmatchedRequests = append([]UnmatchedRequest(nil), q.Order.UnmatchedRequests...)
	if q.Order.Fiscal != nil {
		f := *q.Order.Fiscal
		c.Order.Fiscal = &f
	}
	return &c
}

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID          ProductID
	Name        string
	Description string
	UnitPrice   decimal.Decimal
	Stock       int64
	UpdatedAt   time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditSubmitted  AuditAction = "submitted"
	AuditRepriced   AuditAction = "repriced"
	AuditApproved   AuditAction = "approved"
	AuditRejected   AuditAction = "rejected"
	AuditAuthorized AuditAction = "authorized"
	AuditDispatched AuditAction = "dispatched"
	AuditCompleted  AuditAction = "completed"
)

// AuditEntry records who did what to a quote. Append-only.
type AuditEntry struct {
	ID        string
	QuoteID   QuoteID
	Action    AuditAction
	ActorID   string
	ActorRole Role
	At        time.Time
	Details   map[string]string
}

// QuoteFilter narrows List results. Zero value lists everything.
type QuoteFilter struct {
	Status *Status
	Limit  int
}
