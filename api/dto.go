/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  domain model so fields can be renamed without touching the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are shopspring decimals. They are written as JSON strings
  ("12.50") and accepted as strings or numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/quote-engine/quote"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type RequesterDTO struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type FiscalDataDTO struct {
	TaxID     string `json:"tax_id"`
	LegalName string `json:"legal_name"`
	Address   string `json:"address"`
}

type SubmitLineDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type SubmitQuoteRequest struct {
	Requester    RequesterDTO    `json:"requester"`
	Lines        []SubmitLineDTO `json:"lines"`
	DocumentType string          `json:"document_type,omitempty"`
	Fiscal       *FiscalDataDTO  `json:"fiscal,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

type ApproveQuoteRequest struct {
	EstimatedDeliveryDays *int    `json:"estimated_delivery_days,omitempty"`
	Notes                 *string `json:"notes,omitempty"`
}

type RejectQuoteRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AuthorizeQuoteRequest struct {
	DocumentType string `json:"document_type,omitempty"`
}

type PriceChangeDTO struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type RepriceQuoteRequest struct {
	Prices []PriceChangeDTO `json:"prices"`
}

type UpsertProductRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Stock       int64           `json:"stock"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type LineItemDTO struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type UnmatchedRequestDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// QuoteDTO represents a quote in API responses.
type QuoteDTO struct {
	ID                    string                `json:"id"`
	Number                int64                 `json:"number"`
	Status                string                `json:"status"`
	Requester             RequesterDTO          `json:"requester"`
	Items                 []LineItemDTO         `json:"items"`
	UnmatchedRequests     []UnmatchedRequestDTO `json:"unmatched_requests,omitempty"`
	RequestedDocumentType string                `json:"requested_document_type,omitempty"`
	Fiscal                *FiscalDataDTO        `json:"fiscal,omitempty"`
	Total                 decimal.Decimal       `json:"total"`
	TaxRate               decimal.Decimal       `json:"tax_rate"`
	Tax                   decimal.Decimal       `json:"tax"`
	GrandTotal            decimal.Decimal       `json:"grand_total"`
	DocumentType          string                `json:"document_type,omitempty"`
	DocumentNumber        string                `json:"document_number,omitempty"`
	ApprovedBy            *string               `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time            `json:"approved_at,omitempty"`
	RejectedBy            *string               `json:"rejected_by,omitempty"`
	RejectedAt            *time.Time            `json:"rejected_at,omitempty"`
	RejectionReason       *string               `json:"rejection_reason,omitempty"`
	AuthorizedBy          *string               `json:"authorized_by,omitempty"`
	AuthorizedAt          *time.Time            `json:"authorized_at,omitempty"`
	DispatchedAt          *time.Time            `json:"dispatched_at,omitempty"`
	CompletedAt           *time.Time            `json:"completed_at,omitempty"`
	EstimatedDeliveryDays *int                  `json:"estimated_delivery_days,omitempty"`
	Notes                 *string               `json:"notes,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
	Version               int64                 `json:"version"`
}

type ProductDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Stock       int64           `json:"stock"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type AuditEntryDTO struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id"`
	ActorRole string            `json:"actor_role"`
	At        time.Time         `json:"at"`
	Details   map[string]string `json:"details,omitempty"`
}

// DocumentDTO is the JSON rendering of a quote or an issued document.
type DocumentDTO struct {
	QuoteID        string          `json:"quote_id"`
	QuoteNumber    int64           `json:"quote_number"`
	Requester      RequesterDTO    `json:"requester"`
	Fiscal         *FiscalDataDTO  `json:"fiscal,omitempty"`
	Lines          []LineItemDTO   `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Tax            decimal.Decimal `json:"tax"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	DocumentType   string          `json:"document_type,omitempty"`
	DocumentNumber string          `json:"document_number,omitempty"`
	IssuedAt       *time.Time      `json:"issued_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string            `json:"error"`
	Details       string            `json:"details,omitempty"`
	Field         string            `json:"field,omitempty"`
	Transition    string            `json:"transition,omitempty"`
	CurrentStatus string            `json:"current_status,omitempty"`
	Stock         *StockShortageDTO `json:"stock,omitempty"`
}

type StockShortageDTO struct {
	ProductID string `json:"product_id"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
	Shortfall int64  `json:"shortfall"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toQuoteDTO(q *quote.Quote) QuoteDTO {
	items := make([]LineItemDTO, len(q.Order.Items))
	for i, it := range q.Order.Items {
		items[i] = toLineItemDTO(it)
	}
	var unmatched []UnmatchedRequestDTO
	for _, u := range q.Order.UnmatchedRequests {
		unmatched = append(unmatched, UnmatchedRequestDTO{ProductID: string(u.ProductID), Quantity: u.Quantity})
	}
	return QuoteDTO{
		ID:                    string(q.ID),
		Number:                q.Number,
		Status:                string(q.Status),
		Requester:             toRequesterDTO(q.Requester),
		Items:                 items,
		UnmatchedRequests:     unmatched,
		RequestedDocumentType: string(q.Order.DocumentType),
		Fiscal:                toFiscalDTO(q.Order.Fiscal),
		Total:                 q.Total,
		TaxRate:               q.TaxRate,
		Tax:                   q.Tax(),
		GrandTotal:            q.GrandTotal(),
		DocumentType:          string(q.DocumentType),
		DocumentNumber:        q.DocumentNumber,
		ApprovedBy:            q.ApprovedBy,
		ApprovedAt:            q.ApprovedAt,
		RejectedBy:            q.RejectedBy,
		RejectedAt:            q.RejectedAt,
		RejectionReason:       q.RejectionReason,
		AuthorizedBy:          q.AuthorizedBy,
		AuthorizedAt:          q.AuthorizedAt,
		DispatchedAt:          q.DispatchedAt,
		CompletedAt:           q.CompletedAt,
		EstimatedDeliveryDays: q.EstimatedDeliveryDays,
		Notes:                 q.Notes,
		CreatedAt:             q.CreatedAt,
		UpdatedAt:             q.UpdatedAt,
		Version:               q.Version,
	}
}

func toLineItemDTO(it quote.LineItem) LineItemDTO {
	return LineItemDTO{
		ProductID: string(it.ProductID),
		Name:      it.Name,
		UnitPrice: it.UnitPrice,
		Quantity:  it.Quantity,
		Subtotal:  it.Subtotal(),
	}
}

func toRequesterDTO(r quote.Requester) RequesterDTO {
	return RequesterDTO{Name: r.Name, Email: r.Email, Phone: r.Phone}
}

func toFiscalDTO(f *quote.FiscalData) *FiscalDataDTO {
	if f == nil {
		return nil
	}
	return &FiscalDataDTO{TaxID: f.TaxID, LegalName: f.LegalName, Address: f.Address}
}

func toProductDTO(p *quote.Product) ProductDTO {
	return ProductDTO{
		ID:          string(p.ID),
		Name:        p.Name,
		Description: p.Description,
		UnitPrice:   p.UnitPrice,
		Stock:       p.Stock,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toAuditEntryDTO(e quote.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Action:    string(e.Action),
		ActorID:   e.ActorID,
		ActorRole: string(e.ActorRole),
		At:        e.At,
		Details:   e.Details,
	}
}

func toDocumentDTO(doc quote.DocumentSnapshot) DocumentDTO {
	lines := make([]LineItemDTO, len(doc.Lines))
	for i, l := range doc.Lines {
		lines[i] = toLineItemDTO(l.LineItem)
	}
	return DocumentDTO{
		QuoteID:        string(doc.Quote.ID),
		QuoteNumber:    doc.Quote.Number,
		Requester:      toRequesterDTO(doc.Quote.Requester),
		Fiscal:         toFiscalDTO(doc.Quote.Order.Fiscal),
		Lines:          lines,
		Subtotal:       doc.Subtotal,
		TaxRate:        doc.TaxRate,
		Tax:            doc.Tax,
		GrandTotal:     doc.GrandTotal,
		DocumentType:   string(doc.DocumentType),
		DocumentNumber: doc.DocumentNumber,
		IssuedAt:       doc.IssuedAt,
	}
}

func (r SubmitQuoteRequest) toDomain() quote.SubmitRequest {
	lines := make([]quote.SubmitLine, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = quote.SubmitLine{ProductID: quote.ProductID(l.ProductID), Quantity: l.Quantity}
	}
	var fiscal *quote.FiscalData
	if r.Fiscal != nil {
		fiscal = &quote.FiscalData{TaxID: r.Fiscal.TaxID, LegalName: r.Fiscal.LegalName, Address: r.Fiscal.Address}
	}
	return quote.SubmitRequest{
		Requester:    quote.Requester{Name: r.Requester.Name, Email: r.Requester.Email, Phone: r.Requester.Phone},
		Lines:        lines,
		DocumentType: quote.DocumentType(r.DocumentType),
		Fiscal:       fiscal,
		Notes:        r.Notes,
	}
}
