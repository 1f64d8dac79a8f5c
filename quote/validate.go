package quote

import (
	"fmt"
	"net/mail"
	"strings"
)

// Validate checks the payload shape written at submission: at least one
// priced line, positive quantities, non-negative prices, a known document
// type if one was requested, and fiscal data when an invoice was requested.
func (o Order) Validate() error {
	if len(o.Items) == 0 {
		return &ValidationError{Field: "items", Message: "at least one line item is required"}
	}
	for i, item := range o.Items {
		if item.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Message: "required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: fmt.Sprintf("must be positive, got %d", item.Quantity)}
		}
		if item.UnitPrice.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Message: "must not be negative"}
		}
	}
	if o.DocumentType != "" {
		if !o.DocumentType.Valid() {
			return &ValidationError{Field: "document_type", Message: fmt.Sprintf("unknown document type %q", o.DocumentType)}
		}
		if o.DocumentType.RequiresFiscalData() && !o.Fiscal.Complete() {
			return &ValidationError{Field: "fiscal", Message: "tax id, legal name and address are required for an invoice"}
		}
	}
	return nil
}

func (r Requester) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "requester.name", Message: "required"}
	}
	if strings.TrimSpace(r.Email) == "" {
		return &ValidationError{Field: "requester.email", Message: "required"}
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return &ValidationError{Field: "requester.email", Message: "not a valid address"}
	}
	return nil
}

func (p *Product) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if p.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unit_price", Message: "must not be negative"}
	}
	if p.Stock < 0 {
		return &ValidationError{Field: "stock", Message: "must not be negative"}
	}
	return nil
}
