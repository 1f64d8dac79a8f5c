package quote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// DOCUMENT NUMBER SEQUENCER
// =============================================================================

const (
	DefaultReceiptPrefix = "B"
	DefaultInvoicePrefix = "F"
	DefaultNumberWidth   = 6

	// quoteCounterScope numbers quotes independently of fiscal documents.
	quoteCounterScope = "quote"
)

// Sequencer issues {prefix}-{year}-{counter} document numbers. The counter
// lives in the store and is advanced inside the caller's unit of work, so
// concurrent authorizations serialize on the counter row.
type Sequencer struct {
	Prefixes map[DocumentType]string
	Width    int
}

func NewSequencer(receiptPrefix, invoicePrefix string, width int) *Sequencer {
	if receiptPrefix == "" {
		receiptPrefix = DefaultReceiptPrefix
	}
	if invoicePrefix == "" {
		invoicePrefix = DefaultInvoicePrefix
	}
	if width <= 0 {
		width = DefaultNumberWidth
	}
	return &Sequencer{
		Prefixes: map[DocumentType]string{
			DocumentReceipt: receiptPrefix,
			DocumentInvoice: invoicePrefix,
		},
		Width: width,
	}
}

// Next allocates the next number for (docType, year) within tx.
func (s *Sequencer) Next(ctx context.Context, tx Tx, docType DocumentType, year int) (string, error) {
	if _, ok := s.Prefixes[docType]; !ok {
		return "", &ValidationError{Field: "document_type", Message: fmt.Sprintf("unsupported document type %q", docType)}
	}
	n, err := tx.NextCounter(ctx, counterScope(docType), year)
	if err != nil {
		return "", fmt.Errorf("next %s counter: %w", docType, err)
	}
	return s.Format(docType, year, n), nil
}

func (s *Sequencer) Format(docType DocumentType, year int, n int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", s.Prefixes[docType], year, s.Width, n)
}

// Parse splits a document number back into its type, year and counter.
func (s *Sequencer) Parse(number string) (DocumentType, int, int64, error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("document number %q: want PREFIX-YEAR-COUNTER", number)
	}
	var docType DocumentType
	for t, p := range s.Prefixes {
		if p == parts[0] {
			docType = t
		}
	}
	if docType == "" {
		return "", 0, 0, fmt.Errorf("document number %q: unknown prefix %q", number, parts[0])
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("document number %q: year: %w", number, err)
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("document number %q: counter: %w", number, err)
	}
	return docType, year, n, nil
}

func counterScope(docType DocumentType) string {
	return "document:" + string(docType)
}
