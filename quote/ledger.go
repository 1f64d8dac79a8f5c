package quote

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// STOCK LEDGER - Lock, validate all, then mutate all
// =============================================================================

// StockLine is one product demand presented to the ledger.
type StockLine struct {
	ProductID ProductID
	Quantity  int64
}

// StockLedger is the only writer of product stock during authorization.
type StockLedger struct{}

// ReserveAndDecrement debits every line or none.
//
// Demand for a product that appears on several lines is summed. Rows are
// locked in ascending product id order. If any product is missing or short,
// the first one in line order is reported and nothing is written.
func (StockLedger) ReserveAndDecrement(ctx context.Context, tx Tx, lines []StockLine) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "items", Message: "no lines to reserve"}
	}

	demand := make(map[ProductID]int64, len(lines))
	order := make([]ProductID, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return &ValidationError{Field: "quantity", Message: fmt.Sprintf("product %s: quantity must be positive, got %d", l.ProductID, l.Quantity)}
		}
		if _, seen := demand[l.ProductID]; !seen {
			order = append(order, l.ProductID)
		}
		demand[l.ProductID] += l.Quantity
	}

	ids := append([]ProductID(nil), order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// 1. Lock
	stock, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}

	// 2. Validate all
	for _, id := range order {
		available, ok := stock[id]
		if !ok {
			return &ProductNotFoundError{ProductID: id}
		}
		if available < demand[id] {
			return &InsufficientStockError{ProductID: id, Available: available, Requested: demand[id]}
		}
	}

	// 3. Mutate all
	for _, id := range ids {
		if err := tx.DecrementStock(ctx, id, demand[id]); err != nil {
			return fmt.Errorf("decrement %s: %w", id, err)
		}
	}
	return nil
}
