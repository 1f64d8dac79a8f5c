/*
scenarios.go - Demo catalog for local development

PURPOSE:
  Populates an empty store with a small catalog so the quote flow can be
  exercised by hand. Enabled with SEED_DEMO_CATALOG=true.

HOW IT WORKS:
  Products are upserted through the engine as an administrator, so the
  same validation and audit logging apply as for any catalog change.
  Existing products are left untouched.

NOTE:
  Only use in development/demo environments.
*/
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/quote-engine/quote"
)

// seedActor is the identity recorded for demo catalog writes.
var seedActor = quote.Actor{ID: "demo-seed", Role: quote.RoleAdmin}

// DemoCatalog returns the demo products.
func DemoCatalog() []quote.Product {
	return []quote.Product{
		{ID: "CEM-42", Name: "Portland cement 42.5kg", UnitPrice: decimal.RequireFromString("28.90"), Stock: 120},
		{ID: "REB-12", Name: "Rebar 12mm x 9m", UnitPrice: decimal.RequireFromString("41.50"), Stock: 300},
		{ID: "BRK-18", Name: "Hollow brick 18 holes", UnitPrice: decimal.RequireFromString("0.95"), Stock: 5000},
		{ID: "PNT-W4", Name: "White latex paint 4L", UnitPrice: decimal.RequireFromString("64.00"), Stock: 40},
		{ID: "PIP-PVC", Name: "PVC pipe 4in x 3m", UnitPrice: decimal.RequireFromString("22.30"), Stock: 0},
	}
}

// SeedCatalog upserts every demo product that does not exist yet and
// returns how many were created.
func SeedCatalog(ctx context.Context, engine *quote.Engine) (int, error) {
	created := 0
	for _, p := range DemoCatalog() {
		_, err := engine.Product(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, quote.ErrNotFound) {
			return created, fmt.Errorf("check product %s: %w", p.ID, err)
		}
		p := p
		if _, err := engine.UpsertProduct(ctx, seedActor, &p); err != nil {
			return created, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		created++
	}
	return created, nil
}
