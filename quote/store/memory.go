// Package store provides an in-memory quote.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/quote-engine/quote"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a quote.Store backed by maps. Units of work are serialized:
// one WithTx runs at a time, and waiting for the slot honors ctx.
type Memory struct {
	mu   sync.RWMutex
	slot chan struct{}

	quotes   map[quote.QuoteID]*quote.Quote
	products map[quote.ProductID]quote.Product
	counters map[counterKey]int64
	audit    []quote.AuditEntry
}

type counterKey struct {
	Scope string
	Year  int
}

func NewMemory() *Memory {
	return &Memory{
		slot:     make(chan struct{}, 1),
		quotes:   make(map[quote.QuoteID]*quote.Quote),
		products: make(map[quote.ProductID]quote.Product),
		counters: make(map[counterKey]int64),
	}
}

func (m *Memory) GetQuote(_ context.Context, id quote.QuoteID) (*quote.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getQuoteLocked(id)
}

func (m *Memory) ListQuotes(_ context.Context, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listQuotesLocked(filter), nil
}

func (m *Memory) GetProduct(_ context.Context, id quote.ProductID) (*quote.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProductLocked(id)
}

func (m *Memory) ListProducts(_ context.Context) ([]*quote.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProductsLocked(), nil
}

func (m *Memory) History(_ context.Context, id quote.QuoteID) ([]quote.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(id), nil
}

func (m *Memory) getQuoteLocked(id quote.QuoteID) (*quote.Quote, error) {
	q, ok := m.quotes[id]
	if !ok {
		return nil, &quote.QuoteNotFoundError{QuoteID: id}
	}
	return q.Clone(), nil
}

func (m *Memory) listQuotesLocked(filter quote.QuoteFilter) []*quote.Quote {
	var result []*quote.Quote
	for _, q := range m.quotes {
		if filter.Status != nil && q.Status != *filter.Status {
			continue
		}
		result = append(result, q.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number > result[j].Number })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) getProductLocked(id quote.ProductID) (*quote.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, &quote.ProductNotFoundError{ProductID: id}
	}
	return &p, nil
}

func (m *Memory) listProductsLocked() []*quote.Product {
	result := make([]*quote.Product, 0, len(m.products))
	for _, p := range m.products {
		p := p
		result = append(result, &p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) historyLocked(id quote.QuoteID) []quote.AuditEntry {
	var result []quote.AuditEntry
	for _, e := range m.audit {
		if e.QuoteID == id {
			result = append(result, e)
		}
	}
	return result
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(quote.Tx) error) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for transaction: %w", quote.ErrConcurrentModification, ctx.Err())
	}
	defer func() { <-m.slot }()

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	committed := false
	defer func() {
		if !committed {
			m.restore(snapshot)
		}
	}()
	if err := fn(&txView{parent: m}); err != nil {
		return err
	}
	committed = true
	return nil
}

type memorySnapshot struct {
	quotes   map[quote.QuoteID]*quote.Quote
	products map[quote.ProductID]quote.Product
	counters map[counterKey]int64
	audit    int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		quotes:   make(map[quote.QuoteID]*quote.Quote, len(m.quotes)),
		products: make(map[quote.ProductID]quote.Product, len(m.products)),
		counters: make(map[counterKey]int64, len(m.counters)),
		audit:    len(m.audit),
	}
	for k, v := range m.quotes {
		s.quotes[k] = v.Clone()
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.counters {
		s.counters[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.quotes = s.quotes
	m.products = s.products
	m.counters = s.counters
	m.audit = m.audit[:s.audit]
}

// txView is the quote.Tx handed to WithTx callbacks. It runs with the
// parent's write lock held.
type txView struct {
	parent *Memory
}

func (tv *txView) GetQuote(_ context.Context, id quote.QuoteID) (*quote.Quote, error) {
	return tv.parent.getQuoteLocked(id)
}

func (tv *txView) ListQuotes(_ context.Context, filter quote.QuoteFilter) ([]*quote.Quote, error) {
	return tv.parent.listQuotesLocked(filter), nil
}

func (tv *txView) GetProduct(_ context.Context, id quote.ProductID) (*quote.Product, error) {
	return tv.parent.getProductLocked(id)
}

func (tv *txView) ListProducts(_ context.Context) ([]*quote.Product, error) {
	return tv.parent.listProductsLocked(), nil
}

func (tv *txView) History(_ context.Context, id quote.QuoteID) ([]quote.AuditEntry, error) {
	return tv.parent.historyLocked(id), nil
}

func (tv *txView) InsertQuote(_ context.Context, q *quote.Quote) error {
	if _, exists := tv.parent.quotes[q.ID]; exists {
		return fmt.Errorf("quote %s already exists", q.ID)
	}
	tv.parent.quotes[q.ID] = q.Clone()
	return nil
}

func (tv *txView) UpdateQuote(_ context.Context, q *quote.Quote) error {
	stored, ok := tv.parent.quotes[q.ID]
	if !ok {
		return &quote.QuoteNotFoundError{QuoteID: q.ID}
	}
	if stored.Version != q.Version {
		return fmt.Errorf("%w: quote %s is at version %d, update based on %d",
			quote.ErrConcurrentModification, q.ID, stored.Version, q.Version)
	}
	q.Version++
	tv.parent.quotes[q.ID] = q.Clone()
	return nil
}

func (tv *txView) LockProducts(_ context.Context, ids []quote.ProductID) (map[quote.ProductID]int64, error) {
	result := make(map[quote.ProductID]int64, len(ids))
	for _, id := range ids {
		if p, ok := tv.parent.products[id]; ok {
			result[id] = p.Stock
		}
	}
	return result, nil
}

func (tv *txView) DecrementStock(_ context.Context, id quote.ProductID, qty int64) error {
	p, ok := tv.parent.products[id]
	if !ok {
		return &quote.ProductNotFoundError{ProductID: id}
	}
	if p.Stock < qty {
		return &quote.InsufficientStockError{ProductID: id, Available: p.Stock, Requested: qty}
	}
	p.Stock -= qty
	tv.parent.products[id] = p
	return nil
}

func (tv *txView) NextCounter(_ context.Context, scope string, year int) (int64, error) {
	k := counterKey{Scope: scope, Year: year}
	tv.parent.counters[k]++
	return tv.parent.counters[k], nil
}

func (tv *txView) UpsertProduct(_ context.Context, p *quote.Product) error {
	tv.parent.products[p.ID] = *p
	return nil
}

func (tv *txView) AppendAudit(_ context.Context, entry quote.AuditEntry) error {
	tv.parent.audit = append(tv.parent.audit, entry)
	return nil
}
