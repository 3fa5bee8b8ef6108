// Package store provides an in-memory ledger.TxStore implementation used by
// tests and local development. The sqlite store under store/sqlite is the
// production implementation of the same interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vetdesk/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory holds everything under one mutex, which also serializes the
// check-then-write on stock counters the way the sqlite store's conditional
// UPDATE does.
type Memory struct {
	mu           sync.RWMutex
	products     map[ledger.ProductID]ledger.Product
	parties      map[ledger.PartyID]ledger.Party
	transactions map[ledger.TransactionID]ledger.Transaction
	movements    map[ledger.ProductID][]ledger.StockMovement
	codes        map[ledger.TransactionType]int64
	audit        []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		products:     make(map[ledger.ProductID]ledger.Product),
		parties:      make(map[ledger.PartyID]ledger.Party),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		movements:    make(map[ledger.ProductID][]ledger.StockMovement),
		codes:        make(map[ledger.TransactionType]int64),
	}
}

// --- Catalog ---

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProductLocked(id), nil
}

func (m *Memory) getProductLocked(id ledger.ProductID) *ledger.Product {
	p, ok := m.products[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) SaveProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) AdjustStock(_ context.Context, id ledger.ProductID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustStockLocked(id, delta)
}

// adjustStockLocked is the conditional decrement: check and write under the
// same lock, mirroring UPDATE ... WHERE stock + delta >= 0.
func (m *Memory) adjustStockLocked(id ledger.ProductID, delta int64) error {
	p, ok := m.products[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "product", ID: string(id)}
	}
	if p.Stock+delta < 0 {
		return ledger.ErrInsufficientStock
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	m.products[id] = p
	return nil
}

// --- Parties ---

func (m *Memory) GetParty(_ context.Context, id ledger.PartyID) (*ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) SaveParty(_ context.Context, p ledger.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[p.ID] = p
	return nil
}

func (m *Memory) ListParties(_ context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Party
	for _, p := range m.parties {
		if kind == "" || p.Kind == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) AdjustBalance(_ context.Context, id ledger.PartyID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustBalanceLocked(id, delta)
}

func (m *Memory) adjustBalanceLocked(id ledger.PartyID, delta decimal.Decimal) error {
	p, ok := m.parties[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "party", ID: string(id)}
	}
	p.Balance = p.Balance.Add(delta)
	p.UpdatedAt = time.Now().UTC()
	m.parties[id] = p
	return nil
}

// --- Transactions ---

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.Items = append([]ledger.TransactionItem(nil), tx.Items...)
	m.transactions[tx.ID] = tx
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, nil
	}
	tx.Items = append([]ledger.TransactionItem(nil), tx.Items...)
	return &tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range m.transactions {
		if !matches(&tx, f) {
			continue
		}
		tx.Items = append([]ledger.TransactionItem(nil), tx.Items...)
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(tx *ledger.Transaction, f ledger.TransactionFilter) bool {
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.PartyID != "" {
		if tx.CustomerID != f.PartyID && tx.SupplierID != f.PartyID {
			return false
		}
	}
	if f.From != nil && tx.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.Date.After(*f.To) {
		return false
	}
	return true
}

func (m *Memory) TransactionsByParty(_ context.Context, id ledger.PartyID) ([]ledger.Transaction, error) {
	return m.ListTransactions(context.Background(), ledger.TransactionFilter{PartyID: id})
}

func (m *Memory) UpdatePayment(_ context.Context, id ledger.TransactionID, paid decimal.Decimal, status ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	tx.PaidAmount = paid
	tx.Status = status
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id ledger.TransactionID, status ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	tx.Status = status
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[id]; !ok {
		return &ledger.NotFoundError{Entity: "transaction", ID: string(id)}
	}
	delete(m.transactions, id)
	return nil
}

func (m *Memory) NextCodeNumber(_ context.Context, t ledger.TransactionType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[t]++
	return m.codes[t], nil
}

// --- Stock ledger ---

func (m *Memory) AppendMovement(_ context.Context, mv ledger.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements[mv.ProductID] = append(m.movements[mv.ProductID], mv)
	return nil
}

func (m *Memory) MovementsByProduct(_ context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.StockMovement(nil), m.movements[id]...), nil
}

// --- Audit ---

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, limit int) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]ledger.AuditEntry(nil), m.audit...)
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with unit-of-work support: WithTx snapshots the
// whole state and restores it if fn fails, so partial application is
// structurally impossible.
type TxMemory struct {
	*Memory
	txMu sync.Mutex
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn against the live store, serialized against other units
// of work, rolling back to a snapshot on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snap := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	products     map[ledger.ProductID]ledger.Product
	parties      map[ledger.PartyID]ledger.Party
	transactions map[ledger.TransactionID]ledger.Transaction
	movements    map[ledger.ProductID][]ledger.StockMovement
	codes        map[ledger.TransactionType]int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	s := memorySnapshot{
		products:     make(map[ledger.ProductID]ledger.Product, len(tm.products)),
		parties:      make(map[ledger.PartyID]ledger.Party, len(tm.parties)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(tm.transactions)),
		movements:    make(map[ledger.ProductID][]ledger.StockMovement, len(tm.movements)),
		codes:        make(map[ledger.TransactionType]int64, len(tm.codes)),
	}
	for k, v := range tm.products {
		s.products[k] = v
	}
	for k, v := range tm.parties {
		s.parties[k] = v
	}
	for k, v := range tm.transactions {
		v.Items = append([]ledger.TransactionItem(nil), v.Items...)
		s.transactions[k] = v
	}
	for k, v := range tm.movements {
		s.movements[k] = append([]ledger.StockMovement(nil), v...)
	}
	for k, v := range tm.codes {
		s.codes[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.products = s.products
	tm.parties = s.parties
	tm.transactions = s.transactions
	tm.movements = s.movements
	tm.codes = s.codes
}
