/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the boundary between the engine and the database. Implementations:
  - store/sqlite:     production SQLite store
  - ledger/store:     in-memory store for tests and development

SERIALIZATION CONTRACT:
  AdjustStock and AdjustBalance are the ONLY writers of Product.Stock and
  Party.Balance. Both are atomic conditional updates at the store: the
  check-then-write for stock is a single statement whose affected-row count
  is verified, so two concurrent decrements can never both pass a capacity
  check that only one of them should pass.

APPEND-ONLY CONTRACT:
  AppendMovement is the only write on the stock ledger. There is no update
  or delete for movements; reversals append opposite-sign entries.

UNIT OF WORK:
  TxStore.WithTx executes a function against a transactional view of the
  store. If the function returns an error, nothing is applied. Every engine
  operation (create, payment, cancel, delete) runs inside WithTx.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// Store handles persistence for the catalog, parties, transactions, and the
// stock ledger.
type Store interface {
	// --- Catalog (read-mostly; stock mutated only via AdjustStock) ---

	// GetProduct returns the product, or (nil, nil) when absent.
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	SaveProduct(ctx context.Context, p Product) error
	ListProducts(ctx context.Context) ([]Product, error)

	// AdjustStock applies delta to the cached stock counter as an atomic
	// conditional update. It fails with ErrInsufficientStock if the result
	// would be negative and with ErrNotFound if the product is absent.
	AdjustStock(ctx context.Context, id ProductID, delta int64) error

	// --- Parties (balance mutated only via AdjustBalance) ---

	// GetParty returns the party, or (nil, nil) when absent.
	GetParty(ctx context.Context, id PartyID) (*Party, error)
	SaveParty(ctx context.Context, p Party) error
	ListParties(ctx context.Context, kind PartyKind) ([]Party, error)

	// AdjustBalance applies delta to the running balance as an atomic
	// increment, never read-modify-write from application memory.
	AdjustBalance(ctx context.Context, id PartyID, delta decimal.Decimal) error

	// --- Transactions (header + items as a whole) ---

	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	TransactionsByParty(ctx context.Context, id PartyID) ([]Transaction, error)

	// UpdatePayment sets the paid amount and its derived status.
	UpdatePayment(ctx context.Context, id TransactionID, paid decimal.Decimal, status Status) error

	// SetStatus marks a terminal state without touching amounts.
	SetStatus(ctx context.Context, id TransactionID, status Status) error

	// DeleteTransaction removes the header and all items. Stock movements
	// referencing the transaction remain: the ledger is append-only.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// NextCodeNumber increments and returns the per-type code sequence.
	// Called inside a unit of work so generated codes are unique under
	// concurrent creates.
	NextCodeNumber(ctx context.Context, t TransactionType) (int64, error)

	// --- Stock ledger (append-only) ---

	AppendMovement(ctx context.Context, m StockMovement) error
	MovementsByProduct(ctx context.Context, id ProductID) ([]StockMovement, error)
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Type     TransactionType // empty = all
	Status   Status          // empty = all
	PartyID  PartyID         // empty = all
	From, To *time.Time
	Limit    int // 0 = no limit
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with a unit-of-work boundary.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back and nothing is applied.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - notified of every create/cancel/delete, off the write path
// =============================================================================

type AuditAction string

const (
	AuditTransactionCreated   AuditAction = "transaction_created"
	AuditPaymentRecorded      AuditAction = "payment_recorded"
	AuditTransactionCancelled AuditAction = "transaction_cancelled"
	AuditTransactionDeleted   AuditAction = "transaction_deleted"
)

// AuditEntry carries old/new snapshots for compliance display.
type AuditEntry struct {
	ID            string
	At            time.Time
	Action        AuditAction
	TransactionID TransactionID
	Code          string
	Old           *Transaction // nil on create
	New           *Transaction // nil on delete
}

// AuditLog receives engine notifications. Implementations must tolerate
// being called after the unit of work committed; a failing audit write never
// fails the operation it describes.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}
