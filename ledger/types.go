/*
Package ledger implements the transaction ledger and inventory-balance engine.

PURPOSE:
  This package contains the domain model and the core orchestration for
  recording sales, purchases, treatments, and payments, while keeping each
  product's stock and each counterparty's running balance consistent with
  every transaction - including when a transaction is later cancelled or
  deleted.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product: catalog entry with a cached stock counter (services carry none)
  - Party: a customer or supplier with one signed running balance
  - Transaction / TransactionItem: the unit of atomicity
  - StockMovement: one append-only stock ledger entry

DESIGN PRINCIPLES:
  1. Append-only ledgers: Product.Stock and Party.Balance are cached folds
     of ledger entries; corrections happen via reversal entries, not edits.
  2. Precision: decimal.Decimal for all money, no binary floating point.
  3. Atomicity: every multi-step effect runs inside a single unit of work.

SEE ALSO:
  - pricing.go: line/header totals and status derivation
  - engine.go:  create / payment / cancel / delete orchestration
  - store.go:   persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type PartyID string
type TransactionID string
type MovementID string

// =============================================================================
// PRODUCT - Catalog entry (stock is a cached fold of stock movements)
// =============================================================================

// Product is owned by the catalog store. Stock is mutated exclusively through
// Store.AdjustStock, paired with an appended StockMovement; the invariant
// Stock == sum of movement deltas holds after every committed operation.
type Product struct {
	ID            ProductID
	Code          string
	Name          string
	Stock         int64 // meaningless when IsService
	CriticalLevel int64 // reorder threshold, advisory only
	SalePrice     decimal.Decimal
	PurchasePrice decimal.Decimal
	IsService     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BelowCritical reports whether stock is at or under the reorder threshold.
func (p *Product) BelowCritical() bool {
	return !p.IsService && p.CriticalLevel > 0 && p.Stock <= p.CriticalLevel
}

// =============================================================================
// PARTY - Customer or supplier with one signed running balance
// =============================================================================

type PartyKind string

const (
	PartyCustomer PartyKind = "CUSTOMER"
	PartySupplier PartyKind = "SUPPLIER"
)

// Party balance sign convention: positive means the party relationship carries
// outstanding debt (customer owes the clinic, or the clinic owes the
// supplier). Balance is mutated exclusively through Store.AdjustBalance.
type Party struct {
	ID        PartyID
	Kind      PartyKind
	Code      string
	Name      string
	Phone     string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxSale            TransactionType = "SALE"
	TxPurchase        TransactionType = "PURCHASE"
	TxTreatment       TransactionType = "TREATMENT"
	TxCustomerPayment TransactionType = "CUSTOMER_PAYMENT"
	TxSupplierPayment TransactionType = "SUPPLIER_PAYMENT"
)

// CarriesItems reports whether this type has line items. Payment types carry
// only a total.
func (t TransactionType) CarriesItems() bool {
	switch t {
	case TxSale, TxPurchase, TxTreatment:
		return true
	}
	return false
}

// IsPayment reports whether this type records a bare payment against the
// running balance.
func (t TransactionType) IsPayment() bool {
	return t == TxCustomerPayment || t == TxSupplierPayment
}

// StockDirection returns the sign applied to item quantities on the stock
// ledger at creation time: -1 for outgoing (sale/treatment), +1 for incoming
// (purchase), 0 for payment types.
func (t TransactionType) StockDirection() int64 {
	switch t {
	case TxSale, TxTreatment:
		return -1
	case TxPurchase:
		return 1
	}
	return 0
}

// PartyKind returns which kind of party this type settles against.
func (t TransactionType) PartyKind() PartyKind {
	switch t {
	case TxPurchase, TxSupplierPayment:
		return PartySupplier
	}
	return PartyCustomer
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxSale, TxPurchase, TxTreatment, TxCustomerPayment, TxSupplierPayment:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

type PaymentMethod string

const (
	PayCash         PaymentMethod = "CASH"
	PayCreditCard   PaymentMethod = "CREDIT_CARD"
	PayBankTransfer PaymentMethod = "BANK_TRANSFER"
	PayCheck        PaymentMethod = "CHECK"
	PayPromissory   PaymentMethod = "PROMISSORY"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PayCash, PayCreditCard, PayBankTransfer, PayCheck, PayPromissory:
		return true
	}
	return false
}

// TransactionItem is one product/quantity/price line within a transaction.
// Prices are snapshots taken at transaction time, independent of later
// catalog changes. Items are immutable once the transaction is persisted and
// are removed only by deleting the whole transaction.
type TransactionItem struct {
	ProductID ProductID
	Quantity  int64
	UnitPrice decimal.Decimal
	VATRate   decimal.Decimal // percent, 0-100
	Discount  decimal.Decimal // absolute amount, <= quantity*unitPrice
	Total     decimal.Decimal // derived: lineTotal + lineVat
}

// Transaction plus its items is the unit of atomicity: created as a whole,
// and later possibly cancelled or deleted as a whole.
//
// GrandTotal == SubTotal - Discount + VATTotal after every committed write.
// Status is a pure function of (PaidAmount, GrandTotal, cancelled); the
// persisted value is a query convenience re-derived on read.
type Transaction struct {
	ID            TransactionID
	Code          string
	Type          TransactionType
	CustomerID    PartyID // empty when not tied to a customer
	SupplierID    PartyID // empty when not tied to a supplier
	AnimalID      string  // optional reference kept for the surrounding UI
	Date          time.Time
	Items         []TransactionItem
	SubTotal      decimal.Decimal
	Discount      decimal.Decimal
	VATTotal      decimal.Decimal
	GrandTotal    decimal.Decimal
	PaidAmount    decimal.Decimal
	Status        Status
	PaymentMethod PaymentMethod
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Party returns the counterparty this transaction settles against, if any.
func (t *Transaction) Party() (PartyID, bool) {
	switch t.Type.PartyKind() {
	case PartySupplier:
		return t.SupplierID, t.SupplierID != ""
	default:
		return t.CustomerID, t.CustomerID != ""
	}
}

// Cancelled reports whether the transaction reached the CANCELLED terminal
// state. A cancelled transaction contributes zero to stock and balance.
func (t *Transaction) Cancelled() bool {
	return t.Status == StatusCancelled
}

// =============================================================================
// STOCK MOVEMENT - One append-only stock ledger entry
// =============================================================================

type MovementReason string

const (
	ReasonSale             MovementReason = "SALE"
	ReasonPurchase         MovementReason = "PURCHASE"
	ReasonReversalSale     MovementReason = "REVERSAL_SALE"
	ReasonReversalPurchase MovementReason = "REVERSAL_PURCHASE"
	// ReasonAdjustment covers opening stock and manual corrections entered
	// outside the transaction pipeline.
	ReasonAdjustment MovementReason = "ADJUSTMENT"
)

// StockMovement is append-only: movements are never updated or deleted.
// A product's current stock is the fold of its movement deltas; reversals
// append an opposite-sign entry rather than removing the original.
type StockMovement struct {
	ID            MovementID
	ProductID     ProductID
	QuantityDelta int64
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
	Reason        MovementReason
	TransactionID TransactionID // empty for adjustments
	Reference     string        // transaction code or adjustment note
	CreatedAt     time.Time
}
