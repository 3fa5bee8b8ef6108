/*
engine.go - Transaction engine orchestration

PURPOSE:
  Validates transaction requests, prices them, and applies all effects as one
  atomic unit: the transaction header + items, the stock ledger entries, and
  the party balance delta. Also implements additional payments, standalone
  payments, cancellation, and deletion (reversal).

EFFECT ORDER (inside one WithTx unit of work):
  1. Persist header + items.
  2. Per non-service item: conditional stock adjustment + appended movement.
  3. Party balance delta.
  Deletion runs the same pipeline in reverse.

CONCURRENCY:
  The engine never read-modify-writes stock or balance; both go through the
  store's atomic conditional updates (see store.go). Any error aborts the
  whole unit of work.

AUDIT:
  Every create/payment/cancel/delete notifies the audit log with old/new
  snapshots after commit, asynchronously, never blocking the operation.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// codePrefixes are the human-readable per-type code prefixes.
var codePrefixes = map[TransactionType]string{
	TxSale:            "STS",
	TxPurchase:        "ALS",
	TxTreatment:       "TRT",
	TxCustomerPayment: "THS",
	TxSupplierPayment: "TDS",
}

// FormatCode renders a transaction code from its type and sequence number.
func FormatCode(t TransactionType, n int64) string {
	return fmt.Sprintf("%s-%06d", codePrefixes[t], n)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the single entry point for all ledger mutations.
type Engine struct {
	store TxStore
	audit AuditLog
	log   *zap.Logger

	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditLog attaches an audit collaborator.
func WithAuditLog(a AuditLog) Option { return func(e *Engine) { e.audit = a } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine over the given transactional store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read paths (handlers, reconciler).
func (e *Engine) Store() TxStore { return e.store }

// =============================================================================
// CREATE
// =============================================================================

// ItemInput is one requested line item.
type ItemInput struct {
	ProductID ProductID
	Quantity  int64
	UnitPrice decimal.Decimal
	VATRate   decimal.Decimal
	Discount  decimal.Decimal
}

// CreateInput is a transaction request. For payment types Items must be
// empty and Amount carries the payment total.
type CreateInput struct {
	Type       TransactionType
	CustomerID PartyID
	SupplierID PartyID
	AnimalID   string
	Date       time.Time
	Items      []ItemInput
	Amount     decimal.Decimal // payment types only
	Discount   decimal.Decimal // global discount
	PaidAmount decimal.Decimal
	Method     PaymentMethod
	Notes      string

	// AllowOverpayment permits PaidAmount > GrandTotal; otherwise such a
	// request is rejected with ErrInvalidAmount.
	AllowOverpayment bool
}

// CreateTransaction validates, prices, and persists a transaction together
// with its stock and balance effects as one atomic unit.
func (e *Engine) CreateTransaction(ctx context.Context, in CreateInput) (*Transaction, error) {
	if err := e.validateCreate(&in); err != nil {
		return nil, err
	}

	now := e.now()
	tx := Transaction{
		ID:            TransactionID(e.newID()),
		Type:          in.Type,
		CustomerID:    in.CustomerID,
		SupplierID:    in.SupplierID,
		AnimalID:      in.AnimalID,
		Date:          in.Date,
		Discount:      in.Discount,
		PaidAmount:    in.PaidAmount,
		PaymentMethod: in.Method,
		Notes:         in.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tx.Date.IsZero() {
		tx.Date = now
	}

	if in.Type.IsPayment() {
		// A standalone payment is its own record: no items, total == paid.
		tx.SubTotal = in.Amount
		tx.GrandTotal = in.Amount
		tx.PaidAmount = in.Amount
	} else {
		tx.Items = make([]TransactionItem, len(in.Items))
		for i, it := range in.Items {
			tx.Items[i] = TransactionItem{
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				UnitPrice: it.UnitPrice,
				VATRate:   it.VATRate,
				Discount:  it.Discount,
			}
		}
		pricing := PriceItems(tx.Items, tx.Discount)
		tx.SubTotal = pricing.SubTotal
		tx.VATTotal = pricing.VATTotal
		tx.GrandTotal = pricing.GrandTotal

		if tx.Discount.GreaterThan(tx.SubTotal) {
			return nil, &InvalidAmountError{Field: "discount", Amount: tx.Discount,
				Reason: "global discount exceeds subtotal"}
		}
		if tx.PaidAmount.GreaterThan(tx.GrandTotal) && !in.AllowOverpayment {
			return nil, &InvalidAmountError{Field: "paidAmount", Amount: tx.PaidAmount,
				Reason: "exceeds grand total"}
		}
	}
	tx.Status = DeriveStatus(tx.PaidAmount, tx.GrandTotal, false)

	err := e.store.WithTx(ctx, func(s Store) error {
		if err := e.verifyParty(ctx, s, &tx); err != nil {
			return err
		}

		n, err := s.NextCodeNumber(ctx, tx.Type)
		if err != nil {
			return err
		}
		tx.Code = FormatCode(tx.Type, n)

		if err := s.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		if err := e.applyStock(ctx, s, &tx, tx.Type.StockDirection()); err != nil {
			return err
		}
		if party, ok := tx.Party(); ok {
			if delta := Contribution(&tx); !delta.IsZero() {
				if err := s.AdjustBalance(ctx, party, delta); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify(AuditEntry{
		Action:        AuditTransactionCreated,
		TransactionID: tx.ID,
		Code:          tx.Code,
		New:           &tx,
	})
	e.log.Info("transaction created",
		zap.String("code", tx.Code),
		zap.String("type", string(tx.Type)),
		zap.String("grand_total", tx.GrandTotal.String()),
		zap.String("status", string(tx.Status)))
	return &tx, nil
}

func (e *Engine) validateCreate(in *CreateInput) error {
	if !in.Type.Valid() {
		return &ValidationError{Field: "type", Message: "unknown transaction type"}
	}
	if in.Method != "" && !in.Method.Valid() {
		return &ValidationError{Field: "paymentMethod", Message: "unknown payment method"}
	}

	if in.Type.IsPayment() {
		if len(in.Items) > 0 {
			return &ValidationError{Field: "items", Message: "payment transactions carry no items"}
		}
		if in.Amount.Sign() <= 0 {
			return &InvalidAmountError{Field: "amount", Amount: in.Amount, Reason: "must be positive"}
		}
		if _, ok := paymentParty(in); !ok {
			return &ValidationError{Field: "partyId", Message: "payment requires a party"}
		}
		return nil
	}

	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Message: "at least one item is required"}
	}
	for i, it := range in.Items {
		if it.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Message: "required"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}
		if it.UnitPrice.IsNegative() {
			return &InvalidAmountError{Field: fmt.Sprintf("items[%d].unitPrice", i),
				Amount: it.UnitPrice, Reason: "must not be negative"}
		}
		if it.VATRate.IsNegative() || it.VATRate.GreaterThan(hundred) {
			return &ValidationError{Field: fmt.Sprintf("items[%d].vatRate", i), Message: "must be within 0-100"}
		}
		if it.Discount.IsNegative() {
			return &InvalidAmountError{Field: fmt.Sprintf("items[%d].discount", i),
				Amount: it.Discount, Reason: "must not be negative"}
		}
		line := it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity))
		if it.Discount.GreaterThan(line) {
			return &InvalidAmountError{Field: fmt.Sprintf("items[%d].discount", i),
				Amount: it.Discount, Reason: "exceeds line subtotal"}
		}
	}
	if in.Discount.IsNegative() {
		return &InvalidAmountError{Field: "discount", Amount: in.Discount, Reason: "must not be negative"}
	}
	if in.PaidAmount.IsNegative() {
		return &InvalidAmountError{Field: "paidAmount", Amount: in.PaidAmount, Reason: "must not be negative"}
	}
	return nil
}

func paymentParty(in *CreateInput) (PartyID, bool) {
	if in.Type == TxSupplierPayment {
		return in.SupplierID, in.SupplierID != ""
	}
	return in.CustomerID, in.CustomerID != ""
}

// verifyParty resolves the referenced party, if any, and checks its kind.
func (e *Engine) verifyParty(ctx context.Context, s Store, tx *Transaction) error {
	party, ok := tx.Party()
	if !ok {
		if tx.Type.IsPayment() {
			return &ValidationError{Field: "partyId", Message: "payment requires a party"}
		}
		return nil
	}
	p, err := s.GetParty(ctx, party)
	if err != nil {
		return err
	}
	if p == nil {
		return &NotFoundError{Entity: "party", ID: string(party)}
	}
	if p.Kind != tx.Type.PartyKind() {
		return &ValidationError{Field: "partyId",
			Message: fmt.Sprintf("party is a %s, %s expects a %s", p.Kind, tx.Type, tx.Type.PartyKind())}
	}
	return nil
}

// applyStock walks the items and applies direction*quantity to each
// non-service product, appending one movement per item. direction is the
// creation-time sign; reversals pass the opposite.
func (e *Engine) applyStock(ctx context.Context, s Store, tx *Transaction, direction int64) error {
	if direction == 0 {
		return nil
	}
	reversal := direction != tx.Type.StockDirection()

	for _, it := range tx.Items {
		p, err := s.GetProduct(ctx, it.ProductID)
		if err != nil {
			return err
		}
		if p == nil {
			return &NotFoundError{Entity: "product", ID: string(it.ProductID)}
		}
		if p.IsService {
			continue // services never touch the stock ledger
		}

		delta := direction * it.Quantity
		if err := s.AdjustStock(ctx, it.ProductID, delta); err != nil {
			if errors.Is(err, ErrInsufficientStock) {
				return &InsufficientStockError{
					ProductID: it.ProductID,
					Requested: it.Quantity,
					Available: p.Stock,
				}
			}
			return err
		}

		reference := tx.Code
		if reversal {
			reference = tx.Code + " REVERSAL"
		}
		m := StockMovement{
			ID:            MovementID(e.newID()),
			ProductID:     it.ProductID,
			QuantityDelta: delta,
			UnitPrice:     it.UnitPrice,
			TotalPrice:    it.UnitPrice.Mul(decimal.NewFromInt(delta)),
			Reason:        movementReason(tx.Type, reversal),
			TransactionID: tx.ID,
			Reference:     reference,
			CreatedAt:     e.now(),
		}
		if err := s.AppendMovement(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func movementReason(t TransactionType, reversal bool) MovementReason {
	switch {
	case t == TxPurchase && reversal:
		return ReasonReversalPurchase
	case t == TxPurchase:
		return ReasonPurchase
	case reversal:
		return ReasonReversalSale
	default:
		return ReasonSale
	}
}

// =============================================================================
// RECORD ADDITIONAL PAYMENT
// =============================================================================

// RecordPayment applies an additional payment to a PENDING/PARTIAL
// transaction: paid' = paid + amount, status re-derived, and the party
// balance reduced by amount, all atomically.
func (e *Engine) RecordPayment(ctx context.Context, id TransactionID, amount decimal.Decimal) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, &InvalidAmountError{Field: "amount", Amount: amount, Reason: "must be positive"}
	}

	var updated Transaction
	var old *Transaction
	err := e.store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return &NotFoundError{Entity: "transaction", ID: string(id)}
		}
		old = tx
		if tx.Type.IsPayment() {
			return &ValidationError{Field: "transactionId", Message: "cannot pay against a payment record"}
		}
		if tx.Cancelled() {
			return &ValidationError{Field: "transactionId", Message: "transaction is cancelled"}
		}

		paid := tx.PaidAmount.Add(amount)
		if paid.GreaterThan(tx.GrandTotal) {
			return &InvalidAmountError{Field: "amount", Amount: amount,
				Reason: "payment exceeds outstanding amount"}
		}
		status := DeriveStatus(paid, tx.GrandTotal, false)
		if err := s.UpdatePayment(ctx, tx.ID, paid, status); err != nil {
			return err
		}
		if party, ok := tx.Party(); ok {
			if err := s.AdjustBalance(ctx, party, amount.Neg()); err != nil {
				return err
			}
		}

		updated = *tx
		updated.PaidAmount = paid
		updated.Status = status
		updated.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify(AuditEntry{
		Action:        AuditPaymentRecorded,
		TransactionID: updated.ID,
		Code:          updated.Code,
		Old:           old,
		New:           &updated,
	})
	return &updated, nil
}

// CreateStandalonePayment records a bare payment against a party's running
// balance, not tied to a specific prior sale or purchase.
func (e *Engine) CreateStandalonePayment(ctx context.Context, partyID PartyID, amount decimal.Decimal, method PaymentMethod, notes string) (*Transaction, error) {
	p, err := e.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Entity: "party", ID: string(partyID)}
	}

	in := CreateInput{
		Amount: amount,
		Method: method,
		Notes:  notes,
	}
	if p.Kind == PartySupplier {
		in.Type = TxSupplierPayment
		in.SupplierID = partyID
	} else {
		in.Type = TxCustomerPayment
		in.CustomerID = partyID
	}
	return e.CreateTransaction(ctx, in)
}

// =============================================================================
// CANCEL & DELETE (REVERSAL)
// =============================================================================

// CancelTransaction reverses the transaction's stock and balance effects and
// marks it CANCELLED. The record is kept; its ledger contribution becomes
// zero. Cancelling an already-cancelled transaction is rejected.
func (e *Engine) CancelTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	var cancelled Transaction
	var old *Transaction
	err := e.store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return &NotFoundError{Entity: "transaction", ID: string(id)}
		}
		old = tx
		if tx.Cancelled() {
			return &ValidationError{Field: "transactionId", Message: "transaction already cancelled"}
		}
		if err := e.reverseEffects(ctx, s, tx); err != nil {
			return err
		}
		if err := s.SetStatus(ctx, tx.ID, StatusCancelled); err != nil {
			return err
		}
		cancelled = *tx
		cancelled.Status = StatusCancelled
		cancelled.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify(AuditEntry{
		Action:        AuditTransactionCancelled,
		TransactionID: cancelled.ID,
		Code:          cancelled.Code,
		Old:           old,
		New:           &cancelled,
	})
	return &cancelled, nil
}

// DeleteTransaction restores all three ledgers to their pre-creation state
// and removes the transaction and its items. A transaction that was already
// cancelled has a zero ledger contribution, so only the record is removed.
func (e *Engine) DeleteTransaction(ctx context.Context, id TransactionID) error {
	var old *Transaction
	err := e.store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return &NotFoundError{Entity: "transaction", ID: string(id)}
		}
		old = tx
		if !tx.Cancelled() {
			if err := e.reverseEffects(ctx, s, tx); err != nil {
				return err
			}
		}
		return s.DeleteTransaction(ctx, tx.ID)
	})
	if err != nil {
		return err
	}

	e.notify(AuditEntry{
		Action:        AuditTransactionDeleted,
		TransactionID: old.ID,
		Code:          old.Code,
		Old:           old,
	})
	e.log.Info("transaction deleted", zap.String("code", old.Code))
	return nil
}

// reverseEffects undoes a live transaction's stock and balance deltas.
// Reversing a PURCHASE decrements stock through the same conditional update;
// if the stock was already consumed by later sales the whole operation fails
// with ErrInsufficientStock.
func (e *Engine) reverseEffects(ctx context.Context, s Store, tx *Transaction) error {
	if err := e.applyStock(ctx, s, tx, -tx.Type.StockDirection()); err != nil {
		return err
	}
	if party, ok := tx.Party(); ok {
		if delta := Contribution(tx); !delta.IsZero() {
			if err := s.AdjustBalance(ctx, party, delta.Neg()); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// GetTransaction returns a transaction with its status re-derived from the
// pure rule, never trusting the stored value.
func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, &NotFoundError{Entity: "transaction", ID: string(id)}
	}
	tx.Status = DeriveStatus(tx.PaidAmount, tx.GrandTotal, tx.Cancelled())
	return tx, nil
}

// ListTransactions returns transactions matching the filter, statuses
// re-derived.
func (e *Engine) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	txs, err := e.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].Status = DeriveStatus(txs[i].PaidAmount, txs[i].GrandTotal, txs[i].Cancelled())
	}
	return txs, nil
}

// notify delivers an audit entry off the request path. Audit failures are
// logged, never propagated: the unit of work they describe has already
// committed.
func (e *Engine) notify(entry AuditEntry) {
	if e.audit == nil {
		return
	}
	entry.ID = e.newID()
	entry.At = e.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.audit.AppendAudit(ctx, entry); err != nil {
			e.log.Warn("audit append failed",
				zap.String("action", string(entry.Action)),
				zap.String("code", entry.Code),
				zap.Error(err))
		}
	}()
}
