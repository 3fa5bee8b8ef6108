/*
balance.go - Signed balance contributions and independent refolds

PURPOSE:
  The balance ledger's arithmetic lives here: how much a transaction
  contributes to its party's running balance, and how to recompute stock and
  balance independently from the underlying logs to verify the cached
  counters.

SIGN CONVENTION (fixed per party kind):
  Customer: SALE/TREATMENT contribute +(grandTotal - paidAmount) at creation;
            payments (additional or standalone CUSTOMER_PAYMENT) contribute
            the negative of the amount paid.
  Supplier: PURCHASE contributes +(grandTotal - paidAmount);
            SUPPLIER_PAYMENT contributes the negative of the amount.
  CANCELLED transactions contribute zero.

  Because RecordPayment both raises PaidAmount and applies -amount to the
  balance, the live contribution of any non-cancelled transaction is always
  GrandTotal - PaidAmount for item-bearing types and -GrandTotal for payment
  types. Refolds below rely on that identity.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Contribution returns the transaction's current signed effect on its
// party's balance. Zero for cancelled transactions and for transactions not
// tied to a party.
func Contribution(t *Transaction) decimal.Decimal {
	if t.Cancelled() {
		return decimal.Zero
	}
	if _, ok := t.Party(); !ok {
		return decimal.Zero
	}
	if t.Type.IsPayment() {
		return t.GrandTotal.Neg()
	}
	return t.GrandTotal.Sub(t.PaidAmount)
}

// RefoldBalance recomputes a party's balance from the transaction log,
// independently of the cached Party.Balance.
func RefoldBalance(ctx context.Context, s Store, id PartyID) (decimal.Decimal, error) {
	txs, err := s.TransactionsByParty(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for i := range txs {
		sum = sum.Add(Contribution(&txs[i]))
	}
	return sum, nil
}

// RefoldStock recomputes a product's stock as the fold of its movement
// deltas.
func RefoldStock(ctx context.Context, s Store, id ProductID) (int64, error) {
	moves, err := s.MovementsByProduct(ctx, id)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, m := range moves {
		sum += m.QuantityDelta
	}
	return sum, nil
}

// CheckProductStock verifies Product.Stock against the movement fold.
// Returns an InvariantViolationError on divergence.
func CheckProductStock(ctx context.Context, s Store, id ProductID) error {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return &NotFoundError{Entity: "product", ID: string(id)}
	}
	if p.IsService {
		return nil
	}
	folded, err := RefoldStock(ctx, s, id)
	if err != nil {
		return err
	}
	if folded != p.Stock {
		return &InvariantViolationError{
			Entity:   "product",
			ID:       string(id),
			Cached:   decimal.NewFromInt(p.Stock).String(),
			Refolded: decimal.NewFromInt(folded).String(),
		}
	}
	return nil
}

// CheckPartyBalance verifies Party.Balance against the transaction refold.
func CheckPartyBalance(ctx context.Context, s Store, id PartyID) error {
	p, err := s.GetParty(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return &NotFoundError{Entity: "party", ID: string(id)}
	}
	folded, err := RefoldBalance(ctx, s, id)
	if err != nil {
		return err
	}
	if !folded.Equal(p.Balance) {
		return &InvariantViolationError{
			Entity:   "party",
			ID:       string(id),
			Cached:   p.Balance.String(),
			Refolded: folded.String(),
		}
	}
	return nil
}
