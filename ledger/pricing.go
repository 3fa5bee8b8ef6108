/*
pricing.go - Monetary arithmetic and status derivation

PURPOSE:
  Computes line and header totals for item-bearing transactions and derives
  payment status. All arithmetic is decimal; rounding is banker's rounding to
  the currency minor unit (2 places), applied once at the line level and once
  at the header level.

PRICING RULE:
  lineSubtotal = quantity * unitPrice
  lineTotal    = lineSubtotal - lineDiscount
  lineVat      = lineTotal * vatRate / 100
  item.Total   = lineTotal + lineVat
  subTotal     = sum(lineTotal)
  vatTotal     = sum(lineVat)
  grandTotal   = subTotal - globalDiscount + vatTotal

STATUS RULE (pure function, never trusted from storage):
  cancelled              -> CANCELLED
  paidAmount <= 0        -> PENDING
  paidAmount < grand     -> PARTIAL
  otherwise              -> PAID
*/
package ledger

import "github.com/shopspring/decimal"

// minorUnit is the number of decimal places of the local currency.
const minorUnit = 2

var hundred = decimal.NewFromInt(100)

// round applies the engine's fixed rounding rule.
func round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(minorUnit)
}

// Pricing is the computed monetary header of a transaction.
type Pricing struct {
	SubTotal   decimal.Decimal
	VATTotal   decimal.Decimal
	GrandTotal decimal.Decimal
}

// PriceItems fills in each item's derived Total and returns the header
// totals. Items are mutated in place; callers pass the slice that will be
// persisted so item totals and header totals can never drift.
func PriceItems(items []TransactionItem, globalDiscount decimal.Decimal) Pricing {
	subTotal := decimal.Zero
	vatTotal := decimal.Zero

	for i := range items {
		it := &items[i]
		lineSubtotal := it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity))
		lineTotal := round(lineSubtotal.Sub(it.Discount))
		lineVat := round(lineTotal.Mul(it.VATRate).Div(hundred))
		it.Total = lineTotal.Add(lineVat)

		subTotal = subTotal.Add(lineTotal)
		vatTotal = vatTotal.Add(lineVat)
	}

	return Pricing{
		SubTotal:   subTotal,
		VATTotal:   vatTotal,
		GrandTotal: round(subTotal.Sub(globalDiscount).Add(vatTotal)),
	}
}

// DeriveStatus computes payment status from its inputs. The persisted status
// column is a cache of this function, re-derived on every read.
func DeriveStatus(paid, grand decimal.Decimal, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case paid.Sign() <= 0:
		return StatusPending
	case paid.LessThan(grand):
		return StatusPartial
	default:
		return StatusPaid
	}
}
