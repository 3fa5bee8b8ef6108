package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetdesk/ledger-engine/ledger"
)

// =============================================================================
// CONTRIBUTION
// =============================================================================

func TestContribution_ItemBearing_OutstandingAmount(t *testing.T) {
	tx := &ledger.Transaction{
		Type:       ledger.TxSale,
		CustomerID: "cust-1",
		GrandTotal: dec("354"),
		PaidAmount: dec("300"),
		Status:     ledger.StatusPartial,
	}
	assert.True(t, ledger.Contribution(tx).Equal(dec("54")))
}

func TestContribution_Payment_Negative(t *testing.T) {
	tx := &ledger.Transaction{
		Type:       ledger.TxSupplierPayment,
		SupplierID: "supp-1",
		GrandTotal: dec("600"),
		PaidAmount: dec("600"),
		Status:     ledger.StatusPaid,
	}
	assert.True(t, ledger.Contribution(tx).Equal(dec("-600")))
}

func TestContribution_CancelledOrPartyless_Zero(t *testing.T) {
	cancelled := &ledger.Transaction{
		Type:       ledger.TxSale,
		CustomerID: "cust-1",
		GrandTotal: dec("354"),
		Status:     ledger.StatusCancelled,
	}
	assert.True(t, ledger.Contribution(cancelled).IsZero())

	walkIn := &ledger.Transaction{
		Type:       ledger.TxSale,
		GrandTotal: dec("354"),
		Status:     ledger.StatusPending,
	}
	assert.True(t, ledger.Contribution(walkIn).IsZero())
}

// =============================================================================
// REFOLDS AGAINST THE ENGINE
// =============================================================================

// After any sequence of operations, the cached counters must equal the folds
// of their underlying logs.
func TestInvariants_HoldAcrossLifecycle(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	check := func() {
		t.Helper()
		require.NoError(t, ledger.CheckProductStock(ctx, mem, "amoxi"))
		require.NoError(t, ledger.CheckPartyBalance(ctx, mem, "cust-1"))
		require.NoError(t, ledger.CheckPartyBalance(ctx, mem, "supp-1"))
	}
	check()

	purchase, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxPurchase,
		SupplierID: "supp-1",
		Items:      []ledger.ItemInput{{ProductID: "amoxi", Quantity: 5, UnitPrice: dec("60")}},
	})
	require.NoError(t, err)
	check()

	sale, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)
	check()

	_, err = engine.RecordPayment(ctx, sale.ID, dec("54"))
	require.NoError(t, err)
	check()

	_, err = engine.CreateStandalonePayment(ctx, "supp-1", dec("100"), ledger.PayCash, "")
	require.NoError(t, err)
	check()

	_, err = engine.CancelTransaction(ctx, sale.ID)
	require.NoError(t, err)
	check()

	require.NoError(t, engine.DeleteTransaction(ctx, purchase.ID))
	check()
}

func TestCheckProductStock_DetectsDivergence(t *testing.T) {
	// An out-of-band stock edit (no matching movement) must be flagged
	_, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, mem.AdjustStock(ctx, "amoxi", -2))

	err := ledger.CheckProductStock(ctx, mem, "amoxi")
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)

	var iv *ledger.InvariantViolationError
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, "product", iv.Entity)
	assert.Equal(t, "8", iv.Cached)
	assert.Equal(t, "10", iv.Refolded)
}

func TestCheckPartyBalance_DetectsDivergence(t *testing.T) {
	_, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, mem.AdjustBalance(ctx, "cust-1", dec("10")))

	err := ledger.CheckPartyBalance(ctx, mem, "cust-1")
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestCheckProductStock_ServiceSkipped(t *testing.T) {
	// Services have no stock to reconcile
	_, mem := newTestEngine(t)
	require.NoError(t, ledger.CheckProductStock(context.Background(), mem, "exam"))
}
