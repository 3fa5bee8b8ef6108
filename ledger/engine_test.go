package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetdesk/ledger-engine/ledger"
	"github.com/vetdesk/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*ledger.Engine, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	engine := ledger.NewEngine(mem, ledger.WithAuditLog(mem))
	seed(t, mem)
	return engine, mem
}

func seed(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.SaveProduct(ctx, ledger.Product{
		ID: "amoxi", Name: "Amoxicillin 250mg", Stock: 10,
		SalePrice: dec("100"), PurchasePrice: dec("60"), CriticalLevel: 3,
	}))
	// Opening stock enters the movement ledger so the fold invariant holds
	require.NoError(t, s.AppendMovement(ctx, ledger.StockMovement{
		ID: "mv-opening", ProductID: "amoxi", QuantityDelta: 10,
		UnitPrice: dec("60"), TotalPrice: dec("600"),
		Reason: ledger.ReasonAdjustment, Reference: "OPENING",
	}))
	require.NoError(t, s.SaveProduct(ctx, ledger.Product{
		ID: "exam", Name: "Clinical Examination", IsService: true,
		SalePrice: dec("250"),
	}))
	require.NoError(t, s.SaveParty(ctx, ledger.Party{
		ID: "cust-1", Kind: ledger.PartyCustomer, Name: "Ayse Yilmaz",
	}))
	require.NoError(t, s.SaveParty(ctx, ledger.Party{
		ID: "supp-1", Kind: ledger.PartySupplier, Name: "VetPharma Ltd",
	}))
}

func saleInput(qty int64, paid string) ledger.CreateInput {
	return ledger.CreateInput{
		Type:       ledger.TxSale,
		CustomerID: "cust-1",
		Items: []ledger.ItemInput{
			{ProductID: "amoxi", Quantity: qty, UnitPrice: dec("100"), VATRate: dec("18")},
		},
		PaidAmount: dec(paid),
		Method:     ledger.PayCash,
	}
}

func stockOf(t *testing.T, s ledger.Store, id ledger.ProductID) int64 {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Stock
}

func balanceOf(t *testing.T, s ledger.Store, id ledger.PartyID) decimal.Decimal {
	t.Helper()
	p, err := s.GetParty(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Balance
}

// =============================================================================
// CREATE: SALE
// =============================================================================

func TestCreateSale_PricesStockAndBalance(t *testing.T) {
	// GIVEN: stock 10, customer with zero balance
	// WHEN: selling 3 x 100 at 18% VAT with 300 paid up front
	// THEN: grand 354, status PARTIAL, stock 7, customer owes 54

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	assert.True(t, tx.SubTotal.Equal(dec("300")))
	assert.True(t, tx.VATTotal.Equal(dec("54")))
	assert.True(t, tx.GrandTotal.Equal(dec("354")))
	assert.Equal(t, ledger.StatusPartial, tx.Status)
	assert.Equal(t, "STS-000001", tx.Code)

	assert.Equal(t, int64(7), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "cust-1").Equal(dec("54")))

	// One outgoing movement appended after the opening entry
	movements, err := mem.MovementsByProduct(ctx, "amoxi")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(-3), movements[1].QuantityDelta)
	assert.Equal(t, ledger.ReasonSale, movements[1].Reason)
	assert.Equal(t, tx.ID, movements[1].TransactionID)
}

func TestCreateSale_FullyPaid_NoBalanceChange(t *testing.T) {
	// A sale paid in full leaves the customer's balance untouched
	engine, mem := newTestEngine(t)

	tx, err := engine.CreateTransaction(context.Background(), saleInput(1, "118"))
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPaid, tx.Status)
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())
}

func TestCreateSale_InsufficientStock_NothingApplied(t *testing.T) {
	// GIVEN: stock 10
	// WHEN: selling 11
	// THEN: the whole transaction is rejected; no partial fulfilment

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTransaction(ctx, saleInput(11, "0"))

	require.Error(t, err)
	var stockErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, ledger.ProductID("amoxi"), stockErr.ProductID)
	assert.Equal(t, int64(11), stockErr.Requested)
	assert.Equal(t, int64(10), stockErr.Available)

	// Nothing persisted, nothing moved
	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())
	txs, err := mem.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
	movements, err := mem.MovementsByProduct(ctx, "amoxi")
	require.NoError(t, err)
	assert.Len(t, movements, 1, "only the opening entry remains")
}

func TestCreateSale_MultiItem_SecondLineFails_FirstLineRolledBack(t *testing.T) {
	// GIVEN: a sale whose second line oversells
	// THEN: the first line's decrement is rolled back too

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, mem.SaveProduct(ctx, ledger.Product{
		ID: "vacc", Name: "Rabies Vaccine", Stock: 1, SalePrice: dec("80"),
	}))

	_, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxSale,
		CustomerID: "cust-1",
		Items: []ledger.ItemInput{
			{ProductID: "amoxi", Quantity: 2, UnitPrice: dec("100")},
			{ProductID: "vacc", Quantity: 5, UnitPrice: dec("80")},
		},
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
	assert.Equal(t, int64(1), stockOf(t, mem, "vacc"))
}

func TestCreateSale_ServiceLine_NoStockEffect(t *testing.T) {
	// Services are priced but never touch the stock ledger
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxTreatment,
		CustomerID: "cust-1",
		AnimalID:   "animal-7",
		Items: []ledger.ItemInput{
			{ProductID: "exam", Quantity: 1, UnitPrice: dec("250")},
			{ProductID: "amoxi", Quantity: 2, UnitPrice: dec("100")},
		},
	})
	require.NoError(t, err)

	assert.True(t, tx.GrandTotal.Equal(dec("450")))
	assert.Equal(t, "TRT-000001", tx.Code)
	assert.Equal(t, int64(8), stockOf(t, mem, "amoxi"))

	movements, err := mem.MovementsByProduct(ctx, "exam")
	require.NoError(t, err)
	assert.Empty(t, movements, "service products have no movements")
}

func TestCreateSale_Overpayment_RejectedByDefault(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateTransaction(context.Background(), saleInput(1, "200"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Explicitly allowed when the caller opts in (deposits)
	in := saleInput(1, "200")
	in.AllowOverpayment = true
	tx, err := engine.CreateTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, tx.Status)
}

// =============================================================================
// CREATE: PURCHASE
// =============================================================================

func TestCreatePurchase_IncreasesStockAndSupplierBalance(t *testing.T) {
	// GIVEN: supplier, stock 10
	// WHEN: buying 20 at 60 with nothing paid
	// THEN: stock 30, clinic owes supplier 1200

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxPurchase,
		SupplierID: "supp-1",
		Items: []ledger.ItemInput{
			{ProductID: "amoxi", Quantity: 20, UnitPrice: dec("60")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "ALS-000001", tx.Code)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, int64(30), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "supp-1").Equal(dec("1200")))

	movements, err := mem.MovementsByProduct(ctx, "amoxi")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(20), movements[1].QuantityDelta)
	assert.Equal(t, ledger.ReasonPurchase, movements[1].Reason)
}

func TestCreate_WrongPartyKind_Rejected(t *testing.T) {
	// A purchase against a customer is a validation error
	engine, _ := newTestEngine(t)

	_, err := engine.CreateTransaction(context.Background(), ledger.CreateInput{
		Type:       ledger.TxPurchase,
		SupplierID: "cust-1",
		Items: []ledger.ItemInput{
			{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("60")},
		},
	})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// CODE GENERATION
// =============================================================================

func TestCodes_PerTypeSequences(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tx1, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	tx2, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	pay, err := engine.CreateStandalonePayment(ctx, "cust-1", dec("10"), ledger.PayCash, "")
	require.NoError(t, err)

	assert.Equal(t, "STS-000001", tx1.Code)
	assert.Equal(t, "STS-000002", tx2.Code)
	assert.Equal(t, "THS-000001", pay.Code, "payment sequence is independent")
}

func TestCodes_NotReusedAfterDelete(t *testing.T) {
	// Deleting a transaction must not recycle its code
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tx1, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	require.NoError(t, engine.DeleteTransaction(ctx, tx1.ID))

	tx2, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	assert.Equal(t, "STS-000002", tx2.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_ReducesBalanceAndDerivesStatus(t *testing.T) {
	// GIVEN: a sale of 354 with 300 paid (customer owes 54)
	// WHEN: paying the remaining 54
	// THEN: status PAID, balance zero

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	updated, err := engine.RecordPayment(ctx, tx.ID, dec("54"))
	require.NoError(t, err)

	assert.True(t, updated.PaidAmount.Equal(dec("354")))
	assert.Equal(t, ledger.StatusPaid, updated.Status)
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())
}

func TestRecordPayment_ExceedingOutstanding_Rejected(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	_, err = engine.RecordPayment(ctx, tx.ID, dec("55"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Balance untouched by the failed attempt
	assert.True(t, balanceOf(t, mem, "cust-1").Equal(dec("54")))
}

func TestRecordPayment_OnCancelled_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "0"))
	require.NoError(t, err)
	_, err = engine.CancelTransaction(ctx, tx.ID)
	require.NoError(t, err)

	_, err = engine.RecordPayment(ctx, tx.ID, dec("100"))
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestStandalonePayment_ReducesCustomerDebt(t *testing.T) {
	// GIVEN: customer owes 54 from a partial sale
	// WHEN: recording a standalone payment of 54
	// THEN: balance zero; the sale's own paid amount is NOT raised

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	sale, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	pay, err := engine.CreateStandalonePayment(ctx, "cust-1", dec("54"), ledger.PayBankTransfer, "on account")
	require.NoError(t, err)

	assert.Equal(t, ledger.TxCustomerPayment, pay.Type)
	assert.Equal(t, ledger.StatusPaid, pay.Status)
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())

	reloaded, err := engine.GetTransaction(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.PaidAmount.Equal(dec("300")), "payment stays on account, not allocated")
	assert.Equal(t, ledger.StatusPartial, reloaded.Status)
}

func TestStandalonePayment_SupplierSide(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxPurchase,
		SupplierID: "supp-1",
		Items:      []ledger.ItemInput{{ProductID: "amoxi", Quantity: 10, UnitPrice: dec("60")}},
	})
	require.NoError(t, err)
	require.True(t, balanceOf(t, mem, "supp-1").Equal(dec("600")))

	pay, err := engine.CreateStandalonePayment(ctx, "supp-1", dec("600"), ledger.PayCheck, "")
	require.NoError(t, err)

	assert.Equal(t, ledger.TxSupplierPayment, pay.Type)
	assert.Equal(t, "TDS-000001", pay.Code)
	assert.True(t, balanceOf(t, mem, "supp-1").IsZero())
}

// =============================================================================
// CANCEL & DELETE (REVERSAL)
// =============================================================================

func TestCancelSale_RestoresStockAndBalance(t *testing.T) {
	// GIVEN: a partial sale (stock 7, customer owes 54)
	// WHEN: cancelling it
	// THEN: stock back to 10 and the outstanding 54 removed from the balance

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	cancelled, err := engine.CancelTransaction(ctx, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())

	// Opening entry, the sale, and its reversal
	movements, err := mem.MovementsByProduct(ctx, "amoxi")
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, int64(-3), movements[1].QuantityDelta)
	assert.Equal(t, int64(3), movements[2].QuantityDelta)
	assert.Equal(t, ledger.ReasonReversalSale, movements[2].Reason)

	// The record survives with CANCELLED status
	reloaded, err := engine.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, reloaded.Status)
}

func TestCancelTwice_Rejected(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "0"))
	require.NoError(t, err)
	_, err = engine.CancelTransaction(ctx, tx.ID)
	require.NoError(t, err)

	_, err = engine.CancelTransaction(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrValidation)

	// No double restore
	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
}

func TestCancelPurchase_StockAlreadyConsumed_Fails(t *testing.T) {
	// GIVEN: purchase of 20 (stock 30), then a sale of 25 (stock 5)
	// WHEN: cancelling the purchase (needs to remove 20)
	// THEN: rejected with insufficient stock; nothing changes

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	purchase, err := engine.CreateTransaction(ctx, ledger.CreateInput{
		Type:       ledger.TxPurchase,
		SupplierID: "supp-1",
		Items:      []ledger.ItemInput{{ProductID: "amoxi", Quantity: 20, UnitPrice: dec("60")}},
	})
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, saleInput(25, "0"))
	require.NoError(t, err)
	require.Equal(t, int64(5), stockOf(t, mem, "amoxi"))

	_, err = engine.CancelTransaction(ctx, purchase.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	assert.Equal(t, int64(5), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "supp-1").Equal(dec("1200")))
	reloaded, err := engine.GetTransaction(ctx, purchase.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ledger.StatusCancelled, reloaded.Status)
}

func TestDeleteSale_RemovesRecordAndRestoresLedgers(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "300"))
	require.NoError(t, err)

	require.NoError(t, engine.DeleteTransaction(ctx, tx.ID))

	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())

	_, err = engine.GetTransaction(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	// The stock ledger keeps the sale and its reversal: history is never erased
	movements, err := mem.MovementsByProduct(ctx, "amoxi")
	require.NoError(t, err)
	assert.Len(t, movements, 3)
}

func TestDeleteCancelled_OnlyRemovesRecord(t *testing.T) {
	// A cancelled transaction has zero live contribution: deleting it must
	// not reverse anything a second time

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(3, "0"))
	require.NoError(t, err)
	_, err = engine.CancelTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), stockOf(t, mem, "amoxi"))

	require.NoError(t, engine.DeleteTransaction(ctx, tx.ID))

	assert.Equal(t, int64(10), stockOf(t, mem, "amoxi"))
	assert.True(t, balanceOf(t, mem, "cust-1").IsZero())
}

func TestDelete_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.DeleteTransaction(context.Background(), "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentSales_NoOversell(t *testing.T) {
	// GIVEN: stock 10
	// WHEN: two concurrent sales of 6 each
	// THEN: exactly one succeeds; stock ends at 4, never negative

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.CreateTransaction(ctx, saleInput(6, "0"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one sale wins")
	assert.Equal(t, int64(4), stockOf(t, mem, "amoxi"))
}

func TestConcurrentSales_ManySmall_ConservationHolds(t *testing.T) {
	// 10 concurrent single-unit sales against stock 10: all succeed and the
	// fold of movements equals the cached counter

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), stockOf(t, mem, "amoxi"))
	require.NoError(t, ledger.CheckProductStock(ctx, mem, "amoxi"))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidation_RejectedInputs(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ledger.CreateInput
		want error
	}{
		{
			"unknown type",
			ledger.CreateInput{Type: "REFUND"},
			ledger.ErrValidation,
		},
		{
			"sale without items",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1"},
			ledger.ErrValidation,
		},
		{
			"zero quantity",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1",
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 0, UnitPrice: dec("100")}}},
			ledger.ErrValidation,
		},
		{
			"negative unit price",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1",
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("-1")}}},
			ledger.ErrInvalidAmount,
		},
		{
			"vat above 100",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1",
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("100"), VATRate: dec("101")}}},
			ledger.ErrValidation,
		},
		{
			"line discount exceeds line subtotal",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1",
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("100"), Discount: dec("101")}}},
			ledger.ErrInvalidAmount,
		},
		{
			"global discount exceeds subtotal",
			ledger.CreateInput{Type: ledger.TxSale, CustomerID: "cust-1", Discount: dec("500"),
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("100")}}},
			ledger.ErrInvalidAmount,
		},
		{
			"payment with items",
			ledger.CreateInput{Type: ledger.TxCustomerPayment, CustomerID: "cust-1", Amount: dec("10"),
				Items: []ledger.ItemInput{{ProductID: "amoxi", Quantity: 1, UnitPrice: dec("100")}}},
			ledger.ErrValidation,
		},
		{
			"payment with zero amount",
			ledger.CreateInput{Type: ledger.TxCustomerPayment, CustomerID: "cust-1", Amount: dec("0")},
			ledger.ErrInvalidAmount,
		},
		{
			"payment without party",
			ledger.CreateInput{Type: ledger.TxCustomerPayment, Amount: dec("10")},
			ledger.ErrValidation,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := engine.CreateTransaction(ctx, c.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, c.want)
			assert.True(t, ledger.IsClientError(err), "should map to a 4xx")
		})
	}
}

func TestCreate_UnknownProduct_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateTransaction(context.Background(), ledger.CreateInput{
		Type:       ledger.TxSale,
		CustomerID: "cust-1",
		Items:      []ledger.ItemInput{{ProductID: "ghost", Quantity: 1, UnitPrice: dec("10")}},
	})
	require.True(t, ledger.IsNotFound(err))
}

func TestCreate_UnknownParty_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	in := saleInput(1, "0")
	in.CustomerID = "ghost"
	_, err := engine.CreateTransaction(context.Background(), in)
	require.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// READS
// =============================================================================

func TestListTransactions_Filters(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, saleInput(1, "0"))
	require.NoError(t, err)
	_, err = engine.CreateStandalonePayment(ctx, "cust-1", dec("10"), ledger.PayCash, "")
	require.NoError(t, err)

	sales, err := engine.ListTransactions(ctx, ledger.TransactionFilter{Type: ledger.TxSale})
	require.NoError(t, err)
	assert.Len(t, sales, 2)

	pending, err := engine.ListTransactions(ctx, ledger.TransactionFilter{Status: ledger.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	byParty, err := engine.ListTransactions(ctx, ledger.TransactionFilter{PartyID: "cust-1"})
	require.NoError(t, err)
	assert.Len(t, byParty, 3)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_CreateAndCancelRecorded(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.CreateTransaction(ctx, saleInput(1, "118"))
	require.NoError(t, err)
	_, err = engine.CancelTransaction(ctx, tx.ID)
	require.NoError(t, err)

	// Audit delivery is asynchronous, off the write path
	require.Eventually(t, func() bool {
		entries, err := mem.QueryAudit(ctx, 10)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := mem.QueryAudit(ctx, 10)
	require.NoError(t, err)

	actions := map[ledger.AuditAction]bool{}
	for _, e := range entries {
		actions[e.Action] = true
		assert.Equal(t, tx.Code, e.Code)
	}
	assert.True(t, actions[ledger.AuditTransactionCreated])
	assert.True(t, actions[ledger.AuditTransactionCancelled])
}

// Guard: retryable classification drives the API's retry loop
func TestErrorClassification(t *testing.T) {
	assert.True(t, ledger.IsRetryable(ledger.ErrConcurrentModification))
	assert.False(t, ledger.IsRetryable(ledger.ErrInsufficientStock))
	assert.False(t, ledger.IsRetryable(errors.New("plain")))
}
