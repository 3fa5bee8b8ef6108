/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the transaction ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Transactions:
    GET    /api/transactions            List (filter: type, status, party_id, from, to, limit)
    POST   /api/transactions            Create sale/purchase/treatment/payment
    GET    /api/transactions/{id}       Get one transaction
    POST   /api/transactions/{id}/payments  Record a payment against it
    POST   /api/transactions/{id}/cancel    Cancel (reverse effects, keep record)
    DELETE /api/transactions/{id}       Delete (reverse effects, remove record)

  Payments:
    POST   /api/payments                Standalone payment against a party

  Products:
    GET    /api/products                List catalog
    POST   /api/products                Create/update a product
    GET    /api/products/low-stock      Products at or under critical level
    GET    /api/products/{id}           Get one product
    GET    /api/products/{id}/movements Stock ledger for one product

  Parties:
    GET    /api/parties                 List (filter: kind)
    POST   /api/parties                 Create/update a party
    GET    /api/parties/{id}            Get one party
    GET    /api/parties/{id}/transactions  Party statement

  Audit:
    GET    /api/audit                   Recent audit entries (limit)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate shape (go-playground/validator)
  3. Call domain logic (ledger.Engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amounts
  - 404: Resource not found
  - 409: Insufficient stock, concurrent modification
  - 500: Internal errors
  Retryable concurrency errors are retried a few times with backoff before
  surfacing as 409.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vetdesk/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Audit  ledger.AuditLog // nil disables the audit endpoint
	Log    *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *ledger.Engine, audit ledger.AuditLog, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Audit:    audit,
		Log:      log,
		validate: validator.New(),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns transactions matching the query filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		Type:    ledger.TransactionType(q.Get("type")),
		Status:  ledger.Status(q.Get("status")),
		PartyID: ledger.PartyID(q.Get("party_id")),
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date", err)
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}

	txs, err := h.Engine.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreateTransaction creates a sale, purchase, treatment, or payment.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := ledger.CreateInput{
		Type:             ledger.TransactionType(req.Type),
		CustomerID:       ledger.PartyID(req.CustomerID),
		SupplierID:       ledger.PartyID(req.SupplierID),
		AnimalID:         req.AnimalID,
		Amount:           req.Amount,
		Discount:         req.Discount,
		PaidAmount:       req.PaidAmount,
		Method:           ledger.PaymentMethod(req.PaymentMethod),
		Notes:            req.Notes,
		AllowOverpayment: req.AllowOverpayment,
	}
	if req.Date != "" {
		t, err := parseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		in.Date = t
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, ledger.ItemInput{
			ProductID: ledger.ProductID(it.ProductID),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			VATRate:   it.VATRate,
			Discount:  it.Discount,
		})
	}

	var tx *ledger.Transaction
	err := h.withRetry(func() error {
		var err error
		tx, err = h.Engine.CreateTransaction(r.Context(), in)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetTransaction returns a single transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Engine.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// RecordPayment applies a payment against an existing transaction.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	var tx *ledger.Transaction
	err := h.withRetry(func() error {
		var err error
		tx, err = h.Engine.RecordPayment(r.Context(), id, req.Amount)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// CancelTransaction reverses a transaction's effects and marks it CANCELLED.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var tx *ledger.Transaction
	err := h.withRetry(func() error {
		var err error
		tx, err = h.Engine.CancelTransaction(r.Context(), id)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to cancel transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// DeleteTransaction reverses a transaction's effects and removes the record.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	err := h.withRetry(func() error {
		return h.Engine.DeleteTransaction(r.Context(), id)
	})
	if err != nil {
		h.writeEngineError(w, "Failed to delete transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": string(id)})
}

// CreatePayment records a standalone payment against a party.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	var tx *ledger.Transaction
	err := h.withRetry(func() error {
		var err error
		tx, err = h.Engine.CreateStandalonePayment(r.Context(),
			ledger.PartyID(req.PartyID), req.Amount,
			ledger.PaymentMethod(req.PaymentMethod), req.Notes)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the catalog.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Engine.Store().ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i := range products {
		dtos[i] = toProductDTO(&products[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveProduct creates or updates a catalog entry. Opening stock on a new
// product enters the stock ledger as an ADJUSTMENT movement so the fold
// invariant holds from day one.
func (h *Handler) SaveProduct(w http.ResponseWriter, r *http.Request) {
	var req SaveProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	id := ledger.ProductID(req.ID)
	if id == "" {
		id = ledger.ProductID(uuid.NewString())
	}

	p := ledger.Product{
		ID:            id,
		Code:          req.Code,
		Name:          req.Name,
		Stock:         req.Stock,
		CriticalLevel: req.CriticalLevel,
		SalePrice:     req.SalePrice,
		PurchasePrice: req.PurchasePrice,
		IsService:     req.IsService,
	}

	// The row and its opening-stock movement commit together, so the fold
	// invariant holds even if the movement write fails.
	var saved *ledger.Product
	err := h.Engine.Store().WithTx(ctx, func(s ledger.Store) error {
		existing, err := s.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		if err := s.SaveProduct(ctx, p); err != nil {
			return err
		}
		if existing == nil && req.Stock > 0 && !req.IsService {
			m := ledger.StockMovement{
				ID:            ledger.MovementID(uuid.NewString()),
				ProductID:     id,
				QuantityDelta: req.Stock,
				UnitPrice:     req.PurchasePrice,
				TotalPrice:    req.PurchasePrice.Mul(decimal.NewFromInt(req.Stock)),
				Reason:        ledger.ReasonAdjustment,
				Reference:     "OPENING",
				CreatedAt:     time.Now().UTC(),
			}
			if err := s.AppendMovement(ctx, m); err != nil {
				return err
			}
		}
		saved, err = s.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		if saved == nil {
			return &ledger.NotFoundError{Entity: "product", ID: string(id)}
		}
		return nil
	})
	if err != nil {
		h.writeEngineError(w, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(saved))
}

// GetProduct returns a single product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProductID(chi.URLParam(r, "id"))

	p, err := h.Engine.Store().GetProduct(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get product", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// ListLowStock returns products at or under their critical level.
func (h *Handler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.Engine.Store().ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list products", err)
		return
	}
	dtos := []ProductDTO{}
	for i := range products {
		if products[i].BelowCritical() {
			dtos = append(dtos, toProductDTO(&products[i]))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListMovements returns the stock ledger for one product, oldest first.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProductID(chi.URLParam(r, "id"))
	ctx := r.Context()
	store := h.Engine.Store()

	p, err := store.GetProduct(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Failed to get product", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}
	movements, err := store.MovementsByProduct(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Failed to load movements", err)
		return
	}
	dtos := make([]MovementDTO, len(movements))
	for i := range movements {
		dtos[i] = toMovementDTO(&movements[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PARTY HANDLERS
// =============================================================================

// ListParties returns customers and suppliers, optionally filtered by kind.
func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	kind := ledger.PartyKind(r.URL.Query().Get("kind"))
	if kind != "" && kind != ledger.PartyCustomer && kind != ledger.PartySupplier {
		writeError(w, http.StatusBadRequest, "Invalid party kind", nil)
		return
	}

	parties, err := h.Engine.Store().ListParties(r.Context(), kind)
	if err != nil {
		h.writeEngineError(w, "Failed to list parties", err)
		return
	}
	dtos := make([]PartyDTO, len(parties))
	for i := range parties {
		dtos[i] = toPartyDTO(&parties[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveParty creates or updates a customer or supplier. Balances are never
// set here; they move only through transactions.
func (h *Handler) SaveParty(w http.ResponseWriter, r *http.Request) {
	var req SavePartyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	store := h.Engine.Store()

	id := ledger.PartyID(req.ID)
	if id == "" {
		id = ledger.PartyID(uuid.NewString())
	}
	p := ledger.Party{
		ID:    id,
		Kind:  ledger.PartyKind(req.Kind),
		Code:  req.Code,
		Name:  req.Name,
		Phone: req.Phone,
	}
	if err := store.SaveParty(ctx, p); err != nil {
		h.writeEngineError(w, "Failed to save party", err)
		return
	}
	saved, err := store.GetParty(ctx, id)
	if err != nil || saved == nil {
		h.writeEngineError(w, "Failed to save party", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartyDTO(saved))
}

// GetParty returns a single party.
func (h *Handler) GetParty(w http.ResponseWriter, r *http.Request) {
	id := ledger.PartyID(chi.URLParam(r, "id"))

	p, err := h.Engine.Store().GetParty(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get party", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Party not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPartyDTO(p))
}

// GetPartyStatement returns a party and its transaction history.
func (h *Handler) GetPartyStatement(w http.ResponseWriter, r *http.Request) {
	id := ledger.PartyID(chi.URLParam(r, "id"))
	ctx := r.Context()

	p, err := h.Engine.Store().GetParty(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Failed to get party", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Party not found", nil)
		return
	}
	txs, err := h.Engine.ListTransactions(ctx, ledger.TransactionFilter{PartyID: id})
	if err != nil {
		h.writeEngineError(w, "Failed to load transactions", err)
		return
	}
	refolded, err := ledger.RefoldBalance(ctx, h.Engine.Store(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to refold balance", err)
		return
	}
	writeJSON(w, http.StatusOK, PartyStatementDTO{
		Party:           toPartyDTO(p),
		Transactions:    toTransactionDTOs(txs),
		RefoldedBalance: refolded.StringFixed(2),
	})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns recent audit entries, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit log not configured", nil)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	entries, err := h.Audit.QueryAudit(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toAuditDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// withRetry re-runs fn on retryable concurrency errors. Each attempt sees a
// clean slate: the failed unit of work rolled back completely.
func (h *Handler) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff * time.Duration(attempt))
		}
		if err = fn(); err == nil || !ledger.IsRetryable(err) {
			return err
		}
	}
	return err
}

// decode parses and shape-validates the request body. On failure it writes
// the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrConcurrentModification):
		status = http.StatusConflict
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
