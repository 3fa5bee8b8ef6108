/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validate struct tags checked by go-playground/validator
  before the engine sees them. The engine re-validates domain rules (stock,
  balances, pricing); the tags only reject malformed shapes early.

AMOUNTS:
  Money fields are decimal.Decimal on both sides of the wire. The decoder
  accepts quoted and unquoted JSON numbers; responses render fixed to two
  places.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/engine.go: CreateInput, the domain-side request
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vetdesk/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TransactionItemRequest is one line of a create-transaction request.
type TransactionItemRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	VATRate   decimal.Decimal `json:"vat_rate"`
	Discount  decimal.Decimal `json:"discount"`
}

// CreateTransactionRequest creates a transaction of any type. For payment
// types items must be empty and amount carries the payment total.
type CreateTransactionRequest struct {
	Type             string                   `json:"type" validate:"required,oneof=SALE PURCHASE TREATMENT CUSTOMER_PAYMENT SUPPLIER_PAYMENT"`
	CustomerID       string                   `json:"customer_id"`
	SupplierID       string                   `json:"supplier_id"`
	AnimalID         string                   `json:"animal_id"`
	Date             string                   `json:"date"`
	Items            []TransactionItemRequest `json:"items" validate:"dive"`
	Amount           decimal.Decimal          `json:"amount"`
	Discount         decimal.Decimal          `json:"discount"`
	PaidAmount       decimal.Decimal          `json:"paid_amount"`
	PaymentMethod    string                   `json:"payment_method"`
	Notes            string                   `json:"notes"`
	AllowOverpayment bool                     `json:"allow_overpayment"`
}

// RecordPaymentRequest applies a payment against an existing transaction.
type RecordPaymentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

// CreatePaymentRequest records a standalone payment against a party's
// running balance.
type CreatePaymentRequest struct {
	PartyID       string          `json:"party_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required,oneof=CASH CREDIT_CARD BANK_TRANSFER CHECK PROMISSORY"`
	Notes         string          `json:"notes"`
}

// SaveProductRequest creates or updates a catalog entry. Stock is accepted
// only on create, as opening stock, and enters through the movement ledger.
type SaveProductRequest struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name" validate:"required"`
	Stock         int64           `json:"stock" validate:"gte=0"`
	CriticalLevel int64           `json:"critical_level" validate:"gte=0"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	IsService     bool            `json:"is_service"`
}

// SavePartyRequest creates or updates a customer or supplier.
type SavePartyRequest struct {
	ID    string `json:"id"`
	Kind  string `json:"kind" validate:"required,oneof=CUSTOMER SUPPLIER"`
	Code  string `json:"code"`
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TransactionItemDTO is one priced line in responses.
type TransactionItemDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	VATRate   string `json:"vat_rate"`
	Discount  string `json:"discount"`
	Total     string `json:"total"`
}

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID            string               `json:"id"`
	Code          string               `json:"code"`
	Type          string               `json:"type"`
	CustomerID    string               `json:"customer_id,omitempty"`
	SupplierID    string               `json:"supplier_id,omitempty"`
	AnimalID      string               `json:"animal_id,omitempty"`
	Date          string               `json:"date"`
	Items         []TransactionItemDTO `json:"items,omitempty"`
	SubTotal      string               `json:"sub_total"`
	Discount      string               `json:"discount"`
	VATTotal      string               `json:"vat_total"`
	GrandTotal    string               `json:"grand_total"`
	PaidAmount    string               `json:"paid_amount"`
	Status        string               `json:"status"`
	PaymentMethod string               `json:"payment_method,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	CreatedAt     string               `json:"created_at"`
}

// ProductDTO represents a catalog entry in API responses.
type ProductDTO struct {
	ID            string `json:"id"`
	Code          string `json:"code,omitempty"`
	Name          string `json:"name"`
	Stock         int64  `json:"stock"`
	CriticalLevel int64  `json:"critical_level"`
	SalePrice     string `json:"sale_price"`
	PurchasePrice string `json:"purchase_price"`
	IsService     bool   `json:"is_service"`
	BelowCritical bool   `json:"below_critical"`
}

// PartyDTO represents a customer or supplier in API responses.
type PartyDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Balance string `json:"balance"`
}

// MovementDTO is one stock ledger entry in API responses.
type MovementDTO struct {
	ID            string `json:"id"`
	ProductID     string `json:"product_id"`
	QuantityDelta int64  `json:"quantity_delta"`
	UnitPrice     string `json:"unit_price"`
	TotalPrice    string `json:"total_price"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// PartyStatementDTO is a party plus its transaction history. RefoldedBalance
// is recomputed from the transactions independently of the cached counter, so
// the dashboard can surface a divergence instead of hiding it.
type PartyStatementDTO struct {
	Party           PartyDTO         `json:"party"`
	Transactions    []TransactionDTO `json:"transactions"`
	RefoldedBalance string           `json:"refolded_balance"`
}

// AuditEntryDTO is one audit record in API responses.
type AuditEntryDTO struct {
	ID            string          `json:"id"`
	At            string          `json:"at"`
	Action        string          `json:"action"`
	TransactionID string          `json:"transaction_id"`
	Code          string          `json:"code"`
	Old           *TransactionDTO `json:"old,omitempty"`
	New           *TransactionDTO `json:"new,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransactionDTO(t *ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(t.ID),
		Code:          t.Code,
		Type:          string(t.Type),
		CustomerID:    string(t.CustomerID),
		SupplierID:    string(t.SupplierID),
		AnimalID:      t.AnimalID,
		Date:          t.Date.Format("2006-01-02"),
		SubTotal:      t.SubTotal.StringFixed(2),
		Discount:      t.Discount.StringFixed(2),
		VATTotal:      t.VATTotal.StringFixed(2),
		GrandTotal:    t.GrandTotal.StringFixed(2),
		PaidAmount:    t.PaidAmount.StringFixed(2),
		Status:        string(t.Status),
		PaymentMethod: string(t.PaymentMethod),
		Notes:         t.Notes,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range t.Items {
		dto.Items = append(dto.Items, TransactionItemDTO{
			ProductID: string(it.ProductID),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			VATRate:   it.VATRate.String(),
			Discount:  it.Discount.StringFixed(2),
			Total:     it.Total.StringFixed(2),
		})
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i := range txs {
		out[i] = toTransactionDTO(&txs[i])
	}
	return out
}

func toProductDTO(p *ledger.Product) ProductDTO {
	return ProductDTO{
		ID:            string(p.ID),
		Code:          p.Code,
		Name:          p.Name,
		Stock:         p.Stock,
		CriticalLevel: p.CriticalLevel,
		SalePrice:     p.SalePrice.StringFixed(2),
		PurchasePrice: p.PurchasePrice.StringFixed(2),
		IsService:     p.IsService,
		BelowCritical: p.BelowCritical(),
	}
}

func toPartyDTO(p *ledger.Party) PartyDTO {
	return PartyDTO{
		ID:      string(p.ID),
		Kind:    string(p.Kind),
		Code:    p.Code,
		Name:    p.Name,
		Phone:   p.Phone,
		Balance: p.Balance.StringFixed(2),
	}
}

func toMovementDTO(m *ledger.StockMovement) MovementDTO {
	return MovementDTO{
		ID:            string(m.ID),
		ProductID:     string(m.ProductID),
		QuantityDelta: m.QuantityDelta,
		UnitPrice:     m.UnitPrice.StringFixed(2),
		TotalPrice:    m.TotalPrice.StringFixed(2),
		Reason:        string(m.Reason),
		TransactionID: string(m.TransactionID),
		Reference:     m.Reference,
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
	}
}

func toAuditDTO(e *ledger.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:            e.ID,
		At:            e.At.Format(time.RFC3339),
		Action:        string(e.Action),
		TransactionID: string(e.TransactionID),
		Code:          e.Code,
	}
	if e.Old != nil {
		old := toTransactionDTO(e.Old)
		dto.Old = &old
	}
	if e.New != nil {
		nw := toTransactionDTO(e.New)
		dto.New = &nw
	}
	return dto
}
