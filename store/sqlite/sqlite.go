/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store     catalog, parties, transactions, stock ledger
  ledger.TxStore   unit-of-work via WithTx over a sql.Tx
  ledger.AuditLog  append-only audit entries with old/new snapshots

SERIALIZATION:
  Stock decrements use a single conditional UPDATE whose affected-row count
  is checked, so a capacity check and its write cannot be separated by a
  concurrent writer. Balance updates are atomic increments. A store-level
  mutex serializes writers on top of SQLite's single-writer model; busy
  errors surface as ledger.ErrConcurrentModification, which callers retry.

APPEND-ONLY:
  stock_movements and audit_log have no UPDATE or DELETE paths. Transactions
  and their items are removable as a whole (reversal), which is the one
  structural delete the engine performs.

WAL MODE:
  The database is opened with WAL so readers do not block during writes.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vetdesk/ledger-engine/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is the subset of *sql.DB / *sql.Tx the store needs, so the same
// helpers serve both direct calls and units of work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps sqlite's single-writer model predictable under
	// database/sql pooling, and keeps :memory: databases stable.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		code TEXT,
		name TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		critical_level INTEGER NOT NULL DEFAULT 0,
		sale_price TEXT NOT NULL DEFAULT '0',
		purchase_price TEXT NOT NULL DEFAULT '0',
		is_service BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (stock >= 0)
	);

	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		code TEXT,
		name TEXT NOT NULL,
		phone TEXT,
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_parties_kind ON parties(kind);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		tx_type TEXT NOT NULL,
		customer_id TEXT,
		supplier_id TEXT,
		animal_id TEXT,
		date TEXT NOT NULL,
		sub_total TEXT NOT NULL,
		discount TEXT NOT NULL,
		vat_total TEXT NOT NULL,
		grand_total TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(tx_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id)
		WHERE customer_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_supplier ON transactions(supplier_id)
		WHERE supplier_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date);

	CREATE TABLE IF NOT EXISTS transaction_items (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		vat_rate TEXT NOT NULL,
		discount TEXT NOT NULL,
		total TEXT NOT NULL,
		PRIMARY KEY (transaction_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_items_product ON transaction_items(product_id);

	-- Append-only stock ledger. No UPDATE or DELETE statements exist for
	-- this table; reversals append opposite-sign rows.
	CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		quantity_delta INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL,
		reason TEXT NOT NULL,
		transaction_id TEXT,
		reference TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_movements_product ON stock_movements(product_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_movements_transaction ON stock_movements(transaction_id)
		WHERE transaction_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS code_sequences (
		tx_type TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		code TEXT NOT NULL,
		old_json TEXT,
		new_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(ctx, s.db, id)
}

func getProduct(ctx context.Context, db dbtx, id ledger.ProductID) (*ledger.Product, error) {
	var (
		p                    ledger.Product
		salePrice, purchase  string
		createdAt, updatedAt string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, code, name, stock, critical_level, sale_price, purchase_price,
		       is_service, created_at, updated_at
		FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Code, &p.Name, &p.Stock, &p.CriticalLevel,
		&salePrice, &purchase, &p.IsService, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get product")
	}
	p.SalePrice = mustDecimal(salePrice)
	p.PurchasePrice = mustDecimal(purchase)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) SaveProduct(ctx context.Context, p ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProduct(ctx, s.db, p)
}

// saveProduct creates or updates catalog fields. The stock column is set
// only on first insert; afterwards it belongs to AdjustStock.
func saveProduct(ctx context.Context, db dbtx, p ledger.Product) error {
	now := formatTime(time.Now().UTC())
	_, err := db.ExecContext(ctx, `
		INSERT INTO products
			(id, code, name, stock, critical_level, sale_price, purchase_price,
			 is_service, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			critical_level = excluded.critical_level,
			sale_price = excluded.sale_price,
			purchase_price = excluded.purchase_price,
			is_service = excluded.is_service,
			updated_at = excluded.updated_at`,
		p.ID, p.Code, p.Name, p.Stock, p.CriticalLevel,
		p.SalePrice.String(), p.PurchasePrice.String(), p.IsService, now, now)
	return mapError(err, "failed to save product")
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, stock, critical_level, sale_price, purchase_price,
		       is_service, created_at, updated_at
		FROM products ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "failed to list products")
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		var (
			p                    ledger.Product
			salePrice, purchase  string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Stock, &p.CriticalLevel,
			&salePrice, &purchase, &p.IsService, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.SalePrice = mustDecimal(salePrice)
		p.PurchasePrice = mustDecimal(purchase)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AdjustStock(ctx context.Context, id ledger.ProductID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustStock(ctx, s.db, id, delta)
}

// adjustStock is the serialized check-then-write: the WHERE clause carries
// the capacity check and the affected-row count decides the outcome.
func adjustStock(ctx context.Context, db dbtx, id ledger.ProductID, delta int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + ?, updated_at = ?
		WHERE id = ? AND stock + ? >= 0`,
		delta, formatTime(time.Now().UTC()), id, delta)
	if err != nil {
		return mapError(err, "failed to adjust stock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Zero rows: either the product is missing or the capacity check failed.
	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE id = ?`, id).Scan(&exists); err != nil {
		return mapError(err, "failed to adjust stock")
	}
	if exists == 0 {
		return &ledger.NotFoundError{Entity: "product", ID: string(id)}
	}
	return ledger.ErrInsufficientStock
}

// =============================================================================
// PARTIES
// =============================================================================

func (s *Store) GetParty(ctx context.Context, id ledger.PartyID) (*ledger.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getParty(ctx, s.db, id)
}

func getParty(ctx context.Context, db dbtx, id ledger.PartyID) (*ledger.Party, error) {
	var (
		p                             ledger.Party
		balance, createdAt, updatedAt string
		phone                         sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, kind, code, name, phone, balance, created_at, updated_at
		FROM parties WHERE id = ?`, id,
	).Scan(&p.ID, &p.Kind, &p.Code, &p.Name, &phone, &balance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get party")
	}
	p.Phone = phone.String
	p.Balance = mustDecimal(balance)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) SaveParty(ctx context.Context, p ledger.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	// Balance is set only on first insert; afterwards it belongs to
	// AdjustBalance.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (id, kind, code, name, phone, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			phone = excluded.phone,
			updated_at = excluded.updated_at`,
		p.ID, p.Kind, p.Code, p.Name, nullString(p.Phone), p.Balance.String(), now, now)
	return mapError(err, "failed to save party")
}

func (s *Store) ListParties(ctx context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, code, name, phone, balance, created_at, updated_at FROM parties`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list parties")
	}
	defer rows.Close()

	var out []ledger.Party
	for rows.Next() {
		var (
			p                             ledger.Party
			balance, createdAt, updatedAt string
			phone                         sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Kind, &p.Code, &p.Name, &phone, &balance,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Phone = phone.String
		p.Balance = mustDecimal(balance)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AdjustBalance(ctx context.Context, id ledger.PartyID, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustBalance(ctx, s.db, id, delta)
}

// adjustBalance increments the balance with decimal arithmetic. The
// read-then-write pair is safe because every caller already holds the store
// mutex, and the single connection serializes against other writers; a
// SQL-side addition would go through sqlite's binary floating point instead.
func adjustBalance(ctx context.Context, db dbtx, id ledger.PartyID, delta decimal.Decimal) error {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT balance FROM parties WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.NotFoundError{Entity: "party", ID: string(id)}
	}
	if err != nil {
		return mapError(err, "failed to adjust balance")
	}

	next := mustDecimal(raw).Add(delta)
	res, err := db.ExecContext(ctx, `
		UPDATE parties
		SET balance = ?, updated_at = ?
		WHERE id = ?`,
		next.StringFixed(2), formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapError(err, "failed to adjust balance")
	}
	return requireRow(res, "party", string(id))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, code, tx_type, customer_id, supplier_id, animal_id, date,
	sub_total, discount, vat_total, grand_total, paid_amount,
	status, payment_method, notes, created_at, updated_at`

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, db dbtx, tx ledger.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, code, tx_type, customer_id, supplier_id, animal_id, date,
			 sub_total, discount, vat_total, grand_total, paid_amount,
			 status, payment_method, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Code, tx.Type,
		nullString(string(tx.CustomerID)), nullString(string(tx.SupplierID)),
		nullString(tx.AnimalID), formatTime(tx.Date),
		tx.SubTotal.String(), tx.Discount.String(), tx.VATTotal.String(),
		tx.GrandTotal.String(), tx.PaidAmount.String(),
		tx.Status, nullString(string(tx.PaymentMethod)), nullString(tx.Notes),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
	if err != nil {
		return mapError(err, "failed to insert transaction")
	}

	for i, it := range tx.Items {
		_, err := db.ExecContext(ctx, `
			INSERT INTO transaction_items
				(transaction_id, position, product_id, quantity, unit_price,
				 vat_rate, discount, total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, i, it.ProductID, it.Quantity, it.UnitPrice.String(),
			it.VATRate.String(), it.Discount.String(), it.Total.String())
		if err != nil {
			return mapError(err, "failed to insert transaction item")
		}
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get transaction")
	}
	items, err := loadItems(ctx, db, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Items = items
	return tx, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx                                        ledger.Transaction
		customerID, supplierID, animalID          sql.NullString
		method, notes                             sql.NullString
		date, createdAt, updatedAt                string
		subTotal, discount, vatTotal, grand, paid string
	)
	err := row.Scan(&tx.ID, &tx.Code, &tx.Type, &customerID, &supplierID, &animalID,
		&date, &subTotal, &discount, &vatTotal, &grand, &paid,
		&tx.Status, &method, &notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tx.CustomerID = ledger.PartyID(customerID.String)
	tx.SupplierID = ledger.PartyID(supplierID.String)
	tx.AnimalID = animalID.String
	tx.Date = parseTime(date)
	tx.SubTotal = mustDecimal(subTotal)
	tx.Discount = mustDecimal(discount)
	tx.VATTotal = mustDecimal(vatTotal)
	tx.GrandTotal = mustDecimal(grand)
	tx.PaidAmount = mustDecimal(paid)
	tx.PaymentMethod = ledger.PaymentMethod(method.String)
	tx.Notes = notes.String
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return &tx, nil
}

func loadItems(ctx context.Context, db dbtx, id ledger.TransactionID) ([]ledger.TransactionItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, vat_rate, discount, total
		FROM transaction_items WHERE transaction_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, mapError(err, "failed to load items")
	}
	defer rows.Close()

	var items []ledger.TransactionItem
	for rows.Next() {
		var (
			it                                  ledger.TransactionItem
			unitPrice, vatRate, discount, total string
		)
		if err := rows.Scan(&it.ProductID, &it.Quantity, &unitPrice, &vatRate,
			&discount, &total); err != nil {
			return nil, err
		}
		it.UnitPrice = mustDecimal(unitPrice)
		it.VATRate = mustDecimal(vatRate)
		it.Discount = mustDecimal(discount)
		it.Total = mustDecimal(total)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, f)
}

func listTransactions(ctx context.Context, db dbtx, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "tx_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.PartyID != "" {
		conds = append(conds, "(customer_id = ? OR supplier_id = ?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	if f.From != nil {
		conds = append(conds, "date >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "date <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list transactions")
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		items, err := loadItems(ctx, db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (s *Store) TransactionsByParty(ctx context.Context, id ledger.PartyID) ([]ledger.Transaction, error) {
	return s.ListTransactions(ctx, ledger.TransactionFilter{PartyID: id})
}

func (s *Store) UpdatePayment(ctx context.Context, id ledger.TransactionID, paid decimal.Decimal, status ledger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, id, paid, status)
}

func updatePayment(ctx context.Context, db dbtx, id ledger.TransactionID, paid decimal.Decimal, status ledger.Status) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions SET paid_amount = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		paid.String(), status, formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapError(err, "failed to update payment")
	}
	return requireRow(res, "transaction", string(id))
}

func (s *Store) SetStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setStatus(ctx, s.db, id, status)
}

func setStatus(ctx context.Context, db dbtx, id ledger.TransactionID, status ledger.Status) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id)
	if err != nil {
		return mapError(err, "failed to set status")
	}
	return requireRow(res, "transaction", string(id))
}

func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTransaction(ctx, s.db, id)
}

func deleteTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM transaction_items WHERE transaction_id = ?`, id); err != nil {
		return mapError(err, "failed to delete items")
	}
	res, err := db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return mapError(err, "failed to delete transaction")
	}
	return requireRow(res, "transaction", string(id))
}

func (s *Store) NextCodeNumber(ctx context.Context, t ledger.TransactionType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextCodeNumber(ctx, s.db, t)
}

func nextCodeNumber(ctx context.Context, db dbtx, t ledger.TransactionType) (int64, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO code_sequences (tx_type, next) VALUES (?, 1)
		ON CONFLICT(tx_type) DO UPDATE SET next = next + 1`, t)
	if err != nil {
		return 0, mapError(err, "failed to advance code sequence")
	}
	var n int64
	if err := db.QueryRowContext(ctx,
		`SELECT next FROM code_sequences WHERE tx_type = ?`, t).Scan(&n); err != nil {
		return 0, mapError(err, "failed to read code sequence")
	}
	return n, nil
}

// =============================================================================
// STOCK LEDGER
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m ledger.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, m)
}

func appendMovement(ctx context.Context, db dbtx, m ledger.StockMovement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_movements
			(id, product_id, quantity_delta, unit_price, total_price, reason,
			 transaction_id, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProductID, m.QuantityDelta, m.UnitPrice.String(), m.TotalPrice.String(),
		m.Reason, nullString(string(m.TransactionID)), nullString(m.Reference),
		formatTime(m.CreatedAt))
	return mapError(err, "failed to append stock movement")
}

func (s *Store) MovementsByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity_delta, unit_price, total_price, reason,
		       transaction_id, reference, created_at
		FROM stock_movements WHERE product_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, mapError(err, "failed to load stock movements")
	}
	defer rows.Close()

	var out []ledger.StockMovement
	for rows.Next() {
		var (
			m                     ledger.StockMovement
			unitPrice, totalPrice string
			txID, reference       sql.NullString
			createdAt             string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.QuantityDelta, &unitPrice,
			&totalPrice, &m.Reason, &txID, &reference, &createdAt); err != nil {
			return nil, err
		}
		m.UnitPrice = mustDecimal(unitPrice)
		m.TotalPrice = mustDecimal(totalPrice)
		m.TransactionID = ledger.TransactionID(txID.String)
		m.Reference = reference.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// UNIT OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn against a transactional view. If fn returns an error
// the sql transaction is rolled back and nothing is applied.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err, "failed to commit")
	}
	return nil
}

// txStore routes every Store call through the open sql.Tx. The parent's
// mutex is already held for the whole unit of work.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return getProduct(ctx, ts.tx, id)
}

func (ts *txStore) SaveProduct(ctx context.Context, p ledger.Product) error {
	return saveProduct(ctx, ts.tx, p)
}

func (ts *txStore) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return nil, errInsideTx("ListProducts")
}

func (ts *txStore) AdjustStock(ctx context.Context, id ledger.ProductID, delta int64) error {
	return adjustStock(ctx, ts.tx, id, delta)
}

func (ts *txStore) GetParty(ctx context.Context, id ledger.PartyID) (*ledger.Party, error) {
	return getParty(ctx, ts.tx, id)
}

func (ts *txStore) SaveParty(ctx context.Context, p ledger.Party) error {
	return errInsideTx("SaveParty")
}

func (ts *txStore) ListParties(ctx context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	return nil, errInsideTx("ListParties")
}

func (ts *txStore) AdjustBalance(ctx context.Context, id ledger.PartyID, delta decimal.Decimal) error {
	return adjustBalance(ctx, ts.tx, id, delta)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.tx, f)
}

func (ts *txStore) TransactionsByParty(ctx context.Context, id ledger.PartyID) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.tx, ledger.TransactionFilter{PartyID: id})
}

func (ts *txStore) UpdatePayment(ctx context.Context, id ledger.TransactionID, paid decimal.Decimal, status ledger.Status) error {
	return updatePayment(ctx, ts.tx, id, paid, status)
}

func (ts *txStore) SetStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status) error {
	return setStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	return deleteTransaction(ctx, ts.tx, id)
}

func (ts *txStore) NextCodeNumber(ctx context.Context, t ledger.TransactionType) (int64, error) {
	return nextCodeNumber(ctx, ts.tx, t)
}

func (ts *txStore) AppendMovement(ctx context.Context, m ledger.StockMovement) error {
	return appendMovement(ctx, ts.tx, m)
}

func (ts *txStore) MovementsByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	return nil, errInsideTx("MovementsByProduct")
}

func errInsideTx(op string) error {
	return fmt.Errorf("%s is not supported inside a unit of work", op)
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldJSON, err := marshalSnapshot(entry.Old)
	if err != nil {
		return err
	}
	newJSON, err := marshalSnapshot(entry.New)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, action, transaction_id, code, old_json, new_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.At), entry.Action, entry.TransactionID, entry.Code,
		oldJSON, newJSON)
	return mapError(err, "failed to append audit entry")
}

func (s *Store) QueryAudit(ctx context.Context, limit int) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, at, action, transaction_id, code, old_json, new_json
		FROM audit_log ORDER BY at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err, "failed to query audit log")
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var (
			entry            ledger.AuditEntry
			at               string
			oldJSON, newJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &at, &entry.Action, &entry.TransactionID,
			&entry.Code, &oldJSON, &newJSON); err != nil {
			return nil, err
		}
		entry.At = parseTime(at)
		entry.Old = unmarshalSnapshot(oldJSON)
		entry.New = unmarshalSnapshot(newJSON)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func marshalSnapshot(tx *ledger.Transaction) (sql.NullString, error) {
	if tx == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalSnapshot(s sql.NullString) *ledger.Transaction {
	if !s.Valid || s.String == "" {
		return nil
	}
	var tx ledger.Transaction
	if err := json.Unmarshal([]byte(s.String), &tx); err != nil {
		return nil
	}
	return &tx
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// mapError wraps storage errors, translating sqlite busy/locked conditions
// into the retryable concurrency error.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	if strings.Contains(s, "database is locked") || strings.Contains(s, "database table is locked") {
		return fmt.Errorf("%s: %w", msg, ledger.ErrConcurrentModification)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
