// Package sqlite is the terminal's on-device store: the mirror of remote data
// used while offline and the durable home of the sync queue.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/stock"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/migrations"
	"kasirinaja/terminal/internal/xid"
)

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping local database: %w", err)
	}
	if err := migrations.UpSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, price_cents, member_price_cents, sold_by_weight,
			track_stock, stock, recipe, active, version, updated_at
		FROM products
		WHERE id = ?
	`, strings.TrimSpace(id))
	return scanProduct(row)
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return store.ErrInvalid
	}
	if product.Stock.IsNegative() {
		product.Stock = decimal.Zero
	}

	var recipe any
	if product.Recipe != nil {
		raw, err := json.Marshal(product.Recipe)
		if err != nil {
			return fmt.Errorf("failed to encode recipe: %w", err)
		}
		recipe = string(raw)
	}
	var memberPrice any
	if product.MemberPriceCents != nil {
		memberPrice = *product.MemberPriceCents
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, category_id, price_cents, member_price_cents, sold_by_weight,
			track_stock, stock, recipe, active, version, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			category_id = excluded.category_id,
			price_cents = excluded.price_cents,
			member_price_cents = excluded.member_price_cents,
			sold_by_weight = excluded.sold_by_weight,
			track_stock = excluded.track_stock,
			stock = excluded.stock,
			recipe = excluded.recipe,
			active = excluded.active,
			version = products.version + 1,
			updated_at = excluded.updated_at
	`, product.ID, product.Name, product.CategoryID, product.PriceCents, memberPrice, product.SoldByWeight,
		product.TrackStock, product.Stock.String(), recipe, product.Active, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (s *Store) ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockHistoryEntry, error) {
	if strings.TrimSpace(movement.ID) == "" || strings.TrimSpace(movement.ProductID) == "" {
		return nil, store.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanHistory(tx.QueryRowContext(ctx, historySelect+` WHERE id = ?`, movement.ID))
	if err == nil {
		return existing, store.ErrDuplicate
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var previous decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, movement.ProductID).Scan(&previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	at := movement.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := domain.StockHistoryEntry{
		ID:            movement.ID,
		ProductID:     movement.ProductID,
		SoldProductID: movement.SoldProductID,
		Delta:         movement.Delta,
		PreviousStock: previous,
		NewStock:      stock.NextStock(previous, movement.Delta),
		ReferenceID:   movement.ReferenceID,
		Actor:         movement.Actor,
		CreatedAt:     at.UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = ?, version = version + 1, updated_at = ? WHERE id = ?
	`, entry.NewStock.String(), formatTime(at), entry.ProductID); err != nil {
		return nil, fmt.Errorf("failed to update stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_history (
			id, product_id, sold_product_id, delta, previous_stock, new_stock, reference_id, actor, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ProductID, entry.SoldProductID, entry.Delta.String(), entry.PreviousStock.String(),
		entry.NewStock.String(), entry.ReferenceID, entry.Actor, formatTime(entry.CreatedAt)); err != nil {
		return nil, fmt.Errorf("failed to insert stock history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

const historySelect = `
	SELECT id, product_id, sold_product_id, delta, previous_stock, new_stock, reference_id, actor, created_at
	FROM stock_history`

// ListStockHistory returns newest first.
func (s *Store) ListStockHistory(ctx context.Context, productID string, limit int) ([]domain.StockHistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, historySelect+` WHERE product_id = ? ORDER BY seq DESC LIMIT ?`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StockHistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		customer  domain.Customer
		expiresAt sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, non_member, membership_expires_at, updated_at
		FROM customers
		WHERE id = ?
	`, strings.TrimSpace(id)).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.NonMember, &expiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customer.MembershipExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if customer.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, non_member, membership_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			non_member = excluded.non_member,
			membership_expires_at = excluded.membership_expires_at,
			updated_at = excluded.updated_at
	`, customer.ID, customer.Name, customer.Phone, customer.NonMember, nullTime(customer.MembershipExpiresAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// ListPointEntries returns newest first.
func (s *Store) ListPointEntries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, amount, value_redeemed_cents, reason, receipt_number,
			source, adjusted_by, breakdown, created_at
		FROM point_entries
		WHERE customer_id = ?
		ORDER BY seq DESC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PointLedgerEntry
	for rows.Next() {
		var (
			entry     domain.PointLedgerEntry
			breakdown sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &entry.Type, &entry.Amount, &entry.ValueRedeemedCents,
			&entry.Reason, &entry.ReceiptNumber, &entry.Source, &entry.AdjustedBy, &breakdown, &createdAt); err != nil {
			return nil, err
		}
		if breakdown.Valid && breakdown.String != "" {
			if err := json.Unmarshal([]byte(breakdown.String), &entry.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode point breakdown: %w", err)
			}
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) AppendPointEntry(ctx context.Context, entry domain.PointLedgerEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.CustomerID) == "" {
		return store.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM point_entries WHERE id = ?`, entry.ID).Scan(&exists)
	if err == nil {
		return store.ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if entry.Amount < 0 {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM point_entries WHERE customer_id = ?
		`, entry.CustomerID).Scan(&balance); err != nil {
			return err
		}
		if balance+entry.Amount < 0 {
			return store.ErrInsufficientBalance
		}
	}

	var breakdown any
	if len(entry.Breakdown) > 0 {
		raw, err := json.Marshal(entry.Breakdown)
		if err != nil {
			return fmt.Errorf("failed to encode point breakdown: %w", err)
		}
		breakdown = string(raw)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO point_entries (
			id, customer_id, type, amount, value_redeemed_cents, reason, receipt_number,
			source, adjusted_by, breakdown, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.CustomerID, entry.Type, entry.Amount, entry.ValueRedeemedCents, entry.Reason,
		entry.ReceiptNumber, entry.Source, entry.AdjustedBy, breakdown, formatTime(createdAt)); err != nil {
		return fmt.Errorf("failed to insert point entry: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if strings.TrimSpace(receipt.OrderNumber) == "" {
		return nil, store.ErrInvalid
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (order_number, payload, sync_status, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (order_number) DO NOTHING
	`, receipt.OrderNumber, string(payload), receipt.SyncStatus, formatTime(receipt.CreatedAt), nullTime(receipt.SyncedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		existing, err := s.GetReceipt(ctx, receipt.OrderNumber)
		if err != nil {
			return nil, err
		}
		return existing, store.ErrDuplicate
	}
	saved := receipt
	return &saved, nil
}

func (s *Store) GetReceipt(ctx context.Context, orderNumber string) (*domain.Receipt, error) {
	var (
		payload    string
		syncStatus string
		syncedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, sync_status, synced_at FROM receipts WHERE order_number = ?
	`, orderNumber).Scan(&payload, &syncStatus, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var receipt domain.Receipt
	if err := json.Unmarshal([]byte(payload), &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	receipt.SyncStatus = syncStatus
	if receipt.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) MarkReceiptSynced(ctx context.Context, orderNumber string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET sync_status = ?, synced_at = ? WHERE order_number = ?
	`, domain.SyncStatusSynced, formatTime(at), orderNumber)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetRuleSet(ctx context.Context, storeID string) (*domain.RuleSet, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM rule_sets WHERE store_id = ?`, storeID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var rules domain.RuleSet
	if err := json.Unmarshal([]byte(payload), &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rule set: %w", err)
	}
	return &rules, nil
}

func (s *Store) SaveRuleSet(ctx context.Context, rules domain.RuleSet) error {
	if strings.TrimSpace(rules.StoreID) == "" {
		return store.ErrInvalid
	}
	if rules.UpdatedAt.IsZero() {
		rules.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to encode rule set: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_sets (store_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (store_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, rules.StoreID, string(payload), formatTime(rules.UpdatedAt))
	return err
}

const shiftSelect = `
	SELECT id, store_id, terminal_id, cashier_name, opening_float_cents,
		closing_cash_cents, status, opened_at, closed_at
	FROM shifts`

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.StoreID) == "" || strings.TrimSpace(shift.TerminalID) == "" {
		return nil, store.ErrInvalid
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.ClosingCashCents = 0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM shifts WHERE store_id = ? AND terminal_id = ? AND status = 'open'
	`, shift.StoreID, shift.TerminalID).Scan(&open)
	if err == nil {
		return nil, store.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shifts (
			id, store_id, terminal_id, cashier_name, opening_float_cents,
			closing_cash_cents, status, opened_at, closed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, shift.ID, shift.StoreID, shift.TerminalID, shift.CashierName, shift.OpeningFloatCents,
		shift.ClosingCashCents, shift.Status, formatTime(shift.OpenedAt)); err != nil {
		return nil, fmt.Errorf("failed to insert shift: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := shift
	return &saved, nil
}

func (s *Store) CloseActiveShift(ctx context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := scanShift(tx.QueryRowContext(ctx, shiftSelect+` WHERE store_id = ? AND terminal_id = ? AND status = 'open'`, storeID, terminalID))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE shifts SET status = ?, closing_cash_cents = ?, closed_at = ? WHERE id = ?
	`, domain.ShiftStatusClosed, closingCashCents, formatTime(closedAt), shift.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	closed := closedAt.UTC()
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingCashCents = closingCashCents
	shift.ClosedAt = &closed
	return shift, nil
}

func (s *Store) GetActiveShift(ctx context.Context, storeID string, terminalID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, shiftSelect+`
		WHERE store_id = ? AND terminal_id = ? AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, storeID, terminalID))
}

const syncSelect = `
	SELECT id, type, action, payload, created_at, status, attempt_count, idempotency_key,
		payload_digest, next_attempt_at, last_error, last_attempt_at
	FROM sync_queue`

func (s *Store) EnqueueSyncItem(ctx context.Context, item domain.SyncQueueItem) (*domain.SyncQueueItem, error) {
	if strings.TrimSpace(item.IdempotencyKey) == "" {
		return nil, store.ErrInvalid
	}
	if item.ID == "" {
		item.ID = xid.New("sync")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (
			id, type, action, payload, created_at, status, attempt_count, idempotency_key,
			payload_digest, next_attempt_at, last_error, last_attempt_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, item.ID, item.Type, item.Action, string(item.Payload), formatTime(item.CreatedAt), item.Status, item.AttemptCount,
		item.IdempotencyKey, item.PayloadDigest, formatTime(item.NextAttemptAt), item.LastError, nullTime(item.LastAttemptAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue sync item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return scanSyncItem(s.db.QueryRowContext(ctx, syncSelect+` WHERE idempotency_key = ?`, item.IdempotencyKey))
	}
	saved := item
	return &saved, nil
}

// ListSyncItems returns items in insertion order.
func (s *Store) ListSyncItems(ctx context.Context, limit int) ([]domain.SyncQueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, syncSelect+` ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanSyncItems(rows)
}

// ListDueSyncItems compares timestamps with julianday; RFC 3339 strings with
// trimmed fractions do not sort lexically.
func (s *Store) ListDueSyncItems(ctx context.Context, now time.Time, limit int) ([]domain.SyncQueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, syncSelect+`
		WHERE status = ? AND julianday(next_attempt_at) <= julianday(?)
		ORDER BY seq ASC
		LIMIT ?
	`, domain.SyncItemPending, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanSyncItems(rows)
}

func scanSyncItems(rows *sql.Rows) ([]domain.SyncQueueItem, error) {
	defer func() { _ = rows.Close() }()

	var out []domain.SyncQueueItem
	for rows.Next() {
		item, err := scanSyncItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *Store) GetSyncItem(ctx context.Context, id string) (*domain.SyncQueueItem, error) {
	return scanSyncItem(s.db.QueryRowContext(ctx, syncSelect+` WHERE id = ?`, id))
}

func (s *Store) UpdateSyncItem(ctx context.Context, item domain.SyncQueueItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, item.Status, item.AttemptCount, formatTime(item.NextAttemptAt), item.LastError, nullTime(item.LastAttemptAt), item.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeleteSyncItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*domain.Product, error) {
	var (
		product     domain.Product
		memberPrice sql.NullInt64
		recipe      sql.NullString
		updatedAt   string
	)
	err := row.Scan(&product.ID, &product.Name, &product.CategoryID, &product.PriceCents, &memberPrice, &product.SoldByWeight,
		&product.TrackStock, &product.Stock, &recipe, &product.Active, &product.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if memberPrice.Valid {
		v := memberPrice.Int64
		product.MemberPriceCents = &v
	}
	if recipe.Valid && recipe.String != "" {
		product.Recipe = &domain.Recipe{}
		if err := json.Unmarshal([]byte(recipe.String), product.Recipe); err != nil {
			return nil, fmt.Errorf("failed to decode recipe: %w", err)
		}
	}
	if product.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &product, nil
}

func scanHistory(row scanner) (*domain.StockHistoryEntry, error) {
	var (
		entry     domain.StockHistoryEntry
		createdAt string
	)
	err := row.Scan(&entry.ID, &entry.ProductID, &entry.SoldProductID, &entry.Delta, &entry.PreviousStock,
		&entry.NewStock, &entry.ReferenceID, &entry.Actor, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanShift(row scanner) (*domain.Shift, error) {
	var (
		shift    domain.Shift
		openedAt string
		closedAt sql.NullString
	)
	err := row.Scan(&shift.ID, &shift.StoreID, &shift.TerminalID, &shift.CashierName, &shift.OpeningFloatCents,
		&shift.ClosingCashCents, &shift.Status, &openedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shift.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if shift.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, err
	}
	return &shift, nil
}

func scanSyncItem(row scanner) (*domain.SyncQueueItem, error) {
	var (
		item          domain.SyncQueueItem
		payload       string
		createdAt     string
		nextAttemptAt string
		lastAttemptAt sql.NullString
	)
	err := row.Scan(&item.ID, &item.Type, &item.Action, &payload, &createdAt, &item.Status, &item.AttemptCount,
		&item.IdempotencyKey, &item.PayloadDigest, &nextAttemptAt, &item.LastError, &lastAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return nil, err
	}
	if item.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
