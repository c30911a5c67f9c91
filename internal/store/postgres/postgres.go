package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/migrations"
)

// Store is the remote transactional store shared by every terminal of a shop.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return migrations.UpPostgres(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var (
		product     domain.Product
		memberPrice sql.NullInt64
		recipe      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, price_cents, member_price_cents, sold_by_weight,
			track_stock, stock, recipe, active, version, updated_at
		FROM products
		WHERE id = $1
	`, strings.TrimSpace(id)).Scan(&product.ID, &product.Name, &product.CategoryID, &product.PriceCents, &memberPrice,
		&product.SoldByWeight, &product.TrackStock, &product.Stock, &recipe, &product.Active, &product.Version, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	if memberPrice.Valid {
		v := memberPrice.Int64
		product.MemberPriceCents = &v
	}
	if len(recipe) > 0 {
		product.Recipe = &domain.Recipe{}
		if err := json.Unmarshal(recipe, product.Recipe); err != nil {
			return nil, fmt.Errorf("decode recipe of %s: %w", product.ID, err)
		}
	}
	product.UpdatedAt = product.UpdatedAt.UTC()
	return &product, nil
}

// UpsertProduct is used by seeding and catalog tooling.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" || product.PriceCents < 0 {
		return store.ErrInvalid
	}
	if product.Stock.IsNegative() {
		product.Stock = decimal.Zero
	}
	var recipe any
	if product.Recipe != nil {
		raw, err := json.Marshal(product.Recipe)
		if err != nil {
			return err
		}
		recipe = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, category_id, price_cents, member_price_cents, sold_by_weight,
			track_stock, stock, recipe, active, version, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category_id = EXCLUDED.category_id,
			price_cents = EXCLUDED.price_cents,
			member_price_cents = EXCLUDED.member_price_cents,
			sold_by_weight = EXCLUDED.sold_by_weight,
			track_stock = EXCLUDED.track_stock,
			stock = EXCLUDED.stock,
			recipe = EXCLUDED.recipe,
			active = EXCLUDED.active,
			version = products.version + 1,
			updated_at = now()
	`, product.ID, product.Name, product.CategoryID, product.PriceCents, nullInt64(product.MemberPriceCents),
		product.SoldByWeight, product.TrackStock, product.Stock.String(), recipe, product.Active)
	return classify(err)
}

// ApplyStockMovement changes stock with a single clamped increment so that
// concurrent terminals never lose each other's decrements. The history insert
// shares the transaction and its primary key rejects a replayed movement.
func (s *Store) ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockHistoryEntry, error) {
	if strings.TrimSpace(movement.ID) == "" || strings.TrimSpace(movement.ProductID) == "" {
		return nil, store.ErrInvalid
	}
	at := movement.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists int
	err = pgTx.QueryRowContext(ctx, `SELECT 1 FROM stock_history WHERE id = $1`, movement.ID).Scan(&exists)
	if err == nil {
		return s.duplicateMovement(ctx, movement.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(err)
	}

	entry := domain.StockHistoryEntry{
		ID:            movement.ID,
		ProductID:     movement.ProductID,
		SoldProductID: movement.SoldProductID,
		Delta:         movement.Delta,
		ReferenceID:   movement.ReferenceID,
		Actor:         movement.Actor,
		CreatedAt:     at,
	}
	err = pgTx.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, stock FROM products WHERE id = $1 FOR UPDATE
		)
		UPDATE products p
		SET stock = GREATEST(p.stock + $2, 0), version = p.version + 1, updated_at = $3
		FROM prev
		WHERE p.id = prev.id
		RETURNING prev.stock, p.stock
	`, movement.ProductID, movement.Delta.String(), at).Scan(&entry.PreviousStock, &entry.NewStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_history (
			id, product_id, sold_product_id, delta, previous_stock, new_stock, reference_id, actor, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ProductID, entry.SoldProductID, entry.Delta.String(), entry.PreviousStock.String(),
		entry.NewStock.String(), entry.ReferenceID, entry.Actor, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			return s.duplicateMovement(ctx, movement.ID)
		}
		return nil, classify(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &entry, nil
}

func (s *Store) duplicateMovement(ctx context.Context, id string) (*domain.StockHistoryEntry, error) {
	entry, err := scanHistory(s.db.QueryRowContext(ctx, historySelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return entry, store.ErrDuplicate
}

const historySelect = `
	SELECT id, product_id, sold_product_id, delta, previous_stock, new_stock, reference_id, actor, created_at
	FROM stock_history`

func (s *Store) ListStockHistory(ctx context.Context, productID string, limit int) ([]domain.StockHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, historySelect+`
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]domain.StockHistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		customer  domain.Customer
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, non_member, membership_expires_at, updated_at
		FROM customers
		WHERE id = $1
	`, strings.TrimSpace(id)).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.NonMember, &expiresAt, &customer.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	if expiresAt.Valid {
		at := expiresAt.Time.UTC()
		customer.MembershipExpiresAt = &at
	}
	customer.UpdatedAt = customer.UpdatedAt.UTC()
	return &customer, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, non_member, membership_expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			non_member = EXCLUDED.non_member,
			membership_expires_at = EXCLUDED.membership_expires_at,
			updated_at = now()
	`, customer.ID, customer.Name, customer.Phone, customer.NonMember, nullTime(customer.MembershipExpiresAt))
	return classify(err)
}

func (s *Store) ListPointEntries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, amount, value_redeemed_cents, reason, receipt_number,
			source, adjusted_by, breakdown, created_at
		FROM point_entries
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`, customerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]domain.PointLedgerEntry, 0, 16)
	for rows.Next() {
		var (
			entry     domain.PointLedgerEntry
			breakdown []byte
		)
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &entry.Type, &entry.Amount, &entry.ValueRedeemedCents,
			&entry.Reason, &entry.ReceiptNumber, &entry.Source, &entry.AdjustedBy, &breakdown, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &entry.Breakdown); err != nil {
				return nil, fmt.Errorf("decode breakdown of %s: %w", entry.ID, err)
			}
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// AppendPointEntry inserts an immutable ledger row. Debits lock the customer
// row so two terminals cannot both spend the same balance.
func (s *Store) AppendPointEntry(ctx context.Context, entry domain.PointLedgerEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.CustomerID) == "" {
		return store.ErrInvalid
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var breakdown any
	if len(entry.Breakdown) > 0 {
		raw, err := json.Marshal(entry.Breakdown)
		if err != nil {
			return err
		}
		breakdown = string(raw)
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if entry.Amount < 0 {
		var id string
		if err := pgTx.QueryRowContext(ctx, `SELECT id FROM customers WHERE id = $1 FOR UPDATE`, entry.CustomerID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return classify(err)
		}
		var balance int64
		if err := pgTx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM point_entries WHERE customer_id = $1
		`, entry.CustomerID).Scan(&balance); err != nil {
			return classify(err)
		}
		if balance+entry.Amount < 0 {
			return store.ErrInsufficientBalance
		}
	}

	res, err := pgTx.ExecContext(ctx, `
		INSERT INTO point_entries (
			id, customer_id, type, amount, value_redeemed_cents, reason, receipt_number,
			source, adjusted_by, breakdown, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.CustomerID, entry.Type, entry.Amount, entry.ValueRedeemedCents, entry.Reason,
		entry.ReceiptNumber, entry.Source, entry.AdjustedBy, breakdown, createdAt.UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrDuplicate
	}
	return classify(pgTx.Commit())
}

func (s *Store) SaveReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if strings.TrimSpace(receipt.OrderNumber) == "" {
		return nil, store.ErrInvalid
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (order_number, store_id, terminal_id, customer_id, total_cents, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (order_number) DO NOTHING
	`, receipt.OrderNumber, receipt.StoreID, receipt.TerminalID, nullIfEmpty(receipt.CustomerID), receipt.TotalCents,
		string(payload), receipt.CreatedAt.UTC())
	if err != nil {
		return nil, classify(err)
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
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM receipts WHERE order_number = $1`, orderNumber).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	var receipt domain.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", orderNumber, err)
	}
	return &receipt, nil
}

func (s *Store) GetRuleSet(ctx context.Context, storeID string) (*domain.RuleSet, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM rule_sets WHERE store_id = $1`, storeID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	var rules domain.RuleSet
	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("decode rule set %s: %w", storeID, err)
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
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_sets (store_id, payload, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (store_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, rules.StoreID, string(payload), rules.UpdatedAt)
	return classify(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(row scanner) (*domain.StockHistoryEntry, error) {
	var entry domain.StockHistoryEntry
	err := row.Scan(&entry.ID, &entry.ProductID, &entry.SoldProductID, &entry.Delta, &entry.PreviousStock,
		&entry.NewStock, &entry.ReferenceID, &entry.Actor, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

// classify marks connectivity failures with store.ErrUnavailable so callers
// can tell an unreachable remote from a rejected write.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
