package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string
	Role     string
}

type Product struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name" yaml:"name"`
	CategoryID       string          `json:"category_id" yaml:"category_id"`
	PriceCents       int64           `json:"price_cents" yaml:"price_cents"`
	MemberPriceCents *int64          `json:"member_price_cents,omitempty" yaml:"member_price_cents,omitempty"`
	SoldByWeight     bool            `json:"sold_by_weight" yaml:"sold_by_weight"`
	TrackStock       bool            `json:"track_stock" yaml:"track_stock"`
	Stock            decimal.Decimal `json:"stock" yaml:"stock"`
	Recipe           *Recipe         `json:"recipe,omitempty" yaml:"recipe,omitempty"`
	Active           bool            `json:"active" yaml:"active"`
	Version          int64           `json:"version" yaml:"-"`
	UpdatedAt        time.Time       `json:"updated_at" yaml:"-"`
}

type Recipe struct {
	Ingredients    []RecipeIngredient `json:"ingredients" yaml:"ingredients"`
	ReduceOwnStock bool               `json:"reduce_own_stock" yaml:"reduce_own_stock"`
}

type RecipeIngredient struct {
	IngredientProductID string          `json:"ingredient_product_id" yaml:"ingredient_product_id"`
	QuantityPerUnit     decimal.Decimal `json:"quantity_per_unit" yaml:"quantity_per_unit"`
}

func (p Product) HasRecipe() bool {
	return p.Recipe != nil && len(p.Recipe.Ingredients) > 0
}

type CartLine struct {
	ProductID          string          `json:"product_id"`
	Name               string          `json:"name"`
	CategoryID         string          `json:"category_id"`
	UnitPriceCents     int64           `json:"unit_price_cents"`
	Quantity           decimal.Decimal `json:"quantity"`
	SoldByWeight       bool            `json:"sold_by_weight"`
	LineTotalCents     int64           `json:"line_total_cents"`
	MemberPriceCents   *int64          `json:"member_price_cents,omitempty"`
	OriginalPriceCents *int64          `json:"original_price_cents,omitempty"`
}

const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
)

type Discount struct {
	ID               string     `json:"id,omitempty" yaml:"id"`
	Name             string     `json:"name" yaml:"name"`
	Kind             string     `json:"kind" yaml:"kind"`
	Percent          float64    `json:"percent,omitempty" yaml:"percent,omitempty"`
	AmountCents      int64      `json:"amount_cents,omitempty" yaml:"amount_cents,omitempty"`
	MinPurchaseCents int64      `json:"min_purchase_cents" yaml:"min_purchase_cents"`
	ValidFrom        *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil       *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	AdHoc            bool       `json:"ad_hoc" yaml:"-"`
	Active           bool       `json:"active" yaml:"active"`
}

// Key identifies a discount inside one cart. Ad hoc discounts have no catalog id.
func (d Discount) Key() string {
	if d.ID != "" {
		return d.ID
	}
	return "adhoc:" + d.Name
}

type AppliedDiscount struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amount_cents"`
	AdHoc       bool   `json:"ad_hoc"`
}

const (
	ScopeProduct   = "product"
	ScopeCategory  = "category"
	ScopeCartTotal = "cart_total"
)

type CashbackRule struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Scope             string `json:"scope" yaml:"scope"`
	ProductID         string `json:"product_id,omitempty" yaml:"product_id,omitempty"`
	CategoryID        string `json:"category_id,omitempty" yaml:"category_id,omitempty"`
	MinCartTotalCents int64  `json:"min_cart_total_cents,omitempty" yaml:"min_cart_total_cents,omitempty"`
	Predicate         string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Formula           string `json:"formula" yaml:"formula"`
	Priority          int    `json:"priority" yaml:"priority"`
	Active            bool   `json:"active" yaml:"active"`
}

// RuleSet is the distributable pricing/loyalty configuration of a store.
type RuleSet struct {
	StoreID       string         `json:"store_id"`
	CashbackRules []CashbackRule `json:"cashback_rules"`
	Discounts     []Discount     `json:"discounts"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type LinePoints struct {
	ProductID   string `json:"product_id"`
	Points      int64  `json:"points"`
	RuleApplied string `json:"rule_applied,omitempty"`
}

type CashbackBreakdown struct {
	Lines       []LinePoints `json:"lines"`
	TotalPoints int64        `json:"total_points"`
}

type Customer struct {
	ID                  string     `json:"id" yaml:"id"`
	Name                string     `json:"name" yaml:"name"`
	Phone               string     `json:"phone,omitempty" yaml:"phone,omitempty"`
	NonMember           bool       `json:"non_member" yaml:"non_member"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at,omitempty" yaml:"membership_expires_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at" yaml:"-"`
}

const (
	PointsEarned      = "earned"
	PointsRedeemed    = "redeemed"
	PointsAdminAdd    = "admin_add"
	PointsAdminReduce = "admin_reduce"
)

const (
	PointSourceCheckout = "checkout"
	PointSourceAdmin    = "admin"
)

type PointLedgerEntry struct {
	ID                 string       `json:"id"`
	CustomerID         string       `json:"customer_id"`
	Type               string       `json:"type"`
	Amount             int64        `json:"amount"`
	ValueRedeemedCents int64        `json:"value_redeemed_cents,omitempty"`
	Reason             string       `json:"reason,omitempty"`
	ReceiptNumber      string       `json:"receipt_number,omitempty"`
	Source             string       `json:"source"`
	AdjustedBy         string       `json:"adjusted_by,omitempty"`
	Breakdown          []LinePoints `json:"breakdown,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// StockMovement is one intended stock change. ID is deterministic per sale so
// that replaying it is detectable.
type StockMovement struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	SoldProductID string          `json:"sold_product_id"`
	Delta         decimal.Decimal `json:"delta"`
	ReferenceID   string          `json:"reference_id"`
	Actor         string          `json:"actor"`
	At            time.Time       `json:"at"`
}

type StockHistoryEntry struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	SoldProductID string          `json:"sold_product_id,omitempty"`
	Delta         decimal.Decimal `json:"delta"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	NewStock      decimal.Decimal `json:"new_stock"`
	ReferenceID   string          `json:"reference_id"`
	Actor         string          `json:"actor"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	SyncStatusSynced  = "synced"
	SyncStatusPending = "pending"
)

const (
	PaymentCash    = "cash"
	PaymentCard    = "card"
	PaymentQRIS    = "qris"
	PaymentEwallet = "ewallet"
)

type Receipt struct {
	OrderNumber        string            `json:"order_number"`
	StoreID            string            `json:"store_id"`
	TerminalID         string            `json:"terminal_id"`
	ShiftID            string            `json:"shift_id"`
	Cashier            string            `json:"cashier"`
	CustomerID         string            `json:"customer_id,omitempty"`
	Lines              []CartLine        `json:"lines"`
	SubtotalCents      int64             `json:"subtotal_cents"`
	DiscountCents      int64             `json:"discount_cents"`
	AppliedDiscounts   []AppliedDiscount `json:"applied_discounts"`
	TotalCents         int64             `json:"total_cents"`
	PointsRedeemed     int64             `json:"points_redeemed"`
	ValueRedeemedCents int64             `json:"value_redeemed_cents"`
	PayableCents       int64             `json:"payable_cents"`
	Cashback           CashbackBreakdown `json:"cashback"`
	PointsEarned       int64             `json:"points_earned"`
	PaymentMethod      string            `json:"payment_method"`
	PaymentReference   string            `json:"payment_reference,omitempty"`
	CashReceivedCents  int64             `json:"cash_received_cents"`
	ChangeCents        int64             `json:"change_cents"`
	SyncStatus         string            `json:"sync_status"`
	CreatedAt          time.Time         `json:"created_at"`
	SyncedAt           *time.Time        `json:"synced_at,omitempty"`
}

const (
	SyncItemPending = "pending"
	SyncItemFailed  = "failed"
)

const (
	SyncTypeReceipt       = "receipt"
	SyncTypeStockMovement = "stock_movement"
	SyncTypePointEntry    = "point_entry"

	SyncActionCreate = "create"
	SyncActionApply  = "apply"
	SyncActionAppend = "append"
)

// SyncQueueItem is persisted as {type, action, payload, createdAt, status,
// attemptCount}; the remaining fields are bookkeeping added alongside.
type SyncQueueItem struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	IdempotencyKey string          `json:"idempotencyKey"`
	PayloadDigest  string          `json:"payloadDigest,omitempty"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      string          `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

type Shift struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	TerminalID        string     `json:"terminal_id"`
	CashierName       string     `json:"cashier_name"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	ClosingCashCents  int64      `json:"closing_cash_cents,omitempty"`
	Status            string     `json:"status"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type Category struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Operator struct {
	Username string `json:"username" yaml:"username"`
	PINHash  string `json:"-" yaml:"pin_hash"`
	Role     string `json:"role" yaml:"role"`
	Active   bool   `json:"active" yaml:"active"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	WarnMembershipExpiring = "membership_expiring"
	WarnProductMissing     = "stock_product_missing"
	WarnStockFailed        = "stock_deduction_failed"
	WarnLedgerFailed       = "ledger_update_failed"
	WarnSyncPending        = "sync_pending"
	WarnMirrorStale        = "local_mirror_stale"
	WarnDirectoryFailed    = "directory_unavailable"
	WarnCashbackFailed     = "cashback_unavailable"
)
