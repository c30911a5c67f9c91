package store

import (
	"context"
	"errors"
	"time"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("already applied")
	ErrUnavailable         = errors.New("store unavailable")
	ErrConflict            = errors.New("version conflict")
	ErrInvalid             = errors.New("invalid record")
	ErrInsufficientBalance = errors.New("insufficient point balance")
)

// CatalogStore serves products and applies stock movements. ApplyStockMovement
// must clamp the resulting stock at zero, record the history entry in the same
// atomic step and return ErrDuplicate if the movement id was already applied.
type CatalogStore interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockHistoryEntry, error)
	ListStockHistory(ctx context.Context, productID string, limit int) ([]domain.StockHistoryEntry, error)
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListPointEntries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error)
	AppendPointEntry(ctx context.Context, entry domain.PointLedgerEntry) error
}

// ReceiptStore keeps receipts keyed by order number. SaveReceipt returns the
// stored receipt and ErrDuplicate when the order number already exists.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error)
	GetReceipt(ctx context.Context, orderNumber string) (*domain.Receipt, error)
}

type RuleSetSource interface {
	GetRuleSet(ctx context.Context, storeID string) (*domain.RuleSet, error)
}

// RemoteStore is the shared transactional store all terminals of a store write to.
type RemoteStore interface {
	CatalogStore
	CustomerStore
	ReceiptStore
	RuleSetSource
	Ping(ctx context.Context) error
}

type ShiftStore interface {
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	CloseActiveShift(ctx context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, storeID string, terminalID string) (*domain.Shift, error)
}

// SyncQueueStore is the durable home of the outbox. EnqueueSyncItem returns
// the existing item when the idempotency key is already queued.
type SyncQueueStore interface {
	EnqueueSyncItem(ctx context.Context, item domain.SyncQueueItem) (*domain.SyncQueueItem, error)
	ListSyncItems(ctx context.Context, limit int) ([]domain.SyncQueueItem, error)
	// ListDueSyncItems returns pending items whose next attempt is not after
	// now, in insertion order.
	ListDueSyncItems(ctx context.Context, now time.Time, limit int) ([]domain.SyncQueueItem, error)
	GetSyncItem(ctx context.Context, id string) (*domain.SyncQueueItem, error)
	UpdateSyncItem(ctx context.Context, item domain.SyncQueueItem) error
	DeleteSyncItem(ctx context.Context, id string) error
}

// LocalCache is the device's persistent mirror and fallback source of truth.
type LocalCache interface {
	CatalogStore
	CustomerStore
	ReceiptStore
	RuleSetSource
	ShiftStore
	SyncQueueStore
	UpsertProduct(ctx context.Context, product domain.Product) error
	UpsertCustomer(ctx context.Context, customer domain.Customer) error
	SaveRuleSet(ctx context.Context, rules domain.RuleSet) error
	MarkReceiptSynced(ctx context.Context, orderNumber string, at time.Time) error
}
