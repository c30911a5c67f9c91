package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "terminal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReopenKeepsSchemaAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "terminal.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertCustomer(ctx, domain.Customer{ID: "CUST-1", Name: "Sari"}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	customer, err := s.GetCustomer(ctx, "CUST-1")
	require.NoError(t, err)
	assert.Equal(t, "Sari", customer.Name)
}

func TestProductRoundTripWithRecipe(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	member := int64(2400)

	require.NoError(t, s.UpsertProduct(ctx, domain.Product{
		ID: "PAKET", Name: "Paket", CategoryID: "bundle", PriceCents: 42000, MemberPriceCents: &member,
		TrackStock: true, Stock: decimal.RequireFromString("3.5"), Active: true,
		Recipe: &domain.Recipe{ReduceOwnStock: true, Ingredients: []domain.RecipeIngredient{
			{IngredientProductID: "GULA", QuantityPerUnit: decimal.RequireFromString("0.25")},
		}},
	}))
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{ID: "PAKET", Name: "Paket Baru", PriceCents: 43000, TrackStock: true, Stock: decimal.NewFromInt(-2)}))

	p, err := s.GetProduct(ctx, "PAKET")
	require.NoError(t, err)
	assert.Equal(t, "Paket Baru", p.Name)
	assert.Equal(t, int64(2), p.Version)
	assert.True(t, p.Stock.IsZero())
	assert.Nil(t, p.Recipe)
	assert.Nil(t, p.MemberPriceCents)

	_, err = s.GetProduct(ctx, "NOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyStockMovementIsAtomicAndIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{ID: "AIR", Name: "Air", TrackStock: true, Stock: decimal.NewFromInt(3)}))

	movement := domain.StockMovement{
		ID: "stk-ORD-1-AIR-AIR", ProductID: "AIR", SoldProductID: "AIR", Delta: decimal.NewFromInt(-5),
		ReferenceID: "ORD-1", Actor: "kasir", At: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	entry, err := s.ApplyStockMovement(ctx, movement)
	require.NoError(t, err)
	assert.True(t, entry.PreviousStock.Equal(decimal.NewFromInt(3)))
	assert.True(t, entry.NewStock.IsZero())

	again, err := s.ApplyStockMovement(ctx, movement)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	require.NotNil(t, again)
	assert.Equal(t, entry.ID, again.ID)

	p, err := s.GetProduct(ctx, "AIR")
	require.NoError(t, err)
	assert.True(t, p.Stock.IsZero())

	history, err := s.ListStockHistory(ctx, "AIR", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ORD-1", history[0].ReferenceID)
	assert.True(t, history[0].CreatedAt.Equal(movement.At))

	_, err = s.ApplyStockMovement(ctx, domain.StockMovement{ID: "stk-x", ProductID: "GHOST", Delta: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPointEntriesGuardBalanceAndDuplicates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendPointEntry(ctx, domain.PointLedgerEntry{
		ID: "pts-1", CustomerID: "CUST-1", Type: domain.PointsEarned, Amount: 10, Source: domain.PointSourceCheckout,
		Breakdown: []domain.LinePoints{{ProductID: "KOPI", Points: 10, RuleApplied: "cb-1"}},
	}))
	assert.ErrorIs(t, s.AppendPointEntry(ctx, domain.PointLedgerEntry{ID: "pts-1", CustomerID: "CUST-1", Amount: 10}), store.ErrDuplicate)
	assert.ErrorIs(t, s.AppendPointEntry(ctx, domain.PointLedgerEntry{ID: "pts-2", CustomerID: "CUST-1", Amount: -11}), store.ErrInsufficientBalance)
	require.NoError(t, s.AppendPointEntry(ctx, domain.PointLedgerEntry{ID: "pts-3", CustomerID: "CUST-1", Type: domain.PointsRedeemed, Amount: -4, Source: domain.PointSourceCheckout}))

	entries, err := s.ListPointEntries(ctx, "CUST-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pts-3", entries[0].ID)
	assert.Equal(t, "pts-1", entries[1].ID)
	require.Len(t, entries[1].Breakdown, 1)
	assert.Equal(t, "cb-1", entries[1].Breakdown[0].RuleApplied)
}

func TestReceiptSaveIsIdempotentAndMarksSynced(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	receipt := domain.Receipt{
		OrderNumber: "ORD-T1-1", StoreID: "main-store", TotalCents: 850, SyncStatus: domain.SyncStatusPending,
		Lines:     []domain.CartLine{{ProductID: "A", Quantity: decimal.NewFromInt(1), UnitPriceCents: 1000, LineTotalCents: 1000}},
		CreatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	_, err := s.SaveReceipt(ctx, receipt)
	require.NoError(t, err)
	changed := receipt
	changed.TotalCents = 1
	existing, err := s.SaveReceipt(ctx, changed)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Equal(t, int64(850), existing.TotalCents)

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkReceiptSynced(ctx, receipt.OrderNumber, at))
	got, err := s.GetReceipt(ctx, receipt.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, got.SyncStatus)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, got.SyncedAt.Equal(at))

	assert.ErrorIs(t, s.MarkReceiptSynced(ctx, "ORD-NONE", at), store.ErrNotFound)
}

func TestRuleSetReplaceByStore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRuleSet(ctx, domain.RuleSet{StoreID: "main-store", CashbackRules: []domain.CashbackRule{{ID: "a", Formula: "1"}}}))
	require.NoError(t, s.SaveRuleSet(ctx, domain.RuleSet{StoreID: "main-store", CashbackRules: []domain.CashbackRule{{ID: "b", Formula: "2"}}}))

	rules, err := s.GetRuleSet(ctx, "main-store")
	require.NoError(t, err)
	require.Len(t, rules.CashbackRules, 1)
	assert.Equal(t, "b", rules.CashbackRules[0].ID)

	_, err = s.GetRuleSet(ctx, "other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestShiftLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	shift, err := s.CreateShift(ctx, domain.Shift{StoreID: "main-store", TerminalID: "T1", CashierName: "kasir", OpeningFloatCents: 100000})
	require.NoError(t, err)
	_, err = s.CreateShift(ctx, domain.Shift{StoreID: "main-store", TerminalID: "T1", CashierName: "kasir"})
	assert.ErrorIs(t, err, store.ErrConflict)

	active, err := s.GetActiveShift(ctx, "main-store", "T1")
	require.NoError(t, err)
	assert.Equal(t, shift.ID, active.ID)

	closed, err := s.CloseActiveShift(ctx, "main-store", "T1", 250000, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = s.GetActiveShift(ctx, "main-store", "T1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.CloseActiveShift(ctx, "main-store", "T1", 0, time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateShift(ctx, domain.Shift{StoreID: "main-store", TerminalID: "T1", CashierName: "kasir"})
	assert.NoError(t, err)
}

func TestSyncQueueOrderingAndIdempotency(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := s.EnqueueSyncItem(ctx, domain.SyncQueueItem{
		Type: domain.SyncTypeReceipt, Action: domain.SyncActionCreate, IdempotencyKey: "receipt:B",
		Payload: json.RawMessage(`{"order_number":"B"}`), Status: domain.SyncItemPending, CreatedAt: created,
	})
	require.NoError(t, err)
	_, err = s.EnqueueSyncItem(ctx, domain.SyncQueueItem{
		Type: domain.SyncTypeReceipt, Action: domain.SyncActionCreate, IdempotencyKey: "receipt:A",
		Payload: json.RawMessage(`{"order_number":"A"}`), Status: domain.SyncItemPending, CreatedAt: created,
	})
	require.NoError(t, err)
	dup, err := s.EnqueueSyncItem(ctx, domain.SyncQueueItem{
		Type: domain.SyncTypeReceipt, Action: domain.SyncActionCreate, IdempotencyKey: "receipt:B",
		Payload: json.RawMessage(`{"order_number":"B"}`), Status: domain.SyncItemPending,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	items, err := s.ListSyncItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "receipt:B", items[0].IdempotencyKey)
	assert.Equal(t, "receipt:A", items[1].IdempotencyKey)
	assert.JSONEq(t, `{"order_number":"B"}`, string(items[0].Payload))

	limited, err := s.ListSyncItems(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	attempt := created.Add(time.Minute)
	item := items[0]
	item.AttemptCount = 3
	item.Status = domain.SyncItemFailed
	item.LastError = "remote timeout"
	item.LastAttemptAt = &attempt
	item.NextAttemptAt = attempt.Add(time.Minute)
	require.NoError(t, s.UpdateSyncItem(ctx, item))

	got, err := s.GetSyncItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, domain.SyncItemFailed, got.Status)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.LastAttemptAt.Equal(attempt))

	require.NoError(t, s.DeleteSyncItem(ctx, item.ID))
	assert.ErrorIs(t, s.DeleteSyncItem(ctx, item.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateSyncItem(ctx, item), store.ErrNotFound)
}

var _ store.LocalCache = (*Store)(nil)

func TestListDueSyncItemsSkipsFailedAndFutureItems(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	enqueue := func(key, status string, next time.Time) {
		t.Helper()
		_, err := s.EnqueueSyncItem(ctx, domain.SyncQueueItem{
			Type: domain.SyncTypeReceipt, Action: domain.SyncActionCreate, IdempotencyKey: key,
			Payload: json.RawMessage(`{}`), Status: status, CreatedAt: now.Add(-time.Hour), NextAttemptAt: next,
		})
		require.NoError(t, err)
	}
	enqueue("receipt:failed", domain.SyncItemFailed, now.Add(-time.Minute))
	enqueue("receipt:later", domain.SyncItemPending, now.Add(500*time.Millisecond))
	enqueue("receipt:due", domain.SyncItemPending, now.Add(-1500*time.Millisecond))
	enqueue("receipt:exact", domain.SyncItemPending, now)

	due, err := s.ListDueSyncItems(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "receipt:due", due[0].IdempotencyKey)
	assert.Equal(t, "receipt:exact", due[1].IdempotencyKey)

	limited, err := s.ListDueSyncItems(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "receipt:due", limited[0].IdempotencyKey)
}
