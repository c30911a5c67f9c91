package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// Store keeps everything in process memory. It satisfies both
// store.RemoteStore and store.LocalCache, so a dev terminal can run two
// instances side by side and tests can simulate an unreachable remote.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	stockHistory     map[string][]domain.StockHistoryEntry
	appliedMovements map[string]domain.StockHistoryEntry
	customers        map[string]domain.Customer
	pointEntries     map[string][]domain.PointLedgerEntry
	pointEntryIDs    map[string]struct{}
	receipts         map[string]domain.Receipt
	ruleSets         map[string]domain.RuleSet
	shiftsByID       map[string]domain.Shift
	activeShiftByKey map[string]string
	syncItems        map[string]domain.SyncQueueItem
	syncKeys         map[string]string
	syncSeq          []string

	fault func(op string) error
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		stockHistory:     make(map[string][]domain.StockHistoryEntry),
		appliedMovements: make(map[string]domain.StockHistoryEntry),
		customers:        make(map[string]domain.Customer),
		pointEntries:     make(map[string][]domain.PointLedgerEntry),
		pointEntryIDs:    make(map[string]struct{}),
		receipts:         make(map[string]domain.Receipt),
		ruleSets:         make(map[string]domain.RuleSet),
		shiftsByID:       make(map[string]domain.Shift),
		activeShiftByKey: make(map[string]string),
		syncItems:        make(map[string]domain.SyncQueueItem),
		syncKeys:         make(map[string]string),
	}
}

func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	stock := decimal.NewFromInt(120)
	memberKopi := int64(2400)
	products := []domain.Product{
		{ID: "SKU-MIE-01", Name: "Mie Goreng Instan", CategoryID: "grocery", PriceCents: 3500, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-TELUR-01", Name: "Telur 10 Butir", CategoryID: "grocery", PriceCents: 26500, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-SUSU-01", Name: "Susu UHT 1L", CategoryID: "dairy", PriceCents: 18900, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-ROTI-01", Name: "Roti Tawar", CategoryID: "bakery", PriceCents: 17800, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-KOPI-01", Name: "Kopi Sachet", CategoryID: "beverage", PriceCents: 2600, MemberPriceCents: &memberKopi, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-GULA-01", Name: "Gula 1kg", CategoryID: "grocery", PriceCents: 17400, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-TEH-01", Name: "Teh Celup", CategoryID: "beverage", PriceCents: 9800, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-AIR-01", Name: "Air Mineral 600ml", CategoryID: "beverage", PriceCents: 3900, TrackStock: true, Stock: stock, Active: true},
		{ID: "SKU-BERAS-01", Name: "Beras Curah (kg)", CategoryID: "grocery", PriceCents: 14500, SoldByWeight: true, TrackStock: true, Stock: decimal.NewFromInt(250), Active: true},
		{ID: "SKU-KANTONG-01", Name: "Kantong Plastik", CategoryID: "household", PriceCents: 500, TrackStock: false, Active: true},
		{
			ID: "SKU-PAKET-SARAPAN", Name: "Paket Sarapan", CategoryID: "bundle", PriceCents: 42000, TrackStock: true, Active: true,
			Recipe: &domain.Recipe{Ingredients: []domain.RecipeIngredient{
				{IngredientProductID: "SKU-ROTI-01", QuantityPerUnit: decimal.NewFromInt(1)},
				{IngredientProductID: "SKU-SUSU-01", QuantityPerUnit: decimal.NewFromInt(1)},
				{IngredientProductID: "SKU-KOPI-01", QuantityPerUnit: decimal.NewFromInt(2)},
			}},
		},
	}
	for _, p := range products {
		_ = s.UpsertProduct(ctx, p)
	}

	expiry := time.Now().UTC().AddDate(1, 0, 0)
	_ = s.UpsertCustomer(ctx, domain.Customer{ID: "CUST-001", Name: "Sari Member", Phone: "081200000001", MembershipExpiresAt: &expiry})
	_ = s.UpsertCustomer(ctx, domain.Customer{ID: "CUST-002", Name: "Budi Walk-in", NonMember: true})

	_ = s.SaveRuleSet(ctx, domain.RuleSet{
		StoreID: "main-store",
		CashbackRules: []domain.CashbackRule{
			{ID: "cb-beverage", Name: "Minuman 2 poin/item", Scope: domain.ScopeCategory, CategoryID: "beverage", Formula: "line.quantity * 2.0", Active: true},
			{ID: "cb-basket", Name: "1 poin per Rp10.000", Scope: domain.ScopeCartTotal, Formula: "line.line_total / 10000", Active: true},
		},
		Discounts: []domain.Discount{
			{ID: "promo-hemat-10", Name: "Hemat 10%", Kind: domain.DiscountPercentage, Percent: 10, MinPurchaseCents: 100000, Active: true},
			{ID: "promo-potong-5rb", Name: "Potongan 5rb", Kind: domain.DiscountFixedAmount, AmountCents: 5000, MinPurchaseCents: 50000, Active: true},
		},
	})

	return s
}

// SetFault installs a hook consulted at the start of every operation; a
// non-nil error is returned instead of running it.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetUnavailable makes every operation fail with store.ErrUnavailable.
func (s *Store) SetUnavailable(down bool) {
	if !down {
		s.SetFault(nil)
		return
	}
	s.SetFault(func(op string) error {
		return fmt.Errorf("%w: %s", store.ErrUnavailable, op)
	})
}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("Ping")
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetProduct"); err != nil {
		return nil, err
	}

	product, ok := s.products[strings.TrimSpace(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneProduct(product)
	return &cloned, nil
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertProduct"); err != nil {
		return err
	}

	if existing, ok := s.products[product.ID]; ok {
		product.Version = existing.Version + 1
	} else if product.Version == 0 {
		product.Version = 1
	}
	if product.Stock.IsNegative() {
		product.Stock = decimal.Zero
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = cloneProduct(product)
	return nil
}

func (s *Store) ApplyStockMovement(_ context.Context, movement domain.StockMovement) (*domain.StockHistoryEntry, error) {
	if strings.TrimSpace(movement.ID) == "" || strings.TrimSpace(movement.ProductID) == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ApplyStockMovement"); err != nil {
		return nil, err
	}

	if applied, ok := s.appliedMovements[movement.ID]; ok {
		entry := applied
		return &entry, store.ErrDuplicate
	}
	product, ok := s.products[movement.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}

	next := product.Stock.Add(movement.Delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	at := movement.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	entry := domain.StockHistoryEntry{
		ID:            movement.ID,
		ProductID:     movement.ProductID,
		SoldProductID: movement.SoldProductID,
		Delta:         movement.Delta,
		PreviousStock: product.Stock,
		NewStock:      next,
		ReferenceID:   movement.ReferenceID,
		Actor:         movement.Actor,
		CreatedAt:     at,
	}

	product.Stock = next
	product.Version++
	product.UpdatedAt = at
	s.products[product.ID] = product
	s.appliedMovements[movement.ID] = entry
	s.stockHistory[product.ID] = append(s.stockHistory[product.ID], entry)
	return &entry, nil
}

func (s *Store) ListStockHistory(_ context.Context, productID string, limit int) ([]domain.StockHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ListStockHistory"); err != nil {
		return nil, err
	}

	history := s.stockHistory[productID]
	out := make([]domain.StockHistoryEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetCustomer"); err != nil {
		return nil, err
	}

	customer, ok := s.customers[strings.TrimSpace(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneCustomer(customer)
	return &cloned, nil
}

func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertCustomer"); err != nil {
		return err
	}

	customer.UpdatedAt = time.Now().UTC()
	s.customers[customer.ID] = cloneCustomer(customer)
	return nil
}

// ListPointEntries returns newest first.
func (s *Store) ListPointEntries(_ context.Context, customerID string) ([]domain.PointLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ListPointEntries"); err != nil {
		return nil, err
	}

	entries := s.pointEntries[customerID]
	out := make([]domain.PointLedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) AppendPointEntry(_ context.Context, entry domain.PointLedgerEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.CustomerID) == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AppendPointEntry"); err != nil {
		return err
	}

	if _, exists := s.pointEntryIDs[entry.ID]; exists {
		return store.ErrDuplicate
	}
	if entry.Amount < 0 {
		var balance int64
		for _, existing := range s.pointEntries[entry.CustomerID] {
			balance += existing.Amount
		}
		if balance+entry.Amount < 0 {
			return store.ErrInsufficientBalance
		}
	}

	s.pointEntryIDs[entry.ID] = struct{}{}
	s.pointEntries[entry.CustomerID] = append([]domain.PointLedgerEntry{entry}, s.pointEntries[entry.CustomerID]...)
	return nil
}

func (s *Store) SaveReceipt(_ context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if strings.TrimSpace(receipt.OrderNumber) == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveReceipt"); err != nil {
		return nil, err
	}

	if existing, ok := s.receipts[receipt.OrderNumber]; ok {
		cloned := cloneReceipt(existing)
		return &cloned, store.ErrDuplicate
	}
	s.receipts[receipt.OrderNumber] = cloneReceipt(receipt)
	cloned := cloneReceipt(receipt)
	return &cloned, nil
}

func (s *Store) GetReceipt(_ context.Context, orderNumber string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetReceipt"); err != nil {
		return nil, err
	}

	receipt, ok := s.receipts[orderNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneReceipt(receipt)
	return &cloned, nil
}

func (s *Store) MarkReceiptSynced(_ context.Context, orderNumber string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("MarkReceiptSynced"); err != nil {
		return err
	}

	receipt, ok := s.receipts[orderNumber]
	if !ok {
		return store.ErrNotFound
	}
	receipt.SyncStatus = domain.SyncStatusSynced
	receipt.SyncedAt = &at
	s.receipts[orderNumber] = receipt
	return nil
}

func (s *Store) GetRuleSet(_ context.Context, storeID string) (*domain.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetRuleSet"); err != nil {
		return nil, err
	}

	rules, ok := s.ruleSets[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneRuleSet(rules)
	return &cloned, nil
}

func (s *Store) SaveRuleSet(_ context.Context, rules domain.RuleSet) error {
	if strings.TrimSpace(rules.StoreID) == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveRuleSet"); err != nil {
		return err
	}

	if rules.UpdatedAt.IsZero() {
		rules.UpdatedAt = time.Now().UTC()
	}
	s.ruleSets[rules.StoreID] = cloneRuleSet(rules)
	return nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.StoreID) == "" || strings.TrimSpace(shift.TerminalID) == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateShift"); err != nil {
		return nil, err
	}

	key := shiftMapKey(shift.StoreID, shift.TerminalID)
	if _, exists := s.activeShiftByKey[key]; exists {
		return nil, store.ErrConflict
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

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByKey[key] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CloseActiveShift(_ context.Context, storeID string, terminalID string, closingCashCents int64, closedAt time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CloseActiveShift"); err != nil {
		return nil, err
	}

	key := shiftMapKey(storeID, terminalID)
	shiftID, exists := s.activeShiftByKey[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift := s.shiftsByID[shiftID]
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingCashCents = closingCashCents
	shift.ClosedAt = &closedAt

	delete(s.activeShiftByKey, key)
	s.shiftsByID[shiftID] = shift
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetActiveShift(_ context.Context, storeID string, terminalID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetActiveShift"); err != nil {
		return nil, err
	}

	shiftID, exists := s.activeShiftByKey[shiftMapKey(storeID, terminalID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) EnqueueSyncItem(_ context.Context, item domain.SyncQueueItem) (*domain.SyncQueueItem, error) {
	if strings.TrimSpace(item.IdempotencyKey) == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("EnqueueSyncItem"); err != nil {
		return nil, err
	}

	if id, exists := s.syncKeys[item.IdempotencyKey]; exists {
		existing := cloneSyncItem(s.syncItems[id])
		return &existing, nil
	}
	if item.ID == "" {
		item.ID = xid.New("sync")
	}
	s.syncItems[item.ID] = cloneSyncItem(item)
	s.syncKeys[item.IdempotencyKey] = item.ID
	s.syncSeq = append(s.syncSeq, item.ID)
	cloned := cloneSyncItem(item)
	return &cloned, nil
}

// ListSyncItems returns items in insertion order.
func (s *Store) ListSyncItems(_ context.Context, limit int) ([]domain.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ListSyncItems"); err != nil {
		return nil, err
	}

	out := make([]domain.SyncQueueItem, 0, len(s.syncSeq))
	for _, id := range s.syncSeq {
		out = append(out, cloneSyncItem(s.syncItems[id]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListDueSyncItems(_ context.Context, now time.Time, limit int) ([]domain.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ListDueSyncItems"); err != nil {
		return nil, err
	}

	out := make([]domain.SyncQueueItem, 0)
	for _, id := range s.syncSeq {
		item := s.syncItems[id]
		if item.Status != domain.SyncItemPending || item.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, cloneSyncItem(item))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSyncItem(_ context.Context, id string) (*domain.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetSyncItem"); err != nil {
		return nil, err
	}

	item, ok := s.syncItems[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSyncItem(item)
	return &cloned, nil
}

func (s *Store) UpdateSyncItem(_ context.Context, item domain.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateSyncItem"); err != nil {
		return err
	}

	existing, ok := s.syncItems[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = item.Status
	existing.AttemptCount = item.AttemptCount
	existing.NextAttemptAt = item.NextAttemptAt
	existing.LastError = item.LastError
	existing.LastAttemptAt = item.LastAttemptAt
	s.syncItems[item.ID] = existing
	return nil
}

func (s *Store) DeleteSyncItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("DeleteSyncItem"); err != nil {
		return err
	}

	item, ok := s.syncItems[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.syncItems, id)
	delete(s.syncKeys, item.IdempotencyKey)
	for i, seqID := range s.syncSeq {
		if seqID == id {
			s.syncSeq = append(s.syncSeq[:i], s.syncSeq[i+1:]...)
			break
		}
	}
	return nil
}

// Products lists the catalog sorted by id. Only used by dev tooling and tests.
func (s *Store) Products() []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func shiftMapKey(storeID string, terminalID string) string {
	return strings.TrimSpace(storeID) + "|" + strings.TrimSpace(terminalID)
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	if src.MemberPriceCents != nil {
		v := *src.MemberPriceCents
		dst.MemberPriceCents = &v
	}
	if src.Recipe != nil {
		recipe := *src.Recipe
		recipe.Ingredients = append([]domain.RecipeIngredient(nil), src.Recipe.Ingredients...)
		dst.Recipe = &recipe
	}
	return dst
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dst := src
	if src.MembershipExpiresAt != nil {
		v := *src.MembershipExpiresAt
		dst.MembershipExpiresAt = &v
	}
	return dst
}

func cloneReceipt(src domain.Receipt) domain.Receipt {
	dst := src
	dst.Lines = append([]domain.CartLine(nil), src.Lines...)
	dst.AppliedDiscounts = append([]domain.AppliedDiscount(nil), src.AppliedDiscounts...)
	dst.Cashback.Lines = append([]domain.LinePoints(nil), src.Cashback.Lines...)
	return dst
}

func cloneRuleSet(src domain.RuleSet) domain.RuleSet {
	dst := src
	dst.CashbackRules = append([]domain.CashbackRule(nil), src.CashbackRules...)
	dst.Discounts = append([]domain.Discount(nil), src.Discounts...)
	return dst
}

func cloneSyncItem(src domain.SyncQueueItem) domain.SyncQueueItem {
	dst := src
	dst.Payload = append([]byte(nil), src.Payload...)
	return dst
}
