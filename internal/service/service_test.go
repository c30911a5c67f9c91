package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/memory"
	"kasirinaja/terminal/internal/syncqueue"
	"kasirinaja/terminal/internal/telemetry"
)

type fakePrinter struct {
	fail    bool
	printed []string
}

func (p *fakePrinter) Print(_ context.Context, receipt domain.Receipt) error {
	if p.fail {
		return errors.New("paper out")
	}
	p.printed = append(p.printed, receipt.OrderNumber)
	return nil
}

type fixture struct {
	svc     *Service
	remote  *memory.Store
	local   *memory.Store
	printer *fakePrinter
	spans   *tracetest.SpanRecorder
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T, policy ledger.Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	remote, local := memory.New(), memory.New()

	yearAhead := time.Now().UTC().AddDate(1, 0, 0)
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	soon := time.Now().UTC().Add(48 * time.Hour)
	products := []domain.Product{
		{ID: "SKU-A", Name: "Nasi Box", CategoryID: "food", PriceCents: 500, TrackStock: true, Stock: decimal.NewFromInt(20), Active: true},
		{ID: "SKU-COLA", Name: "Cola", CategoryID: "beverage", PriceCents: 300, TrackStock: true, Stock: decimal.NewFromInt(10), Active: true},
		{ID: "SKU-COMBO", Name: "Combo", CategoryID: "bundle", PriceCents: 700, TrackStock: true, Stock: decimal.NewFromInt(5), Active: true,
			Recipe: &domain.Recipe{Ingredients: []domain.RecipeIngredient{{IngredientProductID: "SKU-COLA", QuantityPerUnit: decimal.NewFromInt(1)}}}},
		{ID: "SKU-BAG", Name: "Bag", CategoryID: "misc", PriceCents: 100, TrackStock: false, Active: true},
	}
	customers := []domain.Customer{
		{ID: "CUST-1", Name: "Sari", MembershipExpiresAt: &yearAhead},
		{ID: "CUST-EXPIRED", Name: "Lapsed", MembershipExpiresAt: &yesterday},
		{ID: "CUST-SOON", Name: "Soon", MembershipExpiresAt: &soon},
		{ID: "CUST-WALKIN", Name: "Walk-in", NonMember: true},
	}
	rules := domain.RuleSet{
		StoreID: "main-store",
		CashbackRules: []domain.CashbackRule{
			{ID: "cb-total", Name: "1 point per 100", Scope: domain.ScopeCartTotal, Formula: "line.line_total / 100", Active: true},
		},
		Discounts: []domain.Discount{
			{ID: "d10", Name: "Hemat 10%", Kind: domain.DiscountPercentage, Percent: 10, Active: true},
			{ID: "d-big", Name: "Big basket", Kind: domain.DiscountFixedAmount, AmountCents: 100, MinPurchaseCents: 5000, Active: true},
		},
	}
	for _, s := range []*memory.Store{remote, local} {
		for _, p := range products {
			if err := s.UpsertProduct(ctx, p); err != nil {
				t.Fatalf("seed product: %v", err)
			}
		}
		for _, c := range customers {
			if err := s.UpsertCustomer(ctx, c); err != nil {
				t.Fatalf("seed customer: %v", err)
			}
		}
		if err := s.AppendPointEntry(ctx, domain.PointLedgerEntry{ID: "pts-opening", CustomerID: "CUST-1", Type: domain.PointsAdminAdd, Amount: 120, Source: domain.PointSourceAdmin}); err != nil {
			t.Fatalf("seed points: %v", err)
		}
	}
	if err := remote.SaveRuleSet(ctx, rules); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	spans := tracetest.NewSpanRecorder()
	tel, err := telemetry.NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(),
	)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}

	prn := &fakePrinter{}
	svc, err := New(remote, local, Options{
		StoreID:    "main-store",
		TerminalID: "T1",
		Ledger:     policy,
		Sync:       syncqueue.Policy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2},
		Printer:    prn,
		Telemetry:  tel,
		Log:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, remote: remote, local: local, printer: prn, spans: spans}
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir", Role: domain.RoleCashier})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func (f *fixture) openShift(t *testing.T) {
	t.Helper()
	if _, err := f.svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCashCents: 50000}); err != nil {
		t.Fatalf("open shift: %v", err)
	}
}

func line(productID string, qty int64) domain.CartLineRequest {
	return domain.CartLineRequest{ProductID: productID, Quantity: decimal.NewFromInt(qty)}
}

func cashCheckout(orderNumber string, cash int64, lines ...domain.CartLineRequest) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		CartRequest:       domain.CartRequest{Lines: lines},
		OrderNumber:       orderNumber,
		PaymentMethod:     domain.PaymentCash,
		CashReceivedCents: cash,
	}
}

func stockOf(t *testing.T, s *memory.Store, id string) string {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return p.Stock.String()
}

func balanceOf(t *testing.T, s *memory.Store, customerID string) int64 {
	t.Helper()
	entries, err := s.ListPointEntries(context.Background(), customerID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return ledger.Balance(entries)
}

func hasWarning(warnings []domain.Warning, code string) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func validationCode(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}

func TestCheckoutRequiresOpenShift(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})

	resp, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-NOSHIFT", 1000, line("SKU-A", 1)))
	if validationCode(err) != domain.CodeNoOpenShift {
		t.Fatalf("expected no_open_shift, got %v", err)
	}
	if resp.State != string(StateRejected) {
		t.Fatalf("expected rejected state, got %s", resp.State)
	}
	if _, err := f.remote.GetReceipt(context.Background(), "ORD-NOSHIFT"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no receipt may exist after a rejected checkout")
	}
}

func TestCheckoutStackedDiscounts(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("ORD-A", 1000, line("SKU-A", 2))
	req.DiscountIDs = []string{"d10"}
	req.AdHocDiscounts = []domain.AdHocDiscountRequest{{Name: "Manager 50", Kind: domain.DiscountFixedAmount, AmountCents: 50}}

	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	r := resp.Receipt
	if r.SubtotalCents != 1000 || r.DiscountCents != 150 || r.TotalCents != 850 {
		t.Fatalf("expected 1000/150/850, got %d/%d/%d", r.SubtotalCents, r.DiscountCents, r.TotalCents)
	}
	if r.ChangeCents != 150 || r.PayableCents != 850 {
		t.Fatalf("unexpected payment figures: payable=%d change=%d", r.PayableCents, r.ChangeCents)
	}
	if len(r.AppliedDiscounts) != 2 {
		t.Fatalf("expected both discounts applied, got %+v", r.AppliedDiscounts)
	}
	if resp.State != string(StateCompleted) || r.SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("expected synced completion, got %s/%s", resp.State, r.SyncStatus)
	}
}

func TestCheckoutRedeemsAndEarnsPoints(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("ORD-B", 800, line("SKU-A", 2))
	req.DiscountIDs = []string{"d10"}
	req.AdHocDiscounts = []domain.AdHocDiscountRequest{{Name: "Manager 50", Kind: domain.DiscountFixedAmount, AmountCents: 50}}
	req.CustomerID = "CUST-1"
	req.PointsToUse = 50

	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Receipt.PayableCents != 800 || resp.Receipt.ValueRedeemedCents != 50 {
		t.Fatalf("expected payable 800 after redeeming 50, got %d", resp.Receipt.PayableCents)
	}
	// cart-total rule: floor(line_total/100) on a line total of 1000.
	if resp.Receipt.PointsEarned != 10 {
		t.Fatalf("expected 10 points earned, got %d", resp.Receipt.PointsEarned)
	}

	entries, err := f.remote.ListPointEntries(context.Background(), "CUST-1")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	var redeemed *domain.PointLedgerEntry
	for i := range entries {
		if entries[i].Type == domain.PointsRedeemed {
			redeemed = &entries[i]
		}
	}
	if redeemed == nil || redeemed.Amount != -50 || redeemed.ValueRedeemedCents != 50 || redeemed.ReceiptNumber != "ORD-B" {
		t.Fatalf("unexpected redeemed entry: %+v", redeemed)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 120-50+10 {
		t.Fatalf("expected remote balance 80, got %d", got)
	}
	if got := balanceOf(t, f.local, "CUST-1"); got != 80 {
		t.Fatalf("expected mirrored balance 80, got %d", got)
	}
}

func TestEarnWhileRedeemingDisabled(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: false})
	f.openShift(t)

	req := cashCheckout("ORD-NOEARN", 1000, line("SKU-A", 2))
	req.CustomerID = "CUST-1"
	req.PointsToUse = 20

	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Receipt.PointsEarned != 0 {
		t.Fatalf("earning must be suppressed while redeeming, got %d", resp.Receipt.PointsEarned)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 100 {
		t.Fatalf("expected balance 100, got %d", got)
	}
}

func TestRedemptionGuards(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("ORD-OVER", 1000, line("SKU-A", 2))
	req.CustomerID = "CUST-1"
	req.PointsToUse = 121
	if _, err := f.svc.Checkout(cashierCtx(), req); validationCode(err) != domain.CodeInsufficientPoints {
		t.Fatalf("expected insufficient_points, got %v", err)
	}

	req = cashCheckout("ORD-VALUE", 100, line("SKU-BAG", 1))
	req.CustomerID = "CUST-1"
	req.PointsToUse = 101
	if _, err := f.svc.Checkout(cashierCtx(), req); validationCode(err) != domain.CodeRedemptionExceedsTotal {
		t.Fatalf("expected redemption_exceeds_total, got %v", err)
	}

	req = cashCheckout("ORD-NOCUST", 1000, line("SKU-A", 1))
	req.PointsToUse = 1
	if _, err := f.svc.Checkout(cashierCtx(), req); validationCode(err) != domain.CodeCustomerRequired {
		t.Fatalf("expected customer_required, got %v", err)
	}

	if got := balanceOf(t, f.remote, "CUST-1"); got != 120 {
		t.Fatalf("rejected checkouts must not touch the ledger, balance %d", got)
	}
}

func TestRecipeStockDeduction(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	if _, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-C", 1400, line("SKU-COMBO", 2), line("SKU-BAG", 1))); err == nil {
		t.Fatalf("expected insufficient cash for 1500")
	}
	resp, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-C", 1500, line("SKU-COMBO", 2), line("SKU-BAG", 1)))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", resp.Warnings)
	}

	for _, s := range []*memory.Store{f.remote, f.local} {
		if got := stockOf(t, s, "SKU-COLA"); got != "8" {
			t.Fatalf("expected cola stock 8, got %s", got)
		}
		if got := stockOf(t, s, "SKU-COMBO"); got != "5" {
			t.Fatalf("combo stock must be unchanged, got %s", got)
		}
	}

	history, err := f.svc.StockHistory(context.Background(), "SKU-COLA", 10)
	if err != nil {
		t.Fatalf("stock history: %v", err)
	}
	if len(history) != 1 || history[0].SoldProductID != "SKU-COMBO" || history[0].ReferenceID != "ORD-C" || history[0].Actor != "kasir" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if bag, _ := f.svc.StockHistory(context.Background(), "SKU-BAG", 10); len(bag) != 0 {
		t.Fatalf("untracked products must not get history")
	}
}

func TestExpiredMembershipRejectedBeforeWrites(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("ORD-D", 1000, line("SKU-A", 1))
	req.CustomerID = "CUST-EXPIRED"
	resp, err := f.svc.Checkout(cashierCtx(), req)
	if validationCode(err) != domain.CodeMembershipExpired {
		t.Fatalf("expected membership_expired, got %v", err)
	}
	if resp.State != string(StateRejected) {
		t.Fatalf("expected rejected, got %s", resp.State)
	}
	for _, s := range []*memory.Store{f.remote, f.local} {
		if _, err := s.GetReceipt(context.Background(), "ORD-D"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("receipt must not exist")
		}
		if got := stockOf(t, s, "SKU-A"); got != "20" {
			t.Fatalf("stock must be untouched, got %s", got)
		}
	}
}

func TestMembershipExpiringSoonWarns(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("", 500, line("SKU-A", 1))
	req.CustomerID = "CUST-SOON"
	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !hasWarning(resp.Warnings, domain.WarnMembershipExpiring) {
		t.Fatalf("expected expiring warning, got %+v", resp.Warnings)
	}
	if resp.Receipt.OrderNumber == "" {
		t.Fatalf("expected a generated order number")
	}
}

func TestNonMemberEarnsNothing(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	req := cashCheckout("ORD-WALKIN", 1000, line("SKU-A", 2))
	req.CustomerID = "CUST-WALKIN"
	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Receipt.PointsEarned != 0 || balanceOf(t, f.remote, "CUST-WALKIN") != 0 {
		t.Fatalf("non-members do not earn")
	}
}

func TestOfflineCheckoutQueuesAndSyncsOnce(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)
	ctx := context.Background()
	if _, err := f.svc.ruleSet(ctx); err != nil {
		t.Fatalf("warm rules: %v", err)
	}

	f.remote.SetUnavailable(true)
	req := cashCheckout("ORD-OFF", 500, line("SKU-A", 1))
	req.CustomerID = "CUST-1"
	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("offline checkout must complete: %v", err)
	}
	if resp.Receipt.SyncStatus != domain.SyncStatusPending || !hasWarning(resp.Warnings, domain.WarnSyncPending) {
		t.Fatalf("expected pending receipt with warning, got %s %+v", resp.Receipt.SyncStatus, resp.Warnings)
	}
	if got := stockOf(t, f.local, "SKU-A"); got != "19" {
		t.Fatalf("local stock should be deducted, got %s", got)
	}
	if got := balanceOf(t, f.local, "CUST-1"); got != 125 {
		t.Fatalf("local balance should include earned points, got %d", got)
	}

	items, err := f.svc.SyncQueue(ctx)
	if err != nil || len(items) != 1 || items[0].Type != domain.SyncTypeReceipt {
		t.Fatalf("expected one queued receipt, got %+v (%v)", items, err)
	}
	queued := items[0]

	f.remote.SetUnavailable(false)
	if got := stockOf(t, f.remote, "SKU-A"); got != "20" {
		t.Fatalf("remote untouched while offline, got %s", got)
	}

	report, err := f.svc.FlushSync(ctx)
	if err != nil || report.Acknowledged != 1 {
		t.Fatalf("expected one acknowledged item, got %+v (%v)", report, err)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "19" {
		t.Fatalf("remote stock after sync should be 19, got %s", got)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 125 {
		t.Fatalf("remote balance after sync should be 125, got %d", got)
	}
	local, err := f.local.GetReceipt(ctx, "ORD-OFF")
	if err != nil || local.SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("local receipt should be marked synced: %+v (%v)", local, err)
	}
	if items, _ := f.svc.SyncQueue(ctx); len(items) != 0 {
		t.Fatalf("acknowledged item must be removed, got %d", len(items))
	}

	// An acknowledged item delivered again must not deduct or earn twice.
	if _, err := f.local.EnqueueSyncItem(ctx, queued); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	report, err = f.svc.FlushSync(ctx)
	if err != nil || report.Acknowledged != 1 {
		t.Fatalf("replay should be acknowledged, got %+v (%v)", report, err)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "19" {
		t.Fatalf("replay deducted stock again: %s", got)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 125 {
		t.Fatalf("replay changed the balance: %d", got)
	}
}

func TestQueuedOfflineRedemptionCountsAgainstBalance(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: false})
	f.openShift(t)
	ctx := context.Background()
	if _, err := f.svc.ruleSet(ctx); err != nil {
		t.Fatalf("warm rules: %v", err)
	}

	f.remote.SetUnavailable(true)
	offline := cashCheckout("ORD-OFF1", 1000, line("SKU-A", 1))
	offline.CustomerID = "CUST-1"
	offline.PointsToUse = 100
	if _, err := f.svc.Checkout(cashierCtx(), offline); err != nil {
		t.Fatalf("offline redemption: %v", err)
	}
	f.remote.SetUnavailable(false)

	again := cashCheckout("ORD-ON2", 1000, line("SKU-A", 1))
	again.CustomerID = "CUST-1"
	again.PointsToUse = 100
	if _, err := f.svc.Checkout(cashierCtx(), again); validationCode(err) != domain.CodeInsufficientPoints {
		t.Fatalf("expected insufficient_points while 100 points are still queued, got %v", err)
	}
	if _, err := f.svc.AdjustPoints(adminCtx(), ledger.AdjustRequest{CustomerID: "CUST-1", Type: domain.PointsAdminReduce, Points: 50, Reason: "correction"}); validationCode(err) != domain.CodeInsufficientPoints {
		t.Fatalf("expected admin reduction to see queued debits, got %v", err)
	}

	quote, err := f.svc.Quote(ctx, domain.CartRequest{Lines: []domain.CartLineRequest{line("SKU-A", 1)}, CustomerID: "CUST-1"})
	if err != nil || quote.PointBalance == nil || *quote.PointBalance != 20 {
		t.Fatalf("expected available balance 20, got %+v (%v)", quote.PointBalance, err)
	}

	again.PointsToUse = 20
	if _, err := f.svc.Checkout(cashierCtx(), again); err != nil {
		t.Fatalf("redeeming the remaining 20 points: %v", err)
	}

	report, err := f.svc.FlushSync(ctx)
	if err != nil || report.Acknowledged != 1 || report.Failed != 0 {
		t.Fatalf("queued redemption should sync cleanly, got %+v (%v)", report, err)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 0 {
		t.Fatalf("expected remote balance 0, got %d", got)
	}
	if items, _ := f.svc.SyncQueue(ctx); len(items) != 0 {
		t.Fatalf("expected empty queue, got %+v", items)
	}
}

func TestFailedSecondaryEffectsBecomeCompensatingTasks(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)
	ctx := context.Background()

	f.remote.SetFault(func(op string) error {
		if op == "ApplyStockMovement" || op == "AppendPointEntry" {
			return errors.New("disk full")
		}
		return nil
	})
	req := cashCheckout("ORD-COMP", 1000, line("SKU-A", 2))
	req.CustomerID = "CUST-1"
	resp, err := f.svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("secondary failures must not fail the sale: %v", err)
	}
	if resp.Receipt.SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("receipt itself was committed remotely")
	}
	if !hasWarning(resp.Warnings, domain.WarnStockFailed) || !hasWarning(resp.Warnings, domain.WarnLedgerFailed) {
		t.Fatalf("expected stock and ledger warnings, got %+v", resp.Warnings)
	}

	items, err := f.svc.SyncQueue(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("expected two compensating tasks, got %+v (%v)", items, err)
	}
	if items[0].Type != domain.SyncTypeStockMovement || items[1].Type != domain.SyncTypePointEntry {
		t.Fatalf("unexpected task order: %s, %s", items[0].Type, items[1].Type)
	}

	f.remote.SetFault(nil)
	report, err := f.svc.FlushSync(ctx)
	if err != nil || report.Acknowledged != 2 {
		t.Fatalf("expected both tasks acknowledged, got %+v (%v)", report, err)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "18" {
		t.Fatalf("remote stock should be 18 after compensation, got %s", got)
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 130 {
		t.Fatalf("remote balance should be 130 after compensation, got %d", got)
	}
}

func TestDuplicateOrderNumberReturnsStoredReceipt(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	first, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-DUP", 1000, line("SKU-A", 2)))
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-DUP", 1000, line("SKU-A", 2)))
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !second.Duplicate || !second.Receipt.CreatedAt.Equal(first.Receipt.CreatedAt) {
		t.Fatalf("expected the stored receipt back")
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "18" {
		t.Fatalf("stock deducted more than once: %s", got)
	}
}

func TestOrderNumberOfAnotherSaleIsRejected(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)
	ctx := context.Background()
	if _, err := f.svc.ruleSet(ctx); err != nil {
		t.Fatalf("warm rules: %v", err)
	}

	foreign := func(orderNumber string) {
		t.Helper()
		_, err := f.remote.SaveReceipt(ctx, domain.Receipt{
			OrderNumber: orderNumber, StoreID: "main-store", TerminalID: "T2", PaymentMethod: domain.PaymentCash,
			Lines:      []domain.CartLine{{ProductID: "SKU-BAG", Quantity: decimal.NewFromInt(1), LineTotalCents: 100}},
			TotalCents: 100, PayableCents: 100, SyncStatus: domain.SyncStatusSynced, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("save foreign receipt: %v", err)
		}
	}

	foreign("ORD-TAKEN")
	resp, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-TAKEN", 500, line("SKU-A", 1)))
	if validationCode(err) != domain.CodeOrderNumberTaken || resp.State != string(StateRejected) {
		t.Fatalf("expected rejected order_number_taken, got %s %v", resp.State, err)
	}
	if _, err := f.local.GetReceipt(ctx, "ORD-TAKEN"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign receipt must not be mirrored locally, got %v", err)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "20" {
		t.Fatalf("rejected sale deducted stock: %s", got)
	}

	f.remote.SetUnavailable(true)
	if _, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-CLASH", 500, line("SKU-A", 1))); err != nil {
		t.Fatalf("offline checkout: %v", err)
	}
	f.remote.SetUnavailable(false)
	foreign("ORD-CLASH")

	report, err := f.svc.FlushSync(ctx)
	if err != nil || report.Failed != 1 || report.Acknowledged != 0 {
		t.Fatalf("clashing offline sale should fail permanently, got %+v (%v)", report, err)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "20" {
		t.Fatalf("clashing sale must not touch remote stock: %s", got)
	}
}

func TestLocalMirrorFailureIsFatalAndRetrySafe(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	f.local.SetFault(func(op string) error {
		if op == "SaveReceipt" {
			return errors.New("disk io error")
		}
		return nil
	})
	resp, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-FATAL", 500, line("SKU-A", 1)))
	var fatal *domain.FatalLocalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalLocalError, got %v", err)
	}
	if resp.State != string(StateFailed) || resp.Receipt.OrderNumber != "ORD-FATAL" {
		t.Fatalf("expected failed state carrying the order number, got %+v", resp)
	}

	f.local.SetFault(nil)
	resp, err = f.svc.Checkout(cashierCtx(), cashCheckout("ORD-FATAL", 500, line("SKU-A", 1)))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if resp.Receipt.SyncStatus != domain.SyncStatusSynced || !resp.Duplicate {
		t.Fatalf("retry should reuse the remote receipt, got duplicate=%v", resp.Duplicate)
	}
	if got := stockOf(t, f.remote, "SKU-A"); got != "19" {
		t.Fatalf("retry must not deduct twice, got %s", got)
	}
	if got := stockOf(t, f.local, "SKU-A"); got != "19" {
		t.Fatalf("local mirror should catch up, got %s", got)
	}
}

func TestCheckoutSpansFollowPipeline(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	f.openShift(t)

	if _, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-SPAN", 500, line("SKU-A", 1))); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	var names []string
	for _, span := range f.spans.Ended() {
		names = append(names, span.Name())
	}
	want := []string{
		"checkout.validating_shift", "checkout.validating_eligibility", "checkout.computing_totals",
		"checkout.committing_receipt", "checkout.deducting_stock", "checkout.updating_ledger",
		"checkout.persisting_local_mirror",
	}
	if len(names) != len(want) {
		t.Fatalf("expected spans %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("span %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestQuoteHasNoSideEffects(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})

	quote, err := f.svc.Quote(context.Background(), domain.CartRequest{
		Lines:       []domain.CartLineRequest{line("SKU-A", 2)},
		DiscountIDs: []string{"d10"},
		CustomerID:  "CUST-1",
		PointsToUse: 50,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.TotalCents != 900 || quote.PayableCents != 850 || quote.PointsEarnable != 10 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if quote.PointBalance == nil || *quote.PointBalance != 120 {
		t.Fatalf("expected balance 120 in quote")
	}
	if got := balanceOf(t, f.remote, "CUST-1"); got != 120 {
		t.Fatalf("quote touched the ledger")
	}

	_, err = f.svc.Quote(context.Background(), domain.CartRequest{
		Lines:       []domain.CartLineRequest{line("SKU-A", 1)},
		DiscountIDs: []string{"d-big"},
	})
	if validationCode(err) != domain.CodeDiscountNotApplicable {
		t.Fatalf("expected discount_not_applicable, got %v", err)
	}

	_, err = f.svc.Quote(context.Background(), domain.CartRequest{Lines: []domain.CartLineRequest{{ProductID: "SKU-A", Quantity: decimal.RequireFromString("1.5")}}})
	if validationCode(err) != domain.CodeInvalidRequest {
		t.Fatalf("fractional quantity on a unit product must be rejected, got %v", err)
	}
	if _, err = f.svc.Quote(context.Background(), domain.CartRequest{}); validationCode(err) != domain.CodeEmptyCart {
		t.Fatalf("expected empty_cart, got %v", err)
	}
}

type recordingCache struct {
	cache.NoopRuleSetCache
	stored *domain.RuleSet
	sets   int
}

func (c *recordingCache) Get(_ context.Context, _ string) (*domain.RuleSet, bool, error) {
	return c.stored, c.stored != nil, nil
}

func (c *recordingCache) Set(_ context.Context, rules *domain.RuleSet, _ time.Duration) error {
	c.sets++
	c.stored = rules
	return nil
}

func TestRuleSetServedFromCacheAndMirrored(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	rc := &recordingCache{}
	f.svc.rules = rc
	ctx := context.Background()

	rules, err := f.svc.ruleSet(ctx)
	if err != nil || len(rules.Discounts) != 2 {
		t.Fatalf("expected remote rules, got %+v (%v)", rules, err)
	}
	if rc.sets != 1 {
		t.Fatalf("expected cache fill, got %d sets", rc.sets)
	}
	if _, err := f.local.GetRuleSet(ctx, "main-store"); err != nil {
		t.Fatalf("rules should be mirrored locally: %v", err)
	}

	f.remote.SetUnavailable(true)
	if _, err := f.svc.ruleSet(ctx); err != nil || rc.sets != 1 {
		t.Fatalf("second read should hit the cache")
	}

	rc.stored = nil
	rules, err = f.svc.ruleSet(ctx)
	if err != nil || len(rules.Discounts) != 2 {
		t.Fatalf("local mirror should answer while remote is down: %v", err)
	}
}

func TestAdjustPoints(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})

	req := ledger.AdjustRequest{CustomerID: "CUST-1", Type: domain.PointsAdminReduce, Points: 20, Reason: "correction"}
	if _, err := f.svc.AdjustPoints(cashierCtx(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashiers may not adjust points, got %v", err)
	}

	entry, err := f.svc.AdjustPoints(adminCtx(), req)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.Amount != -20 || entry.AdjustedBy != "admin" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	req.Points = 500
	if _, err := f.svc.AdjustPoints(adminCtx(), req); validationCode(err) != domain.CodeInsufficientPoints {
		t.Fatalf("expected insufficient_points, got %v", err)
	}
	req.Reason = ""
	if _, err := f.svc.AdjustPoints(adminCtx(), req); validationCode(err) != domain.CodeInvalidRequest {
		t.Fatalf("expected invalid_request for missing reason, got %v", err)
	}

	view, err := f.svc.CustomerPoints(context.Background(), "CUST-1")
	if err != nil || view.Balance != 100 || view.Stale {
		t.Fatalf("expected balance 100, got %+v (%v)", view, err)
	}
	if view.Entries[0].ID != entry.ID {
		t.Fatalf("newest entry should come first")
	}
}

func TestAdjustPointsOfflineIsQueued(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1, EarnWhileRedeeming: true})
	ctx := context.Background()
	f.remote.SetUnavailable(true)

	entry, err := f.svc.AdjustPoints(adminCtx(), ledger.AdjustRequest{CustomerID: "CUST-1", Type: domain.PointsAdminAdd, Points: 5, Reason: "goodwill"})
	if err != nil {
		t.Fatalf("offline adjust: %v", err)
	}
	view, err := f.svc.CustomerPoints(ctx, "CUST-1")
	if err != nil || !view.Stale || view.Balance != 125 {
		t.Fatalf("expected stale local balance 125, got %+v (%v)", view, err)
	}

	f.remote.SetUnavailable(false)
	if report, err := f.svc.FlushSync(ctx); err != nil || report.Acknowledged != 1 {
		t.Fatalf("expected queued adjustment to sync, got %+v (%v)", report, err)
	}
	entries, _ := f.remote.ListPointEntries(ctx, "CUST-1")
	if entries[0].ID != entry.ID {
		t.Fatalf("adjustment missing remotely")
	}
}

func TestShiftLifecycle(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1})
	ctx := cashierCtx()

	if _, err := f.svc.CloseShift(ctx, domain.ShiftCloseRequest{}); validationCode(err) != domain.CodeNoOpenShift {
		t.Fatalf("expected no_open_shift, got %v", err)
	}
	f.openShift(t)
	if _, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for a second shift, got %v", err)
	}
	active, err := f.svc.ActiveShift(ctx)
	if err != nil || active.CashierName != "kasir" {
		t.Fatalf("unexpected active shift %+v (%v)", active, err)
	}
	closed, err := f.svc.CloseShift(ctx, domain.ShiftCloseRequest{ClosingCashCents: 75000})
	if err != nil || closed.Status != domain.ShiftStatusClosed {
		t.Fatalf("close: %+v (%v)", closed, err)
	}
	if _, err := f.svc.OpenShift(context.Background(), domain.ShiftOpenRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("opening a shift needs an operator")
	}
}

func TestPrintReceiptReportsPrinterFailure(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1})
	f.openShift(t)
	if _, err := f.svc.Checkout(cashierCtx(), cashCheckout("ORD-PRINT", 500, line("SKU-A", 1))); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	result, err := f.svc.PrintReceipt(context.Background(), "ORD-PRINT")
	if err != nil || !result.Accepted || len(f.printer.printed) != 1 {
		t.Fatalf("expected accepted print, got %+v (%v)", result, err)
	}

	f.printer.fail = true
	result, err = f.svc.PrintReceipt(context.Background(), "ORD-PRINT")
	if err != nil || result.Accepted {
		t.Fatalf("printer failure must be reported in the result, got %+v (%v)", result, err)
	}

	if _, err := f.svc.PrintReceipt(context.Background(), "ORD-MISSING"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetrySyncItemNeedsAdmin(t *testing.T) {
	f := newFixture(t, ledger.Policy{PointValueCents: 1})
	if _, err := f.svc.RetrySyncItem(cashierCtx(), "sync-x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.RetrySyncItem(adminCtx(), "sync-x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
