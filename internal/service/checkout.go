package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/stock"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// State is a step of the checkout pipeline.
type State string

const (
	StateValidatingShift       State = "validating_shift"
	StateValidatingEligibility State = "validating_eligibility"
	StateComputingTotals       State = "computing_totals"
	StateCommittingReceipt     State = "committing_receipt"
	StateDeductingStock        State = "deducting_stock"
	StateUpdatingLedger        State = "updating_ledger"
	StatePersistingLocalMirror State = "persisting_local_mirror"
	StateEnqueueingSync        State = "enqueueing_sync"
	StateCompleted             State = "completed"
	StateRejected              State = "rejected"
	StateFailed                State = "failed"
)

// checkoutRun carries one checkout through the pipeline.
type checkoutRun struct {
	req      domain.CheckoutRequest
	actor    string
	now      time.Time
	state    State
	shift    domain.Shift
	customer *domain.Customer
	priced   *pricedCart
	receipt  domain.Receipt

	movements       []domain.StockMovement
	entries         []domain.PointLedgerEntry
	committedRemote bool
	duplicate       bool
	warnings        []domain.Warning
	log             logrus.FieldLogger
}

type stage struct {
	state State
	run   func(ctx context.Context, run *checkoutRun) error
	// when, if set, decides whether the stage is entered at all.
	when func(run *checkoutRun) bool
}

func (s *Service) pipeline() []stage {
	return []stage{
		{state: StateValidatingShift, run: s.validateShift},
		{state: StateValidatingEligibility, run: s.validateEligibility},
		{state: StateComputingTotals, run: s.computeTotals},
		{state: StateCommittingReceipt, run: s.commitReceipt},
		{state: StateDeductingStock, run: s.deductStock},
		{state: StateUpdatingLedger, run: s.updateLedger},
		{state: StatePersistingLocalMirror, run: s.persistLocalMirror},
		{state: StateEnqueueingSync, run: s.enqueueSync, when: func(run *checkoutRun) bool { return !run.committedRemote }},
	}
}

// Checkout turns a cart into a committed sale. Validation failures end in
// Rejected with nothing written; once the receipt is committed only a failed
// local mirror write can fail the checkout.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	s.checkoutMu.Lock()
	defer s.checkoutMu.Unlock()

	run := &checkoutRun{
		req:      req,
		now:      s.now().UTC(),
		warnings: []domain.Warning{},
		log:      s.log,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		run.actor = actor.Username
	}
	if err := s.check(req); err != nil {
		run.state = StateValidatingShift
		return s.abort(ctx, run, err)
	}

	run.req.OrderNumber = strings.TrimSpace(req.OrderNumber)
	if run.req.OrderNumber != "" {
		existing, err := s.local.GetReceipt(ctx, run.req.OrderNumber)
		if err == nil {
			s.log.WithField("order_number", existing.OrderNumber).Info("checkout replayed, returning stored receipt")
			s.telemetry.CheckoutFinished(ctx, "duplicate", 0)
			return domain.CheckoutResponse{Receipt: *existing, State: string(StateCompleted), Duplicate: true, Warnings: []domain.Warning{}}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			run.state = StateValidatingShift
			return s.abort(ctx, run, &domain.FatalLocalError{Op: "read receipt", Err: err})
		}
	}

	for _, st := range s.pipeline() {
		if st.when != nil && !st.when(run) {
			continue
		}
		run.state = st.state
		stageCtx, span := s.telemetry.StartStage(ctx, string(st.state), attribute.String("pos.order_number", run.receipt.OrderNumber))
		err := st.run(stageCtx, run)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(st.state))
		}
		span.End()
		if err != nil {
			return s.abort(ctx, run, err)
		}
	}

	run.state = StateCompleted
	outcome := "synced"
	if !run.committedRemote {
		outcome = "pending"
	}
	s.telemetry.CheckoutFinished(ctx, outcome, len(run.warnings))
	run.log.WithFields(logrus.Fields{
		"total":    run.receipt.TotalCents,
		"payable":  run.receipt.PayableCents,
		"outcome":  outcome,
		"warnings": len(run.warnings),
	}).Info("checkout completed")

	if run.customer != nil {
		s.publishCustomer(*run.customer)
	}
	return domain.CheckoutResponse{Receipt: run.receipt, State: string(StateCompleted), Duplicate: run.duplicate, Warnings: run.warnings}, nil
}

// abort ends the run in Rejected or Failed depending on what went wrong.
func (s *Service) abort(ctx context.Context, run *checkoutRun, err error) (domain.CheckoutResponse, error) {
	failedAt := run.state
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		run.state = StateRejected
		s.telemetry.CheckoutFinished(ctx, "rejected", 0)
		run.log.WithField("stage", failedAt).WithField("code", validationErr.Code).Info("checkout rejected")
	} else {
		run.state = StateFailed
		s.telemetry.CheckoutFinished(ctx, "failed", len(run.warnings))
		run.log.WithError(err).WithField("stage", failedAt).Error("checkout failed")
	}
	return domain.CheckoutResponse{Receipt: run.receipt, State: string(run.state), Warnings: run.warnings}, err
}

func (s *Service) validateShift(ctx context.Context, run *checkoutRun) error {
	shift, err := s.local.GetActiveShift(ctx, s.storeID, s.terminalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NewValidationError(domain.CodeNoOpenShift, "no open shift on terminal %s", s.terminalID)
		}
		return &domain.FatalLocalError{Op: "read shift", Err: err}
	}
	run.shift = *shift
	if run.actor == "" {
		run.actor = shift.CashierName
	}
	return nil
}

func (s *Service) validateEligibility(ctx context.Context, run *checkoutRun) error {
	customerID := strings.TrimSpace(run.req.CustomerID)
	if customerID == "" {
		return nil
	}
	customer, stale, err := s.resolveCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if stale {
		run.warnings = append(run.warnings, domain.Warning{Code: domain.WarnMirrorStale, Message: "customer data from local mirror"})
	}
	warnings, err := s.checkEligibility(customer, run.now)
	if err != nil {
		return err
	}
	run.customer = customer
	run.warnings = append(run.warnings, warnings...)
	return nil
}

func (s *Service) computeTotals(ctx context.Context, run *checkoutRun) error {
	priced, err := s.price(ctx, run.req.CartRequest, run.customer, run.now)
	if err != nil {
		return err
	}
	run.priced = priced
	run.warnings = append(run.warnings, priced.warnings...)

	var change int64
	cashReceived := run.req.CashReceivedCents
	if run.req.PaymentMethod == domain.PaymentCash {
		if cashReceived < priced.payable {
			return domain.NewValidationError(domain.CodeInsufficientCash, "received %d, payable %d", cashReceived, priced.payable)
		}
		change = cashReceived - priced.payable
	} else {
		cashReceived = 0
	}

	orderNumber := run.req.OrderNumber
	if orderNumber == "" {
		orderNumber = xid.OrderNumber(s.terminalID, run.now)
	}
	customerID := ""
	if run.customer != nil {
		customerID = run.customer.ID
	}

	run.receipt = domain.Receipt{
		OrderNumber:        orderNumber,
		StoreID:            s.storeID,
		TerminalID:         s.terminalID,
		ShiftID:            run.shift.ID,
		Cashier:            run.shift.CashierName,
		CustomerID:         customerID,
		Lines:              priced.cart.Lines(),
		SubtotalCents:      priced.totals.SubtotalCents,
		DiscountCents:      priced.totals.DiscountCents,
		AppliedDiscounts:   priced.totals.Applied,
		TotalCents:         priced.totals.TotalCents,
		PointsRedeemed:     priced.pointsToUse,
		ValueRedeemedCents: priced.valueRedeemed,
		PayableCents:       priced.payable,
		Cashback:           priced.cashback,
		PointsEarned:       priced.pointsEarned,
		PaymentMethod:      run.req.PaymentMethod,
		PaymentReference:   strings.TrimSpace(run.req.PaymentReference),
		CashReceivedCents:  cashReceived,
		ChangeCents:        change,
		CreatedAt:          run.now,
	}
	run.log = s.log.WithField("order_number", orderNumber)
	return nil
}

func (s *Service) commitReceipt(ctx context.Context, run *checkoutRun) error {
	syncedAt := s.now().UTC()
	run.receipt.SyncStatus = domain.SyncStatusSynced
	run.receipt.SyncedAt = &syncedAt

	saved, err := s.remote.SaveReceipt(ctx, run.receipt)
	switch {
	case err == nil:
		run.committedRemote = true
	case errors.Is(err, store.ErrDuplicate) && saved != nil:
		if !sameSale(*saved, run.receipt) {
			return domain.NewValidationError(domain.CodeOrderNumberTaken, "order number %s belongs to another sale", run.receipt.OrderNumber)
		}
		run.log.Info("receipt already committed remotely, continuing with stored copy")
		run.receipt = *saved
		run.committedRemote = true
		run.duplicate = true
	default:
		remoteErr := &domain.TransientRemoteError{Op: "save receipt", Err: err}
		run.log.WithError(remoteErr).Warn("remote commit failed, keeping sale offline")
		run.receipt.SyncStatus = domain.SyncStatusPending
		run.receipt.SyncedAt = nil
		run.warnings = append(run.warnings, domain.Warning{Code: domain.WarnSyncPending, Message: "sale saved on this terminal and will sync when the store server is reachable"})
	}
	return nil
}

// sameSale reports whether stored is this sale written by an earlier attempt.
// Prices may have moved between attempts, so only what was sold, to whom and
// how it was paid are compared.
func sameSale(stored, attempt domain.Receipt) bool {
	if stored.StoreID != attempt.StoreID || stored.TerminalID != attempt.TerminalID ||
		stored.CustomerID != attempt.CustomerID || stored.PaymentMethod != attempt.PaymentMethod ||
		stored.PointsRedeemed != attempt.PointsRedeemed || len(stored.Lines) != len(attempt.Lines) {
		return false
	}
	for i := range stored.Lines {
		if stored.Lines[i].ProductID != attempt.Lines[i].ProductID || !stored.Lines[i].Quantity.Equal(attempt.Lines[i].Quantity) {
			return false
		}
	}
	return true
}

func (s *Service) deductStock(ctx context.Context, run *checkoutRun) error {
	lookup := func(ctx context.Context, id string) (*domain.Product, error) {
		if product, ok := run.priced.products[id]; ok {
			return product, nil
		}
		return s.resolveProduct(ctx, id)
	}
	ref := stock.Reference{OrderNumber: run.receipt.OrderNumber, Actor: run.actor, At: run.now}

	movements, warnings := s.stock.Plan(ctx, lookup, ref, run.receipt.Lines)
	run.movements = movements
	run.warnings = append(run.warnings, warnings...)
	if !run.committedRemote {
		return nil
	}

	report := s.stock.Apply(ctx, s.remote, movements)
	run.warnings = append(run.warnings, report.Warnings...)
	for _, failure := range report.Failed {
		effectErr := &domain.SecondaryEffectError{Effect: "stock " + failure.Movement.ProductID, Err: failure.Err}
		s.compensate(ctx, run, domain.SyncTypeStockMovement, domain.SyncActionApply, "stock:"+failure.Movement.ID, failure.Movement, effectErr)
	}
	return nil
}

func (s *Service) updateLedger(ctx context.Context, run *checkoutRun) error {
	run.entries = s.remoteLedger.CheckoutEntries(run.receipt)
	if !run.committedRemote {
		return nil
	}
	for _, entry := range run.entries {
		if _, err := s.remoteLedger.Append(ctx, entry); err != nil {
			effectErr := &domain.SecondaryEffectError{Effect: "points " + entry.Type, Err: err}
			run.warnings = append(run.warnings, domain.Warning{Code: domain.WarnLedgerFailed, Message: fmt.Sprintf("%s points not recorded yet; queued for retry", entry.Type)})
			s.compensate(ctx, run, domain.SyncTypePointEntry, domain.SyncActionAppend, "points:"+entry.ID, entry, effectErr)
		}
	}
	return nil
}

// compensate queues a secondary effect that failed after the receipt was
// committed so it is retried on its own.
func (s *Service) compensate(ctx context.Context, run *checkoutRun, itemType, action, key string, payload any, cause error) {
	entry := run.log.WithError(cause).WithField("key", key)
	if _, err := s.queue.Enqueue(ctx, itemType, action, key, payload); err != nil {
		entry.WithField("queue_error", err.Error()).Error("secondary effect failed and could not be queued")
		return
	}
	entry.Warn("secondary effect failed, queued for retry")
}

// persistLocalMirror is the only fatal stage: without the local receipt the
// terminal has no record of the sale.
func (s *Service) persistLocalMirror(ctx context.Context, run *checkoutRun) error {
	if _, err := s.local.SaveReceipt(ctx, run.receipt); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return &domain.FatalLocalError{Op: "save receipt", Err: err}
	}

	stale := false
	if run.committedRemote {
		stale = !s.refreshProducts(ctx, run)
	} else {
		report := s.stock.Apply(ctx, s.local, run.movements)
		run.warnings = append(run.warnings, report.Warnings...)
		stale = len(report.Failed) > 0
	}
	for _, entry := range run.entries {
		if _, err := s.localLedger.Append(ctx, entry); err != nil {
			run.log.WithError(err).WithField("entry_id", entry.ID).Warn("point entry not mirrored locally")
			stale = true
		}
	}
	if stale {
		run.warnings = append(run.warnings, domain.Warning{Code: domain.WarnMirrorStale, Message: "local stock or points mirror is behind the store server"})
	}
	return nil
}

// refreshProducts copies the post-sale stock of every touched product from
// the remote store into the mirror. Replaying the movements locally instead
// would count them twice whenever the mirror already held the remote level.
func (s *Service) refreshProducts(ctx context.Context, run *checkoutRun) bool {
	ok := true
	seen := make(map[string]struct{}, len(run.movements))
	for _, movement := range run.movements {
		if _, done := seen[movement.ProductID]; done {
			continue
		}
		seen[movement.ProductID] = struct{}{}
		product, err := s.remote.GetProduct(ctx, movement.ProductID)
		if err == nil {
			err = s.local.UpsertProduct(ctx, *product)
		}
		if err != nil {
			run.log.WithError(err).WithField("product_id", movement.ProductID).Warn("product stock not mirrored locally")
			ok = false
		}
	}
	return ok
}

func (s *Service) enqueueSync(ctx context.Context, run *checkoutRun) error {
	intent := receiptIntent{Receipt: run.receipt, Movements: run.movements, PointEntries: run.entries}
	if _, err := s.queue.Enqueue(ctx, domain.SyncTypeReceipt, domain.SyncActionCreate, receiptKey(run.receipt.OrderNumber), intent); err != nil {
		run.log.WithError(err).Error("offline sale saved but not queued for sync")
		run.warnings = append(run.warnings, domain.Warning{Code: domain.WarnSyncPending, Message: "sale saved on this terminal but could not be queued for sync"})
	}
	return nil
}

// publishCustomer upserts the linked customer in the external directory
// without holding up the checkout.
func (s *Service) publishCustomer(customer domain.Customer) {
	if s.directory == nil || !s.directory.Enabled() {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.directory.UpsertCustomer(ctx, customer); err != nil {
			s.log.WithError(err).WithField("component", "directory").WithField("customer_id", customer.ID).Warn("directory customer upsert failed")
		}
	}()
}
