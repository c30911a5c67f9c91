package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/cashback"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/printer"
	"kasirinaja/terminal/internal/stock"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/syncqueue"
	"kasirinaja/terminal/internal/telemetry"
	"kasirinaja/terminal/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ErrForbidden is returned when the actor in the context lacks the role an
// operation needs.
var ErrForbidden = errors.New("operation not permitted")

// Directory is the external catalog/customer directory. Its failures never
// block a sale.
type Directory interface {
	Enabled() bool
	ActiveCategories(ctx context.Context) (domain.CategoryList, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) error
}

type Options struct {
	StoreID           string
	TerminalID        string
	Ledger            ledger.Policy
	Sync              syncqueue.Policy
	SyncInterval      time.Duration
	RuleCacheTTL      time.Duration
	MembershipWarning time.Duration

	Rules     cache.RuleSetCache
	Printer   printer.Printer
	Directory Directory
	Telemetry *telemetry.Telemetry
	Log       logrus.FieldLogger
}

type Service struct {
	remote store.RemoteStore
	local  store.LocalCache

	remoteLedger *ledger.Ledger
	localLedger  *ledger.Ledger
	cashback     *cashback.Engine
	stock        *stock.Engine
	queue        *syncqueue.Queue
	dispatcher   *syncqueue.Dispatcher

	rules     cache.RuleSetCache
	printer   printer.Printer
	directory Directory
	telemetry *telemetry.Telemetry
	log       logrus.FieldLogger
	validate  *validator.Validate

	storeID           string
	terminalID        string
	ruleCacheTTL      time.Duration
	membershipWarning time.Duration
	now               func() time.Time

	checkoutMu sync.Mutex
	background sync.WaitGroup
}

func New(remote store.RemoteStore, local store.LocalCache, opts Options) (*Service, error) {
	if remote == nil || local == nil {
		return nil, fmt.Errorf("remote and local stores are required")
	}
	opts.StoreID = defaultString(opts.StoreID, "main-store")
	opts.TerminalID = defaultString(opts.TerminalID, "T1")
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Rules == nil {
		opts.Rules = cache.NoopRuleSetCache{}
	}
	if opts.Printer == nil {
		opts.Printer = printer.Discard{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.RuleCacheTTL <= 0 {
		opts.RuleCacheTTL = 5 * time.Minute
	}
	if opts.MembershipWarning <= 0 {
		opts.MembershipWarning = 7 * 24 * time.Hour
	}

	engine, err := cashback.NewEngine()
	if err != nil {
		return nil, err
	}
	queue, err := syncqueue.NewQueue(local, opts.Sync)
	if err != nil {
		return nil, err
	}

	s := &Service{
		remote:            remote,
		local:             local,
		remoteLedger:      ledger.New(remote, opts.Ledger),
		localLedger:       ledger.New(local, opts.Ledger),
		cashback:          engine,
		stock:             stock.New(opts.Log),
		queue:             queue,
		rules:             opts.Rules,
		printer:           opts.Printer,
		directory:         opts.Directory,
		telemetry:         opts.Telemetry,
		log:               opts.Log.WithField("component", "service"),
		validate:          validator.New(),
		storeID:           opts.StoreID,
		terminalID:        opts.TerminalID,
		ruleCacheTTL:      opts.RuleCacheTTL,
		membershipWarning: opts.MembershipWarning,
		now:               time.Now,
	}

	s.dispatcher = syncqueue.NewDispatcher(queue, opts.SyncInterval, opts.Log)
	s.dispatcher.Observe(func(result string) {
		s.telemetry.SyncResult(context.Background(), result)
	})
	s.registerSyncHandlers()
	return s, nil
}

// Dispatcher drains the outbox; the caller runs it for the process lifetime.
func (s *Service) Dispatcher() *syncqueue.Dispatcher {
	return s.dispatcher
}

// Wait blocks until background directory updates have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) StoreID() string    { return s.storeID }
func (s *Service) TerminalID() string { return s.terminalID }

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Shift{}, ErrForbidden
	}
	if err := s.check(req); err != nil {
		return domain.Shift{}, err
	}

	shift := domain.Shift{
		ID:                xid.New("shift"),
		StoreID:           s.storeID,
		TerminalID:        s.terminalID,
		CashierName:       actor.Username,
		OpeningFloatCents: req.OpeningCashCents,
		Status:            domain.ShiftStatusOpen,
		OpenedAt:          s.now().UTC(),
	}
	saved, err := s.local.CreateShift(ctx, shift)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Shift{}, fmt.Errorf("%w: shift already open on %s", store.ErrConflict, s.terminalID)
		}
		return domain.Shift{}, err
	}
	s.log.WithFields(logrus.Fields{"shift_id": saved.ID, "cashier": saved.CashierName}).Info("shift opened")
	return *saved, nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.Shift, error) {
	if err := s.check(req); err != nil {
		return domain.Shift{}, err
	}
	closed, err := s.local.CloseActiveShift(ctx, s.storeID, s.terminalID, req.ClosingCashCents, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Shift{}, domain.NewValidationError(domain.CodeNoOpenShift, "no open shift on %s", s.terminalID)
		}
		return domain.Shift{}, err
	}
	s.log.WithFields(logrus.Fields{"shift_id": closed.ID, "closing_cash": req.ClosingCashCents}).Info("shift closed")
	return *closed, nil
}

func (s *Service) ActiveShift(ctx context.Context) (domain.Shift, error) {
	shift, err := s.local.GetActiveShift(ctx, s.storeID, s.terminalID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

// GetReceipt prefers the local copy, which also knows whether it has synced.
func (s *Service) GetReceipt(ctx context.Context, orderNumber string) (domain.Receipt, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Receipt{}, domain.NewValidationError(domain.CodeInvalidRequest, "order number is required")
	}
	receipt, err := s.local.GetReceipt(ctx, orderNumber)
	if err == nil {
		return *receipt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithField("order_number", orderNumber).Warn("local receipt lookup failed")
	}
	receipt, err = s.remote.GetReceipt(ctx, orderNumber)
	if err != nil {
		return domain.Receipt{}, err
	}
	return *receipt, nil
}

// PrintReceipt hands a stored receipt to the printer. A printer failure is
// reported in the result, never as an error.
func (s *Service) PrintReceipt(ctx context.Context, orderNumber string) (domain.PrintResult, error) {
	receipt, err := s.GetReceipt(ctx, orderNumber)
	if err != nil {
		return domain.PrintResult{}, err
	}
	result := domain.PrintResult{OrderNumber: receipt.OrderNumber, Accepted: true}
	if err := s.printer.Print(ctx, receipt); err != nil {
		s.log.WithError(err).WithField("order_number", receipt.OrderNumber).Warn("printer rejected receipt")
		result.Accepted = false
		result.Error = "printer unavailable"
	}
	return result, nil
}

func (s *Service) StockHistory(ctx context.Context, productID string, limit int) ([]domain.StockHistoryEntry, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "product id is required")
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	history, err := s.remote.ListStockHistory(ctx, productID, limit)
	if err == nil {
		return history, nil
	}
	s.log.WithError(err).WithField("product_id", productID).Warn("remote stock history unavailable, using local mirror")
	return s.local.ListStockHistory(ctx, productID, limit)
}

// CustomerPoints returns the balance and entries, newest first.
func (s *Service) CustomerPoints(ctx context.Context, customerID string) (domain.PointsView, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.PointsView{}, domain.NewValidationError(domain.CodeCustomerRequired, "customer is required")
	}
	if _, _, err := s.resolveCustomer(ctx, customerID); err != nil {
		return domain.PointsView{}, err
	}

	view := domain.PointsView{CustomerID: customerID}
	entries, err := s.remoteLedger.Entries(ctx, customerID)
	if err != nil {
		s.log.WithError(err).WithField("customer_id", customerID).Warn("remote ledger unavailable, using local mirror")
		entries, err = s.localLedger.Entries(ctx, customerID)
		if err != nil {
			return domain.PointsView{}, err
		}
		view.Stale = true
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	view.Entries = entries
	view.Balance = ledger.Balance(entries)
	return view, nil
}

// AdjustPoints records an admin correction. When the remote ledger is down
// the entry is written locally and queued.
func (s *Service) AdjustPoints(ctx context.Context, req ledger.AdjustRequest) (domain.PointLedgerEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.PointLedgerEntry{}, ErrForbidden
	}
	if err := s.check(req); err != nil {
		return domain.PointLedgerEntry{}, err
	}
	req.Actor = actor.Username
	if _, _, err := s.resolveCustomer(ctx, req.CustomerID); err != nil {
		return domain.PointLedgerEntry{}, err
	}
	if req.Type == domain.PointsAdminReduce {
		balance, err := s.pointBalance(ctx, req.CustomerID)
		if err != nil {
			return domain.PointLedgerEntry{}, err
		}
		if balance < req.Points {
			return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInsufficientPoints, "reducing %d points with %d available", req.Points, balance)
		}
	}

	entry, err := s.remoteLedger.Adjust(ctx, req)
	if err == nil {
		if _, mirrorErr := s.localLedger.Append(ctx, entry); mirrorErr != nil {
			s.log.WithError(mirrorErr).WithField("entry_id", entry.ID).Warn("point adjustment not mirrored locally")
		}
		s.log.WithFields(logrus.Fields{"customer_id": entry.CustomerID, "type": entry.Type, "amount": entry.Amount, "actor": entry.AdjustedBy}).Info("points adjusted")
		return entry, nil
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return domain.PointLedgerEntry{}, err
	}

	s.log.WithError(err).WithField("customer_id", req.CustomerID).Warn("remote ledger unavailable, adjusting locally")
	entry, err = s.localLedger.Adjust(ctx, req)
	if err != nil {
		return domain.PointLedgerEntry{}, err
	}
	if _, err := s.queue.Enqueue(ctx, domain.SyncTypePointEntry, domain.SyncActionAppend, "points:"+entry.ID, entry); err != nil {
		return domain.PointLedgerEntry{}, &domain.FatalLocalError{Op: "enqueue point adjustment", Err: err}
	}
	return entry, nil
}

func (s *Service) Categories(ctx context.Context) (domain.CategoryList, error) {
	if s.directory == nil || !s.directory.Enabled() {
		return domain.CategoryList{Categories: []domain.Category{}}, nil
	}
	return s.directory.ActiveCategories(ctx)
}

func (s *Service) SyncQueue(ctx context.Context) ([]domain.SyncQueueItem, error) {
	return s.queue.List(ctx)
}

func (s *Service) FlushSync(ctx context.Context) (syncqueue.FlushReport, error) {
	return s.dispatcher.Flush(ctx)
}

func (s *Service) RetrySyncItem(ctx context.Context, id string) (domain.SyncQueueItem, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SyncQueueItem{}, ErrForbidden
	}
	item, err := s.queue.Retry(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.SyncQueueItem{}, err
	}
	s.log.WithFields(logrus.Fields{"sync_id": item.ID, "actor": actor.Username}).Info("sync item re-armed")
	return *item, nil
}

// resolveProduct reads the remote catalog first and writes what it finds
// through to the local mirror; the mirror answers when the remote cannot.
func (s *Service) resolveProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := s.remote.GetProduct(ctx, id)
	if err == nil {
		if mirrorErr := s.local.UpsertProduct(ctx, *product); mirrorErr != nil {
			s.log.WithError(mirrorErr).WithField("product_id", id).Warn("product not mirrored locally")
		}
		return product, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithField("product_id", id).Debug("remote catalog unavailable, using local mirror")
	}
	return s.local.GetProduct(ctx, id)
}

// resolveCustomer works like resolveProduct. stale reports a local answer.
func (s *Service) resolveCustomer(ctx context.Context, id string) (*domain.Customer, bool, error) {
	id = strings.TrimSpace(id)
	customer, err := s.remote.GetCustomer(ctx, id)
	if err == nil {
		if mirrorErr := s.local.UpsertCustomer(ctx, *customer); mirrorErr != nil {
			s.log.WithError(mirrorErr).WithField("customer_id", id).Warn("customer not mirrored locally")
		}
		return customer, false, nil
	}
	customer, localErr := s.local.GetCustomer(ctx, id)
	if localErr != nil {
		if errors.Is(err, store.ErrNotFound) && errors.Is(localErr, store.ErrNotFound) {
			return nil, false, domain.NewValidationError(domain.CodeCustomerRequired, "customer %s not found", id)
		}
		return nil, false, localErr
	}
	return customer, true, nil
}

// pointBalance is the remote balance less the debits this terminal still has
// queued for it. The local mirror already holds those debits and answers when
// the remote cannot. The queue is read first so an entry acknowledged in
// between is seen by the remote read.
func (s *Service) pointBalance(ctx context.Context, customerID string) (int64, error) {
	queued, err := s.queuedPointEntries(ctx, customerID)
	if err != nil {
		return 0, &domain.FatalLocalError{Op: "read sync queue", Err: err}
	}
	entries, err := s.remoteLedger.Entries(ctx, customerID)
	if err == nil {
		return ledger.Balance(entries) + ledger.PendingDebits(entries, queued), nil
	}
	s.log.WithError(err).WithField("customer_id", customerID).Warn("remote ledger unavailable, using local balance")
	return s.localLedger.Balance(ctx, customerID)
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return domain.NewValidationError(domain.CodeInvalidRequest, "%s", describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
