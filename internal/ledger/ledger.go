package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// Store persists point entries. AppendPointEntry must be atomic: it returns
// store.ErrDuplicate when an entry with the same id already exists and
// store.ErrInsufficientBalance when a negative entry would take the balance
// below zero.
type Store interface {
	ListPointEntries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error)
	AppendPointEntry(ctx context.Context, entry domain.PointLedgerEntry) error
}

type Policy struct {
	PointValueCents    int64
	EarnWhileRedeeming bool
}

type Ledger struct {
	store  Store
	policy Policy
	now    func() time.Time
}

func New(s Store, policy Policy) *Ledger {
	if policy.PointValueCents < 1 {
		policy.PointValueCents = 1
	}
	return &Ledger{store: s, policy: policy, now: time.Now}
}

func (l *Ledger) Policy() Policy {
	return l.policy
}

// Balance is the sum of all entry amounts.
func Balance(entries []domain.PointLedgerEntry) int64 {
	var balance int64
	for _, entry := range entries {
		balance += entry.Amount
	}
	return balance
}

// PendingDebits sums the negative amounts of queued entries that applied
// does not hold yet. Each entry id counts once.
func PendingDebits(applied, queued []domain.PointLedgerEntry) int64 {
	seen := make(map[string]struct{}, len(applied)+len(queued))
	for _, entry := range applied {
		seen[entry.ID] = struct{}{}
	}
	var debits int64
	for _, entry := range queued {
		if entry.Amount >= 0 {
			continue
		}
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		seen[entry.ID] = struct{}{}
		debits += entry.Amount
	}
	return debits
}

func (l *Ledger) Balance(ctx context.Context, customerID string) (int64, error) {
	entries, err := l.store.ListPointEntries(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return Balance(entries), nil
}

func (l *Ledger) Entries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error) {
	return l.store.ListPointEntries(ctx, customerID)
}

// ValidateRedemption checks a request to spend points against the balance and
// the amount owed, returning the value the points are worth.
func (l *Ledger) ValidateRedemption(balance int64, pointsToUse int64, totalCents int64) (int64, error) {
	if pointsToUse < 0 {
		return 0, domain.NewValidationError(domain.CodeInvalidRequest, "points to use cannot be negative")
	}
	if pointsToUse == 0 {
		return 0, nil
	}
	if pointsToUse > balance {
		return 0, domain.NewValidationError(domain.CodeInsufficientPoints, "redeeming %d points with a balance of %d", pointsToUse, balance)
	}
	value := pointsToUse * l.policy.PointValueCents
	if value > totalCents {
		return 0, domain.NewValidationError(domain.CodeRedemptionExceedsTotal, "points worth %d exceed the payable total %d", value, totalCents)
	}
	return value, nil
}

func (l *Ledger) EarnPermitted(pointsToUse int64) bool {
	return pointsToUse == 0 || l.policy.EarnWhileRedeeming
}

func RedeemedEntryID(orderNumber string) string {
	return "pts-" + orderNumber + "-redeemed"
}

func EarnedEntryID(orderNumber string) string {
	return "pts-" + orderNumber + "-earned"
}

func RedeemedEntry(customerID, orderNumber string, points, valueCents int64, at time.Time) domain.PointLedgerEntry {
	return domain.PointLedgerEntry{
		ID:                 RedeemedEntryID(orderNumber),
		CustomerID:         customerID,
		Type:               domain.PointsRedeemed,
		Amount:             -points,
		ValueRedeemedCents: valueCents,
		Reason:             "redeemed at checkout",
		ReceiptNumber:      orderNumber,
		Source:             domain.PointSourceCheckout,
		CreatedAt:          at,
	}
}

func EarnedEntry(customerID, orderNumber string, breakdown domain.CashbackBreakdown, at time.Time) domain.PointLedgerEntry {
	return domain.PointLedgerEntry{
		ID:            EarnedEntryID(orderNumber),
		CustomerID:    customerID,
		Type:          domain.PointsEarned,
		Amount:        breakdown.TotalPoints,
		Reason:        "cashback",
		ReceiptNumber: orderNumber,
		Source:        domain.PointSourceCheckout,
		Breakdown:     breakdown.Lines,
		CreatedAt:     at,
	}
}

// CheckoutEntries are the entries a checkout writes, redemption first.
func (l *Ledger) CheckoutEntries(receipt domain.Receipt) []domain.PointLedgerEntry {
	if receipt.CustomerID == "" {
		return nil
	}
	var entries []domain.PointLedgerEntry
	if receipt.PointsRedeemed > 0 {
		entries = append(entries, RedeemedEntry(receipt.CustomerID, receipt.OrderNumber, receipt.PointsRedeemed, receipt.ValueRedeemedCents, receipt.CreatedAt))
	}
	if receipt.PointsEarned > 0 {
		entries = append(entries, EarnedEntry(receipt.CustomerID, receipt.OrderNumber, receipt.Cashback, receipt.CreatedAt))
	}
	return entries
}

// Append writes entry once. A replay of an entry already written reports
// applied=false without error.
func (l *Ledger) Append(ctx context.Context, entry domain.PointLedgerEntry) (bool, error) {
	if err := l.store.AppendPointEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type AdjustRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=admin_add admin_reduce"`
	Points     int64  `json:"points" validate:"gt=0"`
	Reason     string `json:"reason" validate:"required"`
	Actor      string `json:"-"`
}

// Adjust records an admin correction outside checkout.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (domain.PointLedgerEntry, error) {
	entry, err := l.AdjustmentEntry(req)
	if err != nil {
		return domain.PointLedgerEntry{}, err
	}

	if entry.Amount < 0 {
		balance, err := l.Balance(ctx, req.CustomerID)
		if err != nil {
			return domain.PointLedgerEntry{}, err
		}
		if balance+entry.Amount < 0 {
			return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInsufficientPoints, "reducing %d points with a balance of %d", req.Points, balance)
		}
	}

	if err := l.store.AppendPointEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInsufficientPoints, "balance changed before the adjustment was written")
		}
		return domain.PointLedgerEntry{}, err
	}
	return entry, nil
}

// AdjustmentEntry validates req and builds the entry without writing it.
func (l *Ledger) AdjustmentEntry(req AdjustRequest) (domain.PointLedgerEntry, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.Actor = strings.TrimSpace(req.Actor)

	if req.CustomerID == "" {
		return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeCustomerRequired, "customer is required")
	}
	if req.Reason == "" || req.Actor == "" {
		return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInvalidAdjustment, "reason and actor are required")
	}
	if req.Points <= 0 {
		return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInvalidAdjustment, "points must be positive")
	}

	amount := req.Points
	switch req.Type {
	case domain.PointsAdminAdd:
	case domain.PointsAdminReduce:
		amount = -req.Points
	default:
		return domain.PointLedgerEntry{}, domain.NewValidationError(domain.CodeInvalidAdjustment, "unknown adjustment type %q", req.Type)
	}

	return domain.PointLedgerEntry{
		ID:         xid.New("pts"),
		CustomerID: req.CustomerID,
		Type:       req.Type,
		Amount:     amount,
		Reason:     req.Reason,
		Source:     domain.PointSourceAdmin,
		AdjustedBy: req.Actor,
		CreatedAt:  l.now().UTC(),
	}, nil
}
