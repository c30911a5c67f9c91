package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

type Reason string

const (
	ReasonNotYetValid      Reason = "not_yet_valid"
	ReasonExpired          Reason = "expired"
	ReasonBelowMinPurchase Reason = "below_min_purchase"
	ReasonInactive         Reason = "inactive"
	ReasonInvalidValue     Reason = "invalid_value"
)

// DiscountRejection is returned when a discount cannot apply to the cart.
type DiscountRejection struct {
	DiscountKey string
	Name        string
	Reason      Reason
}

func (r *DiscountRejection) Error() string {
	return fmt.Sprintf("discount %q rejected: %s", r.Name, r.Reason)
}

// Applicability reports whether d applies to a cart with the given subtotal at now.
func Applicability(d domain.Discount, subtotalCents int64, now time.Time) (bool, Reason) {
	if !d.AdHoc && !d.Active {
		return false, ReasonInactive
	}
	switch d.Kind {
	case domain.DiscountPercentage:
		if d.Percent <= 0 || d.Percent > 100 {
			return false, ReasonInvalidValue
		}
	case domain.DiscountFixedAmount:
		if d.AmountCents <= 0 {
			return false, ReasonInvalidValue
		}
	default:
		return false, ReasonInvalidValue
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false, ReasonNotYetValid
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return false, ReasonExpired
	}
	if subtotalCents < d.MinPurchaseCents {
		return false, ReasonBelowMinPurchase
	}
	return true, ""
}

// Contribution is the unclamped amount d takes off subtotal. Discounts are
// evaluated against the subtotal, never against each other's results.
func Contribution(d domain.Discount, subtotalCents int64) int64 {
	switch d.Kind {
	case domain.DiscountPercentage:
		return decimal.NewFromInt(subtotalCents).
			Mul(decimal.NewFromFloat(d.Percent)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case domain.DiscountFixedAmount:
		return d.AmountCents
	default:
		return 0
	}
}

type Totals struct {
	SubtotalCents int64                    `json:"subtotal_cents"`
	DiscountCents int64                    `json:"discount_cents"`
	TotalCents    int64                    `json:"total_cents"`
	Applied       []domain.AppliedDiscount `json:"applied_discounts"`
	Rejected      []DiscountRejection      `json:"rejected_discounts,omitempty"`
}

// Evaluate prices lines and discounts at now. The summed discount is clamped to
// the subtotal and the per-discount amounts are trimmed in order so they add up
// to the clamped figure.
func Evaluate(lines []domain.CartLine, discounts []domain.Discount, now time.Time) Totals {
	subtotal := Subtotal(lines)
	totals := Totals{SubtotalCents: subtotal, Applied: []domain.AppliedDiscount{}}

	remaining := subtotal
	for _, d := range discounts {
		ok, reason := Applicability(d, subtotal, now)
		if !ok {
			totals.Rejected = append(totals.Rejected, DiscountRejection{DiscountKey: d.Key(), Name: d.Name, Reason: reason})
			continue
		}
		amount := Contribution(d, subtotal)
		if amount > remaining {
			amount = remaining
		}
		remaining -= amount
		totals.DiscountCents += amount
		totals.Applied = append(totals.Applied, domain.AppliedDiscount{
			ID:          d.ID,
			Name:        d.Name,
			Kind:        d.Kind,
			AmountCents: amount,
			AdHoc:       d.AdHoc,
		})
	}

	totals.TotalCents = Total(subtotal, totals.DiscountCents)
	return totals
}

func Subtotal(lines []domain.CartLine) int64 {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.LineTotalCents
	}
	return subtotal
}

func DiscountAmount(lines []domain.CartLine, discounts []domain.Discount, now time.Time) int64 {
	return Evaluate(lines, discounts, now).DiscountCents
}

func Total(subtotalCents int64, discountCents int64) int64 {
	total := subtotalCents - discountCents
	if total < 0 {
		return 0
	}
	return total
}

func LineTotal(unitPriceCents int64, qty decimal.Decimal) int64 {
	return decimal.NewFromInt(unitPriceCents).Mul(qty).Round(0).IntPart()
}
