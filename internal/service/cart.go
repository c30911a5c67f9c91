package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/terminal/internal/cashback"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/pricing"
	"kasirinaja/terminal/internal/store"
)

// pricedCart is everything ComputingTotals derives from a cart request.
type pricedCart struct {
	cart     *pricing.Cart
	products map[string]*domain.Product
	totals   pricing.Totals

	customer      *domain.Customer
	eligible      bool
	balance       *int64
	cashback      domain.CashbackBreakdown
	pointsEarned  int64
	pointsToUse   int64
	valueRedeemed int64
	payable       int64
	warnings      []domain.Warning
}

// BuildCart turns a request into a priced cart aggregate: catalog prices,
// member prices for an eligible member, catalog discounts by id and ad hoc
// discounts. Nothing is written.
func (s *Service) BuildCart(ctx context.Context, req domain.CartRequest, customer *domain.Customer, now time.Time) (*pricing.Cart, map[string]*domain.Product, error) {
	if len(req.Lines) == 0 {
		return nil, nil, domain.NewValidationError(domain.CodeEmptyCart, "cart has no lines")
	}

	cart := pricing.NewCart()
	products := make(map[string]*domain.Product, len(req.Lines))
	for _, line := range req.Lines {
		id := strings.TrimSpace(line.ProductID)
		product, ok := products[id]
		if !ok {
			var err error
			product, err = s.resolveProduct(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, nil, domain.NewValidationError(domain.CodeInvalidRequest, "unknown product %s", id)
				}
				return nil, nil, err
			}
			if !product.Active {
				return nil, nil, domain.NewValidationError(domain.CodeInvalidRequest, "product %s is not for sale", id)
			}
			products[id] = product
		}

		err := cart.AddLine(domain.CartLine{
			ProductID:        product.ID,
			Name:             product.Name,
			CategoryID:       product.CategoryID,
			UnitPriceCents:   product.PriceCents,
			Quantity:         line.Quantity,
			SoldByWeight:     product.SoldByWeight,
			MemberPriceCents: product.MemberPriceCents,
		})
		if err != nil {
			return nil, nil, domain.NewValidationError(domain.CodeInvalidRequest, "line %s: %v", id, err)
		}
	}

	if cashback.Eligible(customer, now) {
		cart.LinkCustomer(customer.ID)
		cart.Reprice(func(line domain.CartLine) int64 {
			if line.MemberPriceCents != nil && *line.MemberPriceCents >= 0 {
				return *line.MemberPriceCents
			}
			return line.UnitPriceCents
		})
	} else if customer != nil {
		cart.LinkCustomer(customer.ID)
	}

	if len(req.DiscountIDs) > 0 || len(req.AdHocDiscounts) > 0 {
		if err := s.attachDiscounts(ctx, cart, req, now); err != nil {
			return nil, nil, err
		}
	}
	return cart, products, nil
}

func (s *Service) attachDiscounts(ctx context.Context, cart *pricing.Cart, req domain.CartRequest, now time.Time) error {
	var catalog []domain.Discount
	if len(req.DiscountIDs) > 0 {
		rules, err := s.ruleSet(ctx)
		if err != nil {
			return err
		}
		catalog = rules.Discounts
	}

	add := func(d domain.Discount) error {
		if err := cart.AddDiscount(d, now); err != nil {
			var rejection *pricing.DiscountRejection
			if errors.As(err, &rejection) {
				return domain.NewValidationError(domain.CodeDiscountNotApplicable, "discount %s: %s", rejection.Name, rejection.Reason)
			}
			return err
		}
		return nil
	}

	for _, id := range req.DiscountIDs {
		id = strings.TrimSpace(id)
		found := false
		for _, d := range catalog {
			if d.ID == id {
				found = true
				d.AdHoc = false
				if err := add(d); err != nil {
					return err
				}
				break
			}
		}
		if !found {
			return domain.NewValidationError(domain.CodeDiscountNotApplicable, "unknown discount %s", id)
		}
	}
	for _, adHoc := range req.AdHocDiscounts {
		d := domain.Discount{
			Name:        strings.TrimSpace(adHoc.Name),
			Kind:        adHoc.Kind,
			Percent:     adHoc.Percent,
			AmountCents: adHoc.AmountCents,
			AdHoc:       true,
			Active:      true,
		}
		if err := add(d); err != nil {
			return err
		}
	}
	return nil
}

// checkEligibility refuses an expired membership and warns when it is about
// to expire.
func (s *Service) checkEligibility(customer *domain.Customer, now time.Time) ([]domain.Warning, error) {
	if customer == nil {
		return nil, nil
	}
	if cashback.MembershipExpired(customer, now) {
		return nil, domain.NewValidationError(domain.CodeMembershipExpired, "membership of %s expired on %s", customer.ID, customer.MembershipExpiresAt.Format("2006-01-02"))
	}
	if cashback.MembershipExpiringWithin(customer, now, s.membershipWarning) {
		return []domain.Warning{{
			Code:    domain.WarnMembershipExpiring,
			Message: fmt.Sprintf("membership of %s expires on %s", customer.ID, customer.MembershipExpiresAt.Format("2006-01-02")),
		}}, nil
	}
	return nil, nil
}

// price runs the pricing aggregator, the cashback engine and the redemption
// check. Cart-total cashback rules see the total after discounts and before
// redemption.
func (s *Service) price(ctx context.Context, req domain.CartRequest, customer *domain.Customer, now time.Time) (*pricedCart, error) {
	if req.PointsToUse > 0 && customer == nil {
		return nil, domain.NewValidationError(domain.CodeCustomerRequired, "redeeming points needs a linked customer")
	}

	cart, products, err := s.BuildCart(ctx, req, customer, now)
	if err != nil {
		return nil, err
	}
	p := &pricedCart{
		cart:        cart,
		products:    products,
		totals:      cart.Totals(now),
		customer:    customer,
		eligible:    cashback.Eligible(customer, now),
		pointsToUse: req.PointsToUse,
		cashback:    domain.CashbackBreakdown{Lines: []domain.LinePoints{}},
	}

	if p.eligible && s.remoteLedger.EarnPermitted(req.PointsToUse) {
		rules, err := s.ruleSet(ctx)
		if err != nil {
			return nil, err
		}
		breakdown, err := s.cashback.Compute(cart.Lines(), rules.CashbackRules, cashback.CartContext{
			SubtotalCents: p.totals.SubtotalCents,
			TotalCents:    p.totals.TotalCents,
		})
		if err != nil {
			s.log.WithError(err).Warn("cashback evaluation failed, no points earned")
			p.warnings = append(p.warnings, domain.Warning{Code: domain.WarnCashbackFailed, Message: "cashback could not be computed; no points earned"})
		} else {
			p.cashback = breakdown
			p.pointsEarned = breakdown.TotalPoints
		}
	}

	if customer != nil {
		balance, err := s.pointBalance(ctx, customer.ID)
		if err != nil {
			return nil, err
		}
		p.balance = &balance
		value, err := s.remoteLedger.ValidateRedemption(balance, req.PointsToUse, p.totals.TotalCents)
		if err != nil {
			return nil, err
		}
		p.valueRedeemed = value
	}
	p.payable = p.totals.TotalCents - p.valueRedeemed
	return p, nil
}

// Quote prices a cart without any side effect.
func (s *Service) Quote(ctx context.Context, req domain.CartRequest) (domain.QuoteResponse, error) {
	if err := s.check(req); err != nil {
		return domain.QuoteResponse{}, err
	}
	now := s.now().UTC()

	var customer *domain.Customer
	warnings := []domain.Warning{}
	if strings.TrimSpace(req.CustomerID) != "" {
		c, stale, err := s.resolveCustomer(ctx, req.CustomerID)
		if err != nil {
			return domain.QuoteResponse{}, err
		}
		customer = c
		if stale {
			warnings = append(warnings, domain.Warning{Code: domain.WarnMirrorStale, Message: "customer data from local mirror"})
		}
		w, err := s.checkEligibility(customer, now)
		if err != nil {
			return domain.QuoteResponse{}, err
		}
		warnings = append(warnings, w...)
	}

	p, err := s.price(ctx, req, customer, now)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	return domain.QuoteResponse{
		Lines:              p.cart.Lines(),
		SubtotalCents:      p.totals.SubtotalCents,
		DiscountCents:      p.totals.DiscountCents,
		AppliedDiscounts:   p.totals.Applied,
		RejectedDiscounts:  rejectedDiscounts(p.totals.Rejected),
		TotalCents:         p.totals.TotalCents,
		PointsToUse:        p.pointsToUse,
		ValueRedeemedCents: p.valueRedeemed,
		PayableCents:       p.payable,
		Cashback:           p.cashback,
		PointsEarnable:     p.pointsEarned,
		PointBalance:       p.balance,
		Warnings:           append(warnings, p.warnings...),
	}, nil
}

func rejectedDiscounts(in []pricing.DiscountRejection) []domain.RejectedDiscount {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.RejectedDiscount, 0, len(in))
	for _, r := range in {
		out = append(out, domain.RejectedDiscount{Key: r.DiscountKey, Name: r.Name, Reason: string(r.Reason)})
	}
	return out
}
