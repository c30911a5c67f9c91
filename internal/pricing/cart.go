package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrInvalidLine     = errors.New("invalid cart line")
	ErrLineNotFound    = errors.New("cart line not found")
	ErrDiscountMissing = errors.New("discount not on cart")
)

// Cart is owned by one checkout session and handed explicitly to the
// orchestrator. All totals are derived on demand from lines and discounts.
type Cart struct {
	lines      []domain.CartLine
	discounts  []domain.Discount
	customerID string
}

func NewCart() *Cart {
	return &Cart{}
}

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Discounts() []domain.Discount {
	out := make([]domain.Discount, len(c.discounts))
	copy(out, c.discounts)
	return out
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

func (c *Cart) CustomerID() string {
	return c.customerID
}

func (c *Cart) LinkCustomer(customerID string) {
	c.customerID = strings.TrimSpace(customerID)
}

// AddLine adds a product to the cart. A product already in the cart has its
// quantity increased, except weight-sold lines where the new weight replaces
// the old one.
func (c *Cart) AddLine(line domain.CartLine) error {
	line.ProductID = strings.TrimSpace(line.ProductID)
	if line.ProductID == "" || line.UnitPriceCents < 0 {
		return ErrInvalidLine
	}
	if err := validateQuantity(line.Quantity, line.SoldByWeight); err != nil {
		return err
	}

	for i := range c.lines {
		if c.lines[i].ProductID != line.ProductID {
			continue
		}
		if line.SoldByWeight {
			c.lines[i].Quantity = line.Quantity
		} else {
			c.lines[i].Quantity = c.lines[i].Quantity.Add(line.Quantity)
		}
		c.lines[i].LineTotalCents = LineTotal(c.lines[i].UnitPriceCents, c.lines[i].Quantity)
		return nil
	}

	line.LineTotalCents = LineTotal(line.UnitPriceCents, line.Quantity)
	c.lines = append(c.lines, line)
	return nil
}

// UpdateQuantity sets the quantity of a line. Zero removes the line.
func (c *Cart) UpdateQuantity(productID string, qty decimal.Decimal) error {
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	if qty.IsZero() {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
		return nil
	}
	if err := validateQuantity(qty, c.lines[idx].SoldByWeight); err != nil {
		return err
	}
	c.lines[idx].Quantity = qty
	c.lines[idx].LineTotalCents = LineTotal(c.lines[idx].UnitPriceCents, qty)
	return nil
}

func (c *Cart) RemoveLine(productID string) error {
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return nil
}

// Reprice swaps the unit price of every line through fn, keeping the catalog
// price as OriginalPriceCents when it changes.
func (c *Cart) Reprice(fn func(line domain.CartLine) int64) {
	for i := range c.lines {
		price := fn(c.lines[i])
		if price == c.lines[i].UnitPriceCents {
			continue
		}
		if c.lines[i].OriginalPriceCents == nil {
			original := c.lines[i].UnitPriceCents
			c.lines[i].OriginalPriceCents = &original
		}
		c.lines[i].UnitPriceCents = price
		c.lines[i].LineTotalCents = LineTotal(price, c.lines[i].Quantity)
	}
}

// AddDiscount stacks d on the cart if it applies right now; otherwise it
// returns a *DiscountRejection naming the reason.
func (c *Cart) AddDiscount(d domain.Discount, now time.Time) error {
	if ok, reason := Applicability(d, c.Subtotal(), now); !ok {
		return &DiscountRejection{DiscountKey: d.Key(), Name: d.Name, Reason: reason}
	}
	key := d.Key()
	for i := range c.discounts {
		if c.discounts[i].Key() == key {
			c.discounts[i] = d
			return nil
		}
	}
	c.discounts = append(c.discounts, d)
	return nil
}

func (c *Cart) RemoveDiscount(key string) error {
	for i := range c.discounts {
		if c.discounts[i].Key() == key {
			c.discounts = append(c.discounts[:i], c.discounts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDiscountMissing, key)
}

func (c *Cart) ClearDiscounts() {
	c.discounts = nil
}

func (c *Cart) Clear() {
	c.lines = nil
	c.discounts = nil
	c.customerID = ""
}

func (c *Cart) Subtotal() int64 {
	return Subtotal(c.lines)
}

func (c *Cart) DiscountAmount(now time.Time) int64 {
	return DiscountAmount(c.lines, c.discounts, now)
}

func (c *Cart) Total(now time.Time) int64 {
	return c.Totals(now).TotalCents
}

func (c *Cart) Totals(now time.Time) Totals {
	return Evaluate(c.lines, c.discounts, now)
}

func (c *Cart) indexOf(productID string) int {
	productID = strings.TrimSpace(productID)
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func validateQuantity(qty decimal.Decimal, soldByWeight bool) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidLine)
	}
	if !soldByWeight && !qty.Equal(qty.Truncate(0)) {
		return fmt.Errorf("%w: fractional quantity on a unit-sold product", ErrInvalidLine)
	}
	return nil
}
