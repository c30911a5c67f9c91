package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

// ProductLookup resolves catalog entries while planning. The caller decides
// which store answers (remote first, local mirror as fallback).
type ProductLookup func(ctx context.Context, id string) (*domain.Product, error)

type Reference struct {
	OrderNumber string
	Actor       string
	At          time.Time
}

type Failure struct {
	Movement domain.StockMovement
	Err      error
}

type Report struct {
	Entries    []domain.StockHistoryEntry
	Duplicates int
	Failed     []Failure
	Warnings   []domain.Warning
}

type Engine struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{log: log.WithField("component", "stock")}
}

// MovementID is stable for a given sale line and affected product, which is
// what makes re-applying a sale detectable at the store.
func MovementID(orderNumber, soldProductID, affectedProductID string) string {
	return fmt.Sprintf("stk-%s-%s-%s", orderNumber, soldProductID, affectedProductID)
}

// Plan expands sold lines into stock movements. Products that do not track
// stock produce nothing; recipe products move their ingredients and, when
// ReduceOwnStock is set, themselves. Movements that share an id, such as an
// ingredient listed twice in one recipe, are merged into one.
func (e *Engine) Plan(ctx context.Context, lookup ProductLookup, ref Reference, lines []domain.CartLine) ([]domain.StockMovement, []domain.Warning) {
	var movements []domain.StockMovement
	var warnings []domain.Warning
	index := make(map[string]int)

	add := func(soldID, affectedID string, qty decimal.Decimal) {
		m := e.movement(ref, soldID, affectedID, qty)
		if i, ok := index[m.ID]; ok {
			movements[i].Delta = movements[i].Delta.Add(m.Delta)
			return
		}
		index[m.ID] = len(movements)
		movements = append(movements, m)
	}

	for _, line := range lines {
		product, err := lookup(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.log.WithField("product_id", line.ProductID).WithField("order_number", ref.OrderNumber).Warn("sold product missing from catalog, skipping stock deduction")
				warnings = append(warnings, domain.Warning{Code: domain.WarnProductMissing, Message: fmt.Sprintf("product %s not in catalog; stock not deducted", line.ProductID)})
				continue
			}
			e.log.WithError(err).WithField("product_id", line.ProductID).Warn("could not load product for stock deduction")
			warnings = append(warnings, domain.Warning{Code: domain.WarnStockFailed, Message: fmt.Sprintf("product %s could not be loaded; stock not deducted", line.ProductID)})
			continue
		}
		if !product.TrackStock {
			continue
		}

		if product.HasRecipe() {
			for _, ingredient := range product.Recipe.Ingredients {
				add(product.ID, ingredient.IngredientProductID, ingredient.QuantityPerUnit.Mul(line.Quantity))
			}
			if product.Recipe.ReduceOwnStock {
				add(product.ID, product.ID, line.Quantity)
			}
			continue
		}
		add(product.ID, product.ID, line.Quantity)
	}

	return movements, warnings
}

func (e *Engine) movement(ref Reference, soldID, affectedID string, qty decimal.Decimal) domain.StockMovement {
	return domain.StockMovement{
		ID:            MovementID(ref.OrderNumber, soldID, affectedID),
		ProductID:     affectedID,
		SoldProductID: soldID,
		Delta:         qty.Neg(),
		ReferenceID:   ref.OrderNumber,
		Actor:         ref.Actor,
		At:            ref.At,
	}
}

// Apply writes each movement to target. Nothing here aborts: a missing
// product becomes a warning, an already applied movement is counted, any
// other failure is returned in Failed for the caller to compensate.
func (e *Engine) Apply(ctx context.Context, target store.CatalogStore, movements []domain.StockMovement) Report {
	var report Report
	for _, movement := range movements {
		entry, err := target.ApplyStockMovement(ctx, movement)
		switch {
		case err == nil:
			report.Entries = append(report.Entries, *entry)
		case errors.Is(err, store.ErrDuplicate):
			report.Duplicates++
		case errors.Is(err, store.ErrNotFound):
			e.log.WithField("product_id", movement.ProductID).WithField("movement_id", movement.ID).Warn("product missing from catalog, skipping stock deduction")
			report.Warnings = append(report.Warnings, domain.Warning{Code: domain.WarnProductMissing, Message: fmt.Sprintf("product %s not in catalog; stock not deducted", movement.ProductID)})
		default:
			e.log.WithError(err).WithField("movement_id", movement.ID).Warn("stock deduction failed")
			report.Failed = append(report.Failed, Failure{Movement: movement, Err: err})
			report.Warnings = append(report.Warnings, domain.Warning{Code: domain.WarnStockFailed, Message: fmt.Sprintf("stock of %s not deducted yet; queued for retry", movement.ProductID)})
		}
	}
	return report
}

func (e *Engine) Deduct(ctx context.Context, lookup ProductLookup, target store.CatalogStore, ref Reference, lines []domain.CartLine) Report {
	movements, warnings := e.Plan(ctx, lookup, ref, lines)
	report := e.Apply(ctx, target, movements)
	report.Warnings = append(warnings, report.Warnings...)
	return report
}

// NextStock is the stock level after applying delta, floored at zero.
func NextStock(previous, delta decimal.Decimal) decimal.Decimal {
	next := previous.Add(delta)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
