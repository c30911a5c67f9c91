package cashback

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"kasirinaja/terminal/internal/domain"
)

const costLimit = 10000

// Engine evaluates cashback rules. Predicates and point formulas are CEL
// expressions over two maps:
//
//	line: product_id, category_id, quantity (double), unit_price, line_total
//	cart: subtotal, total, line_count
//
// A formula may return int, uint or double; the result is floored and
// negative results earn nothing.
type Engine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("line", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("cart", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

type CartContext struct {
	SubtotalCents int64
	TotalCents    int64
}

// Validate compiles every predicate and formula so broken rules are caught at
// load time instead of during checkout.
func (e *Engine) Validate(rules []domain.CashbackRule) error {
	for _, rule := range rules {
		if scopeRank(rule.Scope) < 0 {
			return fmt.Errorf("rule %s: unknown scope %q", rule.ID, rule.Scope)
		}
		if rule.Formula == "" {
			return fmt.Errorf("rule %s: formula required", rule.ID)
		}
		if _, err := e.program(rule.Formula); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if rule.Predicate != "" {
			if _, err := e.program(rule.Predicate); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
	}
	return nil
}

// Compute awards each line the points of its single best matching active rule.
func (e *Engine) Compute(lines []domain.CartLine, rules []domain.CashbackRule, cart CartContext) (domain.CashbackBreakdown, error) {
	ordered := orderRules(rules)
	result := domain.CashbackBreakdown{Lines: make([]domain.LinePoints, 0, len(lines))}

	cartVars := map[string]any{
		"subtotal":   cart.SubtotalCents,
		"total":      cart.TotalCents,
		"line_count": int64(len(lines)),
	}

	for _, line := range lines {
		activation := map[string]any{
			"line": lineVars(line),
			"cart": cartVars,
		}

		entry := domain.LinePoints{ProductID: line.ProductID}
		for _, rule := range ordered {
			if !scopeMatches(rule, line, cart) {
				continue
			}
			if rule.Predicate != "" {
				ok, err := e.evalBool(rule.Predicate, activation)
				if err != nil {
					return domain.CashbackBreakdown{}, fmt.Errorf("rule %s predicate: %w", rule.ID, err)
				}
				if !ok {
					continue
				}
			}
			points, err := e.evalPoints(rule.Formula, activation)
			if err != nil {
				return domain.CashbackBreakdown{}, fmt.Errorf("rule %s formula: %w", rule.ID, err)
			}
			entry.Points = points
			entry.RuleApplied = rule.ID
			break
		}

		result.Lines = append(result.Lines, entry)
		result.TotalPoints += entry.Points
	}

	return result, nil
}

func (e *Engine) evalBool(expr string, activation map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result not boolean")
	}
	return val, nil
}

func (e *Engine) evalPoints(expr string, activation map[string]any) (int64, error) {
	prg, err := e.program(expr)
	if err != nil {
		return 0, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return 0, fmt.Errorf("CEL eval error: %w", err)
	}

	var points int64
	switch v := out.Value().(type) {
	case int64:
		points = v
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("formula result overflows")
		}
		points = int64(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("formula result not finite")
		}
		points = int64(math.Floor(v))
	default:
		return 0, fmt.Errorf("formula result not numeric: %T", v)
	}
	if points < 0 {
		return 0, nil
	}
	return points, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func lineVars(line domain.CartLine) map[string]any {
	qty, _ := line.Quantity.Float64()
	return map[string]any{
		"product_id":  line.ProductID,
		"category_id": line.CategoryID,
		"quantity":    qty,
		"unit_price":  line.UnitPriceCents,
		"line_total":  line.LineTotalCents,
	}
}

func scopeRank(scope string) int {
	switch scope {
	case domain.ScopeProduct:
		return 0
	case domain.ScopeCategory:
		return 1
	case domain.ScopeCartTotal:
		return 2
	default:
		return -1
	}
}

func scopeMatches(rule domain.CashbackRule, line domain.CartLine, cart CartContext) bool {
	switch rule.Scope {
	case domain.ScopeProduct:
		return rule.ProductID != "" && rule.ProductID == line.ProductID
	case domain.ScopeCategory:
		return rule.CategoryID != "" && rule.CategoryID == line.CategoryID
	case domain.ScopeCartTotal:
		return cart.TotalCents >= rule.MinCartTotalCents
	default:
		return false
	}
}

// orderRules keeps active rules sorted most specific first, then by priority,
// then by id so ties resolve the same way on every device.
func orderRules(rules []domain.CashbackRule) []domain.CashbackRule {
	active := make([]domain.CashbackRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active && scopeRank(rule.Scope) >= 0 {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ri, rj := scopeRank(active[i].Scope), scopeRank(active[j].Scope)
		if ri != rj {
			return ri < rj
		}
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}
