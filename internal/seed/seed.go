// Package seed loads a terminal's starting catalog, customers, rules and
// operators from YAML.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"kasirinaja/terminal/internal/domain"
)

// Target receives seeded records. Both the local cache and the in-memory
// remote satisfy it.
type Target interface {
	UpsertProduct(ctx context.Context, product domain.Product) error
	UpsertCustomer(ctx context.Context, customer domain.Customer) error
	SaveRuleSet(ctx context.Context, rules domain.RuleSet) error
}

type File struct {
	StoreID       string                `yaml:"store_id"`
	Products      []domain.Product      `yaml:"products"`
	Customers     []domain.Customer     `yaml:"customers"`
	CashbackRules []domain.CashbackRule `yaml:"cashback_rules"`
	Discounts     []domain.Discount     `yaml:"discounts"`
	RawOperators  []operator            `yaml:"operators"`
}

// operator accepts either a bcrypt pin_hash or, for development seeds, a
// plain pin that is hashed on load.
type operator struct {
	Username string `yaml:"username"`
	PIN      string `yaml:"pin"`
	PINHash  string `yaml:"pin_hash"`
	Role     string `yaml:"role"`
	Active   *bool  `yaml:"active"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed %q: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.Products))
	for _, p := range f.Products {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("product %q has no id", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("product %s listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.PriceCents < 0 || p.Stock.IsNegative() {
			return fmt.Errorf("product %s: price and stock must not be negative", p.ID)
		}
	}
	for _, p := range f.Products {
		if !p.HasRecipe() {
			continue
		}
		for _, ing := range p.Recipe.Ingredients {
			if _, ok := seen[ing.IngredientProductID]; !ok {
				return fmt.Errorf("product %s: unknown ingredient %s", p.ID, ing.IngredientProductID)
			}
			if !ing.QuantityPerUnit.IsPositive() {
				return fmt.Errorf("product %s: ingredient %s needs a positive quantity", p.ID, ing.IngredientProductID)
			}
		}
	}
	for _, c := range f.Customers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("customer %q has no id", c.Name)
		}
	}
	for _, op := range f.RawOperators {
		if op.Username == "" {
			return fmt.Errorf("operator without username")
		}
		if op.PIN == "" && op.PINHash == "" {
			return fmt.Errorf("operator %s needs pin or pin_hash", op.Username)
		}
		if op.Role != domain.RoleAdmin && op.Role != domain.RoleCashier {
			return fmt.Errorf("operator %s: unknown role %q", op.Username, op.Role)
		}
	}
	return nil
}

// RuleSet returns the store's cashback rules and discount catalog.
func (f *File) RuleSet(now time.Time) domain.RuleSet {
	return domain.RuleSet{
		StoreID:       f.StoreID,
		CashbackRules: f.CashbackRules,
		Discounts:     f.Discounts,
		UpdatedAt:     now.UTC(),
	}
}

// Operators returns the seeded operators with plain pins replaced by hashes.
func (f *File) Operators() ([]domain.Operator, error) {
	out := make([]domain.Operator, 0, len(f.RawOperators))
	for _, op := range f.RawOperators {
		hash := op.PINHash
		if hash == "" {
			raw, err := bcrypt.GenerateFromPassword([]byte(op.PIN), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash pin of %s: %w", op.Username, err)
			}
			hash = string(raw)
		}
		active := true
		if op.Active != nil {
			active = *op.Active
		}
		out = append(out, domain.Operator{Username: op.Username, PINHash: hash, Role: op.Role, Active: active})
	}
	return out, nil
}

// Apply writes products, customers and the rule set to each target.
func (f *File) Apply(ctx context.Context, now time.Time, targets ...Target) error {
	rules := f.RuleSet(now)
	for _, t := range targets {
		for _, p := range f.Products {
			p.UpdatedAt = now.UTC()
			if err := t.UpsertProduct(ctx, p); err != nil {
				return fmt.Errorf("seed product %s: %w", p.ID, err)
			}
		}
		for _, c := range f.Customers {
			c.UpdatedAt = now.UTC()
			if err := t.UpsertCustomer(ctx, c); err != nil {
				return fmt.Errorf("seed customer %s: %w", c.ID, err)
			}
		}
		if f.StoreID != "" {
			if err := t.SaveRuleSet(ctx, rules); err != nil {
				return fmt.Errorf("seed rules: %w", err)
			}
		}
	}
	return nil
}
