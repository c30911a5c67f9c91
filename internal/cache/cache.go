package cache

import (
	"context"
	"time"

	"kasirinaja/terminal/internal/domain"
)

// RuleSetCache shares a store's cashback rules and discount catalog between
// terminals so each one does not hit the remote store on every checkout.
type RuleSetCache interface {
	Get(ctx context.Context, storeID string) (*domain.RuleSet, bool, error)
	Set(ctx context.Context, rules *domain.RuleSet, ttl time.Duration) error
	Invalidate(ctx context.Context, storeID string) error
}

func Key(storeID string) string {
	return "kasirinaja:rules:" + storeID
}

type NoopRuleSetCache struct{}

func (NoopRuleSetCache) Get(_ context.Context, _ string) (*domain.RuleSet, bool, error) {
	return nil, false, nil
}

func (NoopRuleSetCache) Set(_ context.Context, _ *domain.RuleSet, _ time.Duration) error {
	return nil
}

func (NoopRuleSetCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
