package service

import (
	"context"
	"errors"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

// ruleSet loads the store's cashback rules and discount catalog: shared cache
// first, then the remote store (refreshing cache and local mirror), then the
// local mirror. A store without any rule set prices without discounts or
// cashback.
func (s *Service) ruleSet(ctx context.Context) (domain.RuleSet, error) {
	log := s.log.WithField("store_id", s.storeID)

	cached, ok, err := s.rules.Get(ctx, s.storeID)
	if err != nil {
		log.WithError(err).WithField("component", "cache").Warn("rule cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	remote, err := s.remote.GetRuleSet(ctx, s.storeID)
	if err == nil {
		if verr := s.cashback.Validate(remote.CashbackRules); verr != nil {
			log.WithError(verr).Error("remote rule set rejected, using local mirror")
		} else {
			if cerr := s.rules.Set(ctx, remote, s.ruleCacheTTL); cerr != nil {
				log.WithError(cerr).WithField("component", "cache").Warn("rule cache write failed")
			}
			if merr := s.local.SaveRuleSet(ctx, *remote); merr != nil {
				log.WithError(merr).Warn("rule set not mirrored locally")
			}
			return *remote, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Debug("remote rule set unavailable, using local mirror")
	}

	local, err := s.local.GetRuleSet(ctx, s.storeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RuleSet{StoreID: s.storeID}, nil
		}
		return domain.RuleSet{}, err
	}
	return *local, nil
}

// InvalidateRules drops the shared cache entry so the next checkout reloads.
func (s *Service) InvalidateRules(ctx context.Context) error {
	return s.rules.Invalidate(ctx, s.storeID)
}
