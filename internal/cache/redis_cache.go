package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/terminal/internal/domain"
)

type RedisRuleSetCache struct {
	client *redis.Client
}

func NewRedisRuleSetCache(addr string, password string, db int) *RedisRuleSetCache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	return &RedisRuleSetCache{client: client}
}

func (c *RedisRuleSetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRuleSetCache) Close() error {
	return c.client.Close()
}

func (c *RedisRuleSetCache) Get(ctx context.Context, storeID string) (*domain.RuleSet, bool, error) {
	val, err := c.client.Get(ctx, Key(storeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rules domain.RuleSet
	if err := json.Unmarshal(val, &rules); err != nil {
		return nil, false, err
	}
	return &rules, true, nil
}

func (c *RedisRuleSetCache) Set(ctx context.Context, rules *domain.RuleSet, ttl time.Duration) error {
	if rules == nil || rules.StoreID == "" {
		return nil
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(rules.StoreID), payload, ttl).Err()
}

func (c *RedisRuleSetCache) Invalidate(ctx context.Context, storeID string) error {
	return c.client.Del(ctx, Key(storeID)).Err()
}
