package syncqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent sync failure")

const recordSchemaURL = "https://kasirinaja.local/schemas/sync-queue-item.schema.json"

// The persisted shape other tools rely on.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "action", "payload", "createdAt", "status", "attemptCount"],
  "properties": {
    "type": {"type": "string", "enum": ["receipt", "stock_movement", "point_entry"]},
    "action": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "createdAt": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["pending", "failed"]},
    "attemptCount": {"type": "integer", "minimum": 0}
  }
}`

type Policy struct {
	// MaxAttempts of zero retries forever.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	BatchSize      int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    0,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
		BatchSize:      50,
	}
}

type Queue struct {
	store  store.SyncQueueStore
	schema *jsonschema.Schema
	policy Policy
	now    func() time.Time
}

func NewQueue(s store.SyncQueueStore, policy Policy) (*Queue, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(recordSchemaURL, strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("sync queue schema load failed: %w", err)
	}
	schema, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("sync queue schema compile failed: %w", err)
	}

	defaults := DefaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaults.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = defaults.MaxBackoff
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = defaults.Multiplier
	}
	if policy.BatchSize < 1 {
		policy.BatchSize = defaults.BatchSize
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}

	return &Queue{store: s, schema: schema, policy: policy, now: time.Now}, nil
}

func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue durably records an intent. Enqueueing the same key twice returns
// the item already queued.
func (q *Queue) Enqueue(ctx context.Context, itemType, action, key string, payload any) (*domain.SyncQueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode sync payload: %w", err)
	}
	digest, err := Digest(raw)
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	item := domain.SyncQueueItem{
		ID:             xid.New("sync"),
		Type:           itemType,
		Action:         action,
		Payload:        raw,
		CreatedAt:      now,
		Status:         domain.SyncItemPending,
		AttemptCount:   0,
		IdempotencyKey: key,
		PayloadDigest:  digest,
		NextAttemptAt:  now,
	}
	if err := q.Validate(item); err != nil {
		return nil, err
	}
	return q.store.EnqueueSyncItem(ctx, item)
}

// Validate checks item against the persisted record shape.
func (q *Queue) Validate(item domain.SyncQueueItem) error {
	if strings.TrimSpace(item.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", store.ErrInvalid)
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return err
	}
	if err := q.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]domain.SyncQueueItem, error) {
	return q.store.ListSyncItems(ctx, 0)
}

// Retry re-arms a failed item with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (*domain.SyncQueueItem, error) {
	item, err := q.store.GetSyncItem(ctx, id)
	if err != nil {
		return nil, err
	}
	item.Status = domain.SyncItemPending
	item.AttemptCount = 0
	item.NextAttemptAt = q.now().UTC()
	if err := q.store.UpdateSyncItem(ctx, *item); err != nil {
		return nil, err
	}
	return item, nil
}

// Backoff is the wait after the given number of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.policy.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          q.policy.Multiplier,
		MaxInterval:         q.policy.MaxBackoff,
	}
	b.Reset()
	var wait time.Duration
	for i := 0; i < attempts; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// Digest is the sha256 of the canonical (RFC 8785) form of payload.
func Digest(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize sync payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (q *Queue) recordFailure(ctx context.Context, item domain.SyncQueueItem, cause error) (domain.SyncQueueItem, error) {
	now := q.now().UTC()
	item.AttemptCount++
	item.LastError = cause.Error()
	item.LastAttemptAt = &now

	if errors.Is(cause, ErrPermanent) || (q.policy.MaxAttempts > 0 && item.AttemptCount >= q.policy.MaxAttempts) {
		item.Status = domain.SyncItemFailed
	} else {
		item.NextAttemptAt = now.Add(q.Backoff(item.AttemptCount))
	}
	return item, q.store.UpdateSyncItem(ctx, item)
}
