package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

// Handler applies one queued intent to the remote store. It must be safe to
// call again for an intent that was already applied.
type Handler func(ctx context.Context, item domain.SyncQueueItem) error

type FlushReport struct {
	Attempted    int `json:"attempted"`
	Acknowledged int `json:"acknowledged"`
	Retrying     int `json:"retrying"`
	Failed       int `json:"failed"`
}

type Dispatcher struct {
	queue    *Queue
	handlers map[string]Handler
	interval time.Duration
	log      logrus.FieldLogger
	observe  func(result string)

	mu sync.Mutex
}

func NewDispatcher(q *Queue, interval time.Duration, log logrus.FieldLogger) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		queue:    q,
		handlers: make(map[string]Handler),
		interval: interval,
		log:      log.WithField("component", "syncqueue"),
		observe:  func(string) {},
	}
}

func (d *Dispatcher) Handle(itemType, action string, h Handler) {
	d.handlers[itemType+"/"+action] = h
}

// Observe registers a callback receiving "acknowledged", "retrying" or "failed"
// for every attempt.
func (d *Dispatcher) Observe(fn func(result string)) {
	if fn != nil {
		d.observe = fn
	}
}

// Run flushes on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := d.Flush(ctx)
			if err != nil {
				d.log.WithError(err).Warn("sync flush failed")
				continue
			}
			if report.Attempted > 0 {
				d.log.WithFields(logrus.Fields{
					"acknowledged": report.Acknowledged,
					"retrying":     report.Retrying,
					"failed":       report.Failed,
				}).Info("sync flush finished")
			}
		}
	}
}

// Flush attempts up to one batch of due pending items once, in insertion
// order. Failed items wait for Retry and never take a batch slot. Items are
// removed only after their handler reports success. The pass stops early
// when the remote store is unreachable.
func (d *Dispatcher) Flush(ctx context.Context) (FlushReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var report FlushReport
	items, err := d.queue.store.ListDueSyncItems(ctx, d.queue.now().UTC(), d.queue.policy.BatchSize)
	if err != nil {
		return report, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		report.Attempted++
		cause := d.dispatch(ctx, item)
		entry := d.log.WithFields(logrus.Fields{"sync_id": item.ID, "type": item.Type, "action": item.Action, "key": item.IdempotencyKey})

		if cause == nil {
			if err := d.queue.store.DeleteSyncItem(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return report, fmt.Errorf("remove acknowledged sync item %s: %w", item.ID, err)
			}
			report.Acknowledged++
			d.observe("acknowledged")
			entry.Debug("sync item acknowledged")
			continue
		}

		updated, err := d.queue.recordFailure(ctx, item, cause)
		if err != nil {
			return report, fmt.Errorf("record sync failure %s: %w", item.ID, err)
		}
		if updated.Status == domain.SyncItemFailed {
			report.Failed++
			d.observe("failed")
			entry.WithError(cause).WithField("attempts", updated.AttemptCount).Error("sync item gave up")
		} else {
			report.Retrying++
			d.observe("retrying")
			entry.WithError(cause).WithField("next_attempt_at", updated.NextAttemptAt).Warn("sync item will retry")
		}

		if errors.Is(cause, store.ErrUnavailable) {
			break
		}
	}
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, item domain.SyncQueueItem) error {
	if item.PayloadDigest != "" {
		digest, err := Digest(item.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if digest != item.PayloadDigest {
			return fmt.Errorf("%w: payload digest mismatch", ErrPermanent)
		}
	}

	h, ok := d.handlers[item.Type+"/"+item.Action]
	if !ok {
		return fmt.Errorf("%w: no handler for %s/%s", ErrPermanent, item.Type, item.Action)
	}
	return h(ctx, item)
}
