package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/syncqueue"
)

// receiptIntent is the payload of a receipt/create item: the sale plus every
// effect it still owes the remote store, each under its deterministic id.
type receiptIntent struct {
	Receipt      domain.Receipt            `json:"receipt"`
	Movements    []domain.StockMovement    `json:"movements"`
	PointEntries []domain.PointLedgerEntry `json:"point_entries"`
}

func receiptKey(orderNumber string) string {
	return "receipt:" + orderNumber
}

// queuedPointEntries decodes the point entries for customerID that pending
// queue items still owe the remote ledger. Undecodable payloads are skipped;
// the dispatcher fails them on its own.
func (s *Service) queuedPointEntries(ctx context.Context, customerID string) ([]domain.PointLedgerEntry, error) {
	items, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.PointLedgerEntry
	for _, item := range items {
		if item.Status != domain.SyncItemPending {
			continue
		}
		var entries []domain.PointLedgerEntry
		switch item.Type {
		case domain.SyncTypePointEntry:
			var entry domain.PointLedgerEntry
			if err := json.Unmarshal(item.Payload, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		case domain.SyncTypeReceipt:
			var intent receiptIntent
			if err := json.Unmarshal(item.Payload, &intent); err != nil {
				continue
			}
			entries = intent.PointEntries
		}
		for _, entry := range entries {
			if entry.CustomerID == customerID {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (s *Service) registerSyncHandlers() {
	s.dispatcher.Handle(domain.SyncTypeReceipt, domain.SyncActionCreate, s.replayReceipt)
	s.dispatcher.Handle(domain.SyncTypeStockMovement, domain.SyncActionApply, s.replayStockMovement)
	s.dispatcher.Handle(domain.SyncTypePointEntry, domain.SyncActionAppend, s.replayPointEntry)
}

// replayReceipt commits an offline sale remotely. Every write is keyed, so a
// replay after a partial success applies nothing twice. Effects that fail for
// reasons other than connectivity are split off as their own items so the
// receipt itself can be acknowledged.
func (s *Service) replayReceipt(ctx context.Context, item domain.SyncQueueItem) error {
	var intent receiptIntent
	if err := json.Unmarshal(item.Payload, &intent); err != nil {
		return fmt.Errorf("%w: decode receipt intent: %v", syncqueue.ErrPermanent, err)
	}
	if intent.Receipt.OrderNumber == "" {
		return fmt.Errorf("%w: receipt without order number", syncqueue.ErrPermanent)
	}
	log := s.log.WithField("order_number", intent.Receipt.OrderNumber)

	receipt := intent.Receipt
	syncedAt := s.now().UTC()
	receipt.SyncStatus = domain.SyncStatusSynced
	receipt.SyncedAt = &syncedAt
	saved, err := s.remote.SaveReceipt(ctx, receipt)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate):
		if saved != nil && !sameSale(*saved, receipt) {
			return fmt.Errorf("%w: order number %s belongs to another sale", syncqueue.ErrPermanent, receipt.OrderNumber)
		}
	default:
		return err
	}

	report := s.stock.Apply(ctx, s.remote, intent.Movements)
	for _, failure := range report.Failed {
		if errors.Is(failure.Err, store.ErrUnavailable) {
			return failure.Err
		}
	}
	for _, entry := range intent.PointEntries {
		if _, err := s.remoteLedger.Append(ctx, entry); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			log.WithError(err).WithField("entry_id", entry.ID).Warn("replayed point entry failed, queued separately")
			if _, qerr := s.queue.Enqueue(ctx, domain.SyncTypePointEntry, domain.SyncActionAppend, "points:"+entry.ID, entry); qerr != nil {
				return qerr
			}
		}
	}
	for _, failure := range report.Failed {
		log.WithError(failure.Err).WithField("movement_id", failure.Movement.ID).Warn("replayed stock movement failed, queued separately")
		if _, qerr := s.queue.Enqueue(ctx, domain.SyncTypeStockMovement, domain.SyncActionApply, "stock:"+failure.Movement.ID, failure.Movement); qerr != nil {
			return qerr
		}
	}

	if err := s.local.MarkReceiptSynced(ctx, receipt.OrderNumber, syncedAt); err != nil {
		log.WithError(err).Warn("receipt synced but local status not updated")
	}
	log.WithField("duplicates", report.Duplicates).Info("offline receipt synced")
	return nil
}

func (s *Service) replayStockMovement(ctx context.Context, item domain.SyncQueueItem) error {
	var movement domain.StockMovement
	if err := json.Unmarshal(item.Payload, &movement); err != nil || movement.ID == "" {
		return fmt.Errorf("%w: decode stock movement", syncqueue.ErrPermanent)
	}
	_, err := s.remote.ApplyStockMovement(ctx, movement)
	switch {
	case err == nil, errors.Is(err, store.ErrDuplicate):
		return nil
	case errors.Is(err, store.ErrNotFound):
		s.log.WithField("product_id", movement.ProductID).WithField("movement_id", movement.ID).Warn("product gone from catalog, dropping stock movement")
		return nil
	default:
		return err
	}
}

func (s *Service) replayPointEntry(ctx context.Context, item domain.SyncQueueItem) error {
	var entry domain.PointLedgerEntry
	if err := json.Unmarshal(item.Payload, &entry); err != nil || entry.ID == "" {
		return fmt.Errorf("%w: decode point entry", syncqueue.ErrPermanent)
	}
	_, err := s.remoteLedger.Append(ctx, entry)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInsufficientBalance), errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", syncqueue.ErrPermanent, err)
	default:
		return err
	}
}
