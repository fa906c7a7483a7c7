package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"go.uber.org/zap"
)

// Confirmation is the outcome of Confirm.
type Confirmation struct {
	Record     *domain.DepositRecord
	Settlement *domain.SettlementResult
	Replayed   bool
}

// Confirm settles a matched deposit. Confirming a settled deposit returns the
// original settlement with Replayed set and credits nothing.
func (c *Coordinator) Confirm(ctx context.Context, depositID string) (*Confirmation, error) {
	unlock := c.locks.Lock(keylock.DepositKey(depositID))
	defer unlock()

	rec, err := c.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.StateMatched && rec.State != domain.StateSettled {
		return &Confirmation{Record: rec}, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidState, rec.State)
	}

	res, err := retry(ctx, c, "settle", func() (*domain.SettlementResult, error) {
		return c.ledger.Settle(ctx, rec.ID, rec.RequestedAmount, rec.UserID)
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		metrics.DepositsTotal.WithLabelValues(string(domain.StateSettled)).Inc()
	}
	if rec, err = c.store.GetDeposit(ctx, depositID); err != nil {
		return nil, err
	}
	return &Confirmation{Record: rec, Settlement: res, Replayed: res.Replayed}, nil
}

// enqueueConfirm schedules settlement. When the queue refuses the command the
// deposit is settled inline.
func (c *Coordinator) enqueueConfirm(ctx context.Context, depositID string) error {
	err := c.queue.Publish(ctx, domain.ConfirmCommand{DepositID: depositID})
	if err == nil {
		return nil
	}
	c.log.Warn("confirm enqueue failed, settling inline",
		zap.String("deposit_id", depositID),
		zap.Error(err))
	_, err = c.Confirm(ctx, depositID)
	return err
}

// Recover re-schedules settlement for every deposit left Matched by a
// previous process.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	recs, err := c.store.ListByState(ctx, domain.StateMatched, 0)
	if err != nil {
		return 0, fmt.Errorf("list matched: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := c.enqueueConfirm(ctx, rec.ID); err != nil {
			c.log.Error("recovery confirm failed",
				zap.String("deposit_id", rec.ID),
				zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		c.log.Info("matched deposits re-queued for settlement", zap.Int("count", n))
	}
	return n, nil
}
