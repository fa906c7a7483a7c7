package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"go.uber.org/zap"
)

const expireBatch = 500

// Expire closes open records past their deadline, releases their
// reservations and orphans buffered events older than the matching window.
func (c *Coordinator) Expire(ctx context.Context) (int, error) {
	now := c.now()
	recs, err := c.store.ListExpirable(ctx, now, expireBatch)
	if err != nil {
		return 0, fmt.Errorf("list expirable: %w", err)
	}

	var errs []error
	expired := 0
	for _, r := range recs {
		ok, err := c.expireOne(ctx, r.ID, r.AssignedAccountID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}

	orphaned, err := c.matcher.SweepOrphans(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	if expired > 0 || orphaned > 0 {
		c.log.Info("expiry sweep",
			zap.Int("expired", expired),
			zap.Int("orphaned", orphaned))
	}
	return expired, errors.Join(errs...)
}

func (c *Coordinator) expireOne(ctx context.Context, id, accountID string, now time.Time) (bool, error) {
	unlock := c.locks.LockAll(keylock.AccountKey(accountID), keylock.DepositKey(id))
	defer unlock()

	rec, err := c.store.GetDeposit(ctx, id)
	if err != nil {
		return false, err
	}
	// matched or slip-verified in the meantime
	if !rec.Open() || rec.ExpiresAt.After(now) {
		return false, nil
	}
	prev := rec.State
	if err := rec.Transition(domain.StateExpired, now); err != nil {
		return false, err
	}
	rec.RejectReason = "expired"
	if err := c.store.UpdateDeposit(ctx, rec, prev); err != nil {
		return false, err
	}

	metrics.DepositsTotal.WithLabelValues(string(domain.StateExpired)).Inc()
	c.audit(ctx, domain.AuditEntry{
		DepositID: rec.ID,
		AccountID: rec.AssignedAccountID,
		Kind:      domain.AuditTransition,
		Detail:    fmt.Sprintf("%s -> expired", prev),
	})
	c.release(ctx, rec)
	c.log.Info("deposit expired",
		zap.String("deposit_id", rec.ID),
		zap.String("account_id", rec.AssignedAccountID))
	return true, nil
}

// PurgeTerminal deletes closed records older than the retention period.
func (c *Coordinator) PurgeTerminal(ctx context.Context) (int64, error) {
	n, err := c.store.PurgeTerminal(ctx, c.now().Add(-c.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if n > 0 {
		c.log.Info("terminal deposits purged", zap.Int64("count", n))
	}
	return n, nil
}
