package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"go.uber.org/zap"
)

// SubmitSlip queues the slip for extraction and returns the record as it
// stands. The outcome is read back through Get.
func (c *Coordinator) SubmitSlip(ctx context.Context, depositID string, image []byte) (*domain.DepositRecord, error) {
	rec, err := c.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if !rec.Open() {
		return rec, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidState, rec.State)
	}
	if err := c.queue.Publish(ctx, domain.AttachSlipCommand{DepositID: depositID, Image: image}); err != nil {
		return nil, fmt.Errorf("queue slip: %w", err)
	}
	c.log.Info("slip queued",
		zap.String("deposit_id", depositID),
		zap.Int("bytes", len(image)))
	return rec, nil
}

// AttachSlip runs OCR on the transfer slip and moves the record to
// AwaitingMatch. Unreadable or low-confidence slips count as failed attempts;
// the last allowed failure rejects the record.
func (c *Coordinator) AttachSlip(ctx context.Context, depositID string, image []byte) (*domain.DepositRecord, error) {
	rec, err := c.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if !rec.Open() {
		return rec, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidState, rec.State)
	}

	// extraction is slow, keep it outside the locks
	slip, err := retry(ctx, c, "extract_slip", func() (*domain.SlipResult, error) {
		return c.extractor.Extract(ctx, image)
	})
	var failure error
	switch {
	case errors.Is(err, domain.ErrUnreadableImage):
		failure = err
	case err != nil:
		return nil, err
	case slip.Confidence < c.cfg.ConfidenceThreshold:
		failure = fmt.Errorf("%w: %.2f below %.2f", domain.ErrLowConfidenceExtraction, slip.Confidence, c.cfg.ConfidenceThreshold)
	}

	unlock := c.locks.LockAll(keylock.AccountKey(rec.AssignedAccountID), keylock.DepositKey(depositID))
	rec, err = c.store.GetDeposit(ctx, depositID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !rec.Open() {
		unlock()
		return rec, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidState, rec.State)
	}

	if failure != nil {
		rec, err = c.failSlip(ctx, rec, failure)
		unlock()
		if err != nil {
			return nil, err
		}
		return rec, failure
	}

	prev := rec.State
	rec.Slip = slip
	if err := rec.Transition(domain.StateAwaitingMatch, c.now()); err != nil {
		unlock()
		return nil, err
	}
	if err := c.store.UpdateDeposit(ctx, rec, prev); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	if prev == domain.StatePending {
		metrics.DepositsTotal.WithLabelValues(string(domain.StateAwaitingMatch)).Inc()
		c.audit(ctx, domain.AuditEntry{
			DepositID: rec.ID,
			AccountID: rec.AssignedAccountID,
			Kind:      domain.AuditTransition,
			Detail:    fmt.Sprintf("pending -> awaiting_match, slip %s conf %.2f", slip.Amount, slip.Confidence),
		})
	}
	c.log.Info("slip accepted",
		zap.String("deposit_id", rec.ID),
		zap.String("account_id", rec.AssignedAccountID),
		zap.String("slip_amount", slip.Amount.String()),
		zap.Float64("confidence", slip.Confidence))

	// an event may have arrived before the slip
	matched, ok, err := c.matcher.MatchBuffered(ctx, rec.ID)
	if err != nil {
		return rec, fmt.Errorf("match buffered events: %w", err)
	}
	if !ok {
		return rec, nil
	}
	if err := c.enqueueConfirm(ctx, matched.ID); err != nil {
		c.log.Error("confirm not scheduled",
			zap.String("deposit_id", matched.ID),
			zap.Error(err))
	}
	return matched, nil
}

func (c *Coordinator) failSlip(ctx context.Context, rec *domain.DepositRecord, failure error) (*domain.DepositRecord, error) {
	prev := rec.State
	rec.SlipAttempts++
	rec.UpdatedAt = c.now()

	rejected := rec.SlipAttempts >= c.cfg.SlipMaxAttempts
	if rejected {
		if err := rec.Transition(domain.StateRejected, c.now()); err != nil {
			return nil, err
		}
		rec.RejectReason = "low_confidence"
		if errors.Is(failure, domain.ErrUnreadableImage) {
			rec.RejectReason = "unreadable_image"
		}
	}
	if err := c.store.UpdateDeposit(ctx, rec, prev); err != nil {
		return nil, err
	}

	c.log.Warn("slip attempt failed",
		zap.String("deposit_id", rec.ID),
		zap.Int("attempt", rec.SlipAttempts),
		zap.Bool("rejected", rejected),
		zap.Error(failure))
	if rejected {
		metrics.DepositsTotal.WithLabelValues(string(domain.StateRejected)).Inc()
		c.audit(ctx, domain.AuditEntry{
			DepositID: rec.ID,
			AccountID: rec.AssignedAccountID,
			Kind:      domain.AuditTransition,
			Detail:    fmt.Sprintf("%s -> rejected after %d slip attempts: %v", prev, rec.SlipAttempts, failure),
		})
		c.release(ctx, rec)
	}
	return rec, nil
}
