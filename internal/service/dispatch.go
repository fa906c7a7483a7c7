package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/depositops/internal/domain"
	"go.uber.org/zap"
)

// Dispatch is the queue handler. It returns an error only for transient
// failures, which the queue answers with redelivery; permanent failures are
// audited and acknowledged.
func (c *Coordinator) Dispatch(ctx context.Context, cmd domain.Command) error {
	var err error
	switch cmd := cmd.(type) {
	case domain.BankWebhookCommand:
		err = c.handleBankWebhook(ctx, cmd)
	case domain.GmailWebhookCommand:
		err = c.handleGmail(ctx, cmd)
	case domain.InitiateCommand:
		err = c.initiateQueued(ctx, cmd)
	case domain.AttachSlipCommand:
		_, err = c.AttachSlip(ctx, cmd.DepositID, cmd.Image)
		// already counted against the record's slip attempts
		if errors.Is(err, domain.ErrLowConfidenceExtraction) || errors.Is(err, domain.ErrUnreadableImage) {
			err = nil
		}
	case domain.ConfirmCommand:
		_, err = c.Confirm(ctx, cmd.DepositID)
	case domain.ExpireCommand:
		_, err = c.Expire(ctx)
	default:
		err = fmt.Errorf("unhandled command %T", cmd)
	}

	switch {
	case err == nil:
		return nil
	case domain.IsTransient(err):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}

	c.audit(ctx, domain.AuditEntry{
		DepositID: depositOf(cmd),
		Kind:      domain.AuditCommandFailed,
		Detail:    fmt.Sprintf("%s: %v", cmd.Kind(), err),
	})
	c.log.Warn("command failed permanently",
		zap.String("kind", string(cmd.Kind())),
		zap.String("deposit_id", depositOf(cmd)),
		zap.Error(err))
	return nil
}

// DeadLetter records a command the queue gave up on.
func (c *Coordinator) DeadLetter(ctx context.Context, cmd domain.Command, deliveries int, err error) {
	c.audit(ctx, domain.AuditEntry{
		DepositID: depositOf(cmd),
		Kind:      domain.AuditDeadLetter,
		Detail:    fmt.Sprintf("%s after %d deliveries: %v", cmd.Kind(), deliveries, err),
	})
	c.log.Error("command dead-lettered",
		zap.String("kind", string(cmd.Kind())),
		zap.String("deposit_id", depositOf(cmd)),
		zap.Int("deliveries", deliveries),
		zap.Error(err))
}

// DropUndecodable records a queue message that carried no valid command.
func (c *Coordinator) DropUndecodable(ctx context.Context, payload []byte, err error) {
	c.audit(ctx, domain.AuditEntry{
		Kind:   domain.AuditDropped,
		Detail: fmt.Sprintf("undecodable command (%d bytes): %v", len(payload), err),
	})
	c.log.Error("undecodable command dropped",
		zap.Int("bytes", len(payload)),
		zap.Error(err))
}

func depositOf(cmd domain.Command) string {
	switch cmd := cmd.(type) {
	case domain.InitiateCommand:
		return cmd.DepositID
	case domain.AttachSlipCommand:
		return cmd.DepositID
	case domain.ConfirmCommand:
		return cmd.DepositID
	}
	return ""
}
