package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"go.uber.org/zap"
)

// IngestRawBankWebhook checks the webhook signature and queues the raw
// payload for the worker pool. Forged or malformed payloads are dropped here.
func (c *Coordinator) IngestRawBankWebhook(ctx context.Context, payload []byte, signature string) error {
	if _, err := c.normalizer.NormalizeBank(payload, signature); err != nil {
		c.drop(ctx, domain.SourceBankWebhook, err)
		return err
	}
	return c.queue.Publish(ctx, domain.BankWebhookCommand{Payload: payload, Signature: signature})
}

// IngestRawGmailNotification is the Gmail push counterpart of IngestRawBankWebhook.
func (c *Coordinator) IngestRawGmailNotification(ctx context.Context, payload []byte, resourceState, channelToken string) error {
	if _, err := c.normalizer.NormalizeGmail(payload, resourceState, channelToken); err != nil {
		c.drop(ctx, domain.SourceGmail, err)
		return err
	}
	return c.queue.Publish(ctx, domain.GmailWebhookCommand{
		Payload:       payload,
		ResourceState: resourceState,
		ChannelToken:  channelToken,
	})
}

func (c *Coordinator) handleBankWebhook(ctx context.Context, cmd domain.BankWebhookCommand) error {
	e, err := c.normalizer.NormalizeBank(cmd.Payload, cmd.Signature)
	if err != nil {
		c.drop(ctx, domain.SourceBankWebhook, err)
		return nil
	}
	return c.ingestWithRetry(ctx, e)
}

func (c *Coordinator) handleGmail(ctx context.Context, cmd domain.GmailWebhookCommand) error {
	e, err := c.normalizer.NormalizeGmail(cmd.Payload, cmd.ResourceState, cmd.ChannelToken)
	if err != nil {
		c.drop(ctx, domain.SourceGmail, err)
		return nil
	}
	return c.ingestWithRetry(ctx, e)
}

func (c *Coordinator) ingestWithRetry(ctx context.Context, e *domain.BankEvent) error {
	_, err := retry(ctx, c, "ingest_event", func() (*domain.DepositRecord, error) {
		return c.IngestBankEvent(ctx, e)
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// IngestBankEvent stores a normalized event and hands it to the matcher.
// Events are idempotent on (source, raw reference): a redelivered event only
// re-runs matching when its first ingestion never got past the buffer.
func (c *Coordinator) IngestBankEvent(ctx context.Context, e *domain.BankEvent) (*domain.DepositRecord, error) {
	source := string(e.Source)
	if !e.SignatureValid {
		c.drop(ctx, e.Source, domain.ErrInvalidSignature)
		return nil, domain.ErrInvalidSignature
	}

	ref := e.Ref()
	seen, err := c.dedup.Seen(ctx, ref)
	if err != nil {
		// the unique key in the store still catches the duplicate
		c.log.Warn("dedup guard unavailable",
			zap.String("source", source),
			zap.String("raw_reference", e.RawReference),
			zap.Error(err))
	}
	if seen {
		c.duplicate(ctx, e)
		return nil, domain.ErrDuplicateEvent
	}

	e.Status = domain.EventBuffered
	e.DepositID = ""
	e.ReceivedAt = c.now()
	err = c.store.InsertEvent(ctx, e)
	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		stored, gerr := c.store.GetEvent(ctx, ref)
		if gerr != nil {
			return nil, gerr
		}
		if stored.Status != domain.EventBuffered {
			c.resumeSettlement(ctx, stored)
			c.mark(ctx, ref)
			c.duplicate(ctx, stored)
			return nil, domain.ErrDuplicateEvent
		}
		e = stored
	case err != nil:
		return nil, fmt.Errorf("insert event: %w", err)
	}

	d, matched, err := c.matcher.Match(ctx, e)
	if err != nil {
		return nil, err
	}
	metrics.BankEventsTotal.WithLabelValues(source, string(e.Status)).Inc()
	if matched {
		if err := c.enqueueConfirm(ctx, d.ID); err != nil {
			return d, err
		}
	}
	c.mark(ctx, ref)
	return d, nil
}

// resumeSettlement re-schedules settlement for a duplicate of an event whose
// deposit is matched but not yet settled.
func (c *Coordinator) resumeSettlement(ctx context.Context, e *domain.BankEvent) {
	if e.Status != domain.EventMatched || e.DepositID == "" {
		return
	}
	d, err := c.store.GetDeposit(ctx, e.DepositID)
	if err != nil || d.State != domain.StateMatched {
		return
	}
	if err := c.enqueueConfirm(ctx, d.ID); err != nil {
		c.log.Error("confirm not scheduled",
			zap.String("deposit_id", d.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) mark(ctx context.Context, ref domain.EventRef) {
	if err := c.dedup.Mark(ctx, ref); err != nil {
		c.log.Warn("dedup mark failed",
			zap.String("source", string(ref.Source)),
			zap.String("raw_reference", ref.RawReference),
			zap.Error(err))
	}
}

func (c *Coordinator) duplicate(ctx context.Context, e *domain.BankEvent) {
	metrics.BankEventsTotal.WithLabelValues(string(e.Source), "duplicate").Inc()
	c.audit(ctx, domain.AuditEntry{
		DepositID: e.DepositID,
		AccountID: e.AccountID,
		Kind:      domain.AuditDuplicate,
		Detail:    fmt.Sprintf("%s %s seen again", e.Source, e.RawReference),
	})
	c.log.Info("duplicate bank event ignored",
		zap.String("source", string(e.Source)),
		zap.String("raw_reference", e.RawReference))
}

func (c *Coordinator) drop(ctx context.Context, source domain.EventSource, err error) {
	outcome := "malformed"
	if errors.Is(err, domain.ErrInvalidSignature) {
		outcome = "invalid_signature"
	}
	metrics.BankEventsTotal.WithLabelValues(string(source), outcome).Inc()
	c.audit(ctx, domain.AuditEntry{
		Kind:   domain.AuditDropped,
		Detail: fmt.Sprintf("%s: %v", source, err),
	})
	c.log.Warn("bank event dropped",
		zap.String("source", string(source)),
		zap.Error(err))
}
