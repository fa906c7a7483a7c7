// Package ledger applies the wallet credit for a matched deposit exactly once.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Committer is told when a reservation is backed by settled funds.
type Committer interface {
	Commit(ctx context.Context, accountID string, amount decimal.Decimal)
}

type Ledger struct {
	repo      domain.LedgerRepository
	committer Committer
	log       *zap.Logger
	now       func() time.Time
}

func New(repo domain.LedgerRepository, committer Committer, log *zap.Logger) *Ledger {
	return &Ledger{repo: repo, committer: committer, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Settle credits the deposit's wallet keyed by depositID. Repeated calls
// return the first result with Replayed set and never credit again.
func (l *Ledger) Settle(ctx context.Context, depositID string, amount decimal.Decimal, userID string) (*domain.SettlementResult, error) {
	res, err := l.repo.SettleDeposit(ctx, domain.SettleRequest{
		DepositID: depositID,
		UserID:    userID,
		Amount:    amount,
		Now:       l.now(),
		AuditID:   uuid.NewString(),
	})
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		metrics.SettlementsTotal.WithLabelValues("replayed").Inc()
		res.Replayed = true
		return res, nil
	case err != nil:
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		l.log.Error("settlement failed",
			zap.String("deposit_id", depositID),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, err
	}

	if !res.Amount.Equal(amount) {
		l.log.Warn("settled amount differs from request",
			zap.String("deposit_id", depositID),
			zap.String("requested", amount.String()),
			zap.String("settled", res.Amount.String()))
	}
	l.committer.Commit(ctx, res.AccountID, res.Amount)
	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	l.log.Info("deposit settled",
		zap.String("deposit_id", depositID),
		zap.String("user_id", res.UserID),
		zap.String("account_id", res.AccountID),
		zap.String("amount", res.Amount.String()),
		zap.String("balance_after", res.BalanceAfter.String()))
	return res, nil
}
