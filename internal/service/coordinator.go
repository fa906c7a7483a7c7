// Package service drives deposit records through their lifecycle: initiation,
// slip verification, bank event matching, settlement and expiry.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/dedup"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/extractor"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/ledger"
	"github.com/punchamoorthee/depositops/internal/matcher"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"github.com/punchamoorthee/depositops/internal/normalizer"
	"github.com/punchamoorthee/depositops/internal/queue"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Allocator hands out receiving accounts under their daily and monthly limits.
type Allocator interface {
	Reserve(ctx context.Context, amount decimal.Decimal, currency string) (string, error)
	Release(ctx context.Context, accountID string, amount decimal.Decimal, reservedAt time.Time) error
	ApplyCatalog(ctx context.Context, accounts []*domain.ReceivingAccount) error
	Snapshot() []domain.ReceivingAccount
}

type Config struct {
	Currencies          []string
	ConfidenceThreshold float64
	DepositTTL          time.Duration
	SlipMaxAttempts     int
	Retention           time.Duration
	Location            *time.Location
	Workers             int

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
}

type Deps struct {
	Store      domain.Store
	Locks      *keylock.Map
	Allocator  Allocator
	Extractor  extractor.Extractor
	Normalizer *normalizer.Normalizer
	Matcher    *matcher.Matcher
	Ledger     *ledger.Ledger
	Queue      queue.Queue
	Dedup      dedup.Guard
	Policy     domain.VipPolicy
	Log        *zap.Logger
}

type Coordinator struct {
	cfg        Config
	store      domain.Store
	locks      *keylock.Map
	alloc      Allocator
	extractor  extractor.Extractor
	normalizer *normalizer.Normalizer
	matcher    *matcher.Matcher
	ledger     *ledger.Ledger
	queue      queue.Queue
	dedup      dedup.Guard
	log        *zap.Logger
	now        func() time.Time

	policyMu sync.RWMutex
	policy   domain.VipPolicy
}

func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SlipMaxAttempts <= 0 {
		cfg.SlipMaxAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	guard := d.Dedup
	if guard == nil {
		guard = dedup.Nop{}
	}
	return &Coordinator{
		cfg:        cfg,
		store:      d.Store,
		locks:      d.Locks,
		alloc:      d.Allocator,
		extractor:  d.Extractor,
		normalizer: d.Normalizer,
		matcher:    d.Matcher,
		ledger:     d.Ledger,
		queue:      d.Queue,
		dedup:      guard,
		log:        d.Log,
		now:        time.Now,
		policy:     d.Policy,
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Run drains the command queue with the configured number of workers until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, c.cfg.Workers, c.Dispatch)
}

func (c *Coordinator) limits(tier string) (domain.TierLimits, bool) {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy.Limits(strings.ToLower(tier))
}

func (c *Coordinator) startOfDay(t time.Time) time.Time {
	y, m, d := t.In(c.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.cfg.Location)
}

func (c *Coordinator) reject(reason string, err error) error {
	metrics.InitiateRejections.WithLabelValues(reason).Inc()
	return err
}

// Initiate validates the request against the user's VIP tier, reserves a
// receiving account and creates a Pending record.
func (c *Coordinator) Initiate(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*domain.DepositRecord, error) {
	currency, wallet, err := c.validate(ctx, userID, amount, currency)
	if err != nil {
		return nil, err
	}
	return c.initiate(ctx, uuid.NewString(), userID, wallet.Tier, amount, currency)
}

// SubmitInitiate validates the request shape and queues the initiation. The
// record appears under the returned id once a worker has processed it; a
// request refused by policy is kept as a Rejected record.
func (c *Coordinator) SubmitInitiate(ctx context.Context, userID string, amount decimal.Decimal, currency string) (string, error) {
	currency, _, err := c.validate(ctx, userID, amount, currency)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := c.queue.Publish(ctx, domain.InitiateCommand{DepositID: id, UserID: userID, Amount: amount, Currency: currency}); err != nil {
		return "", fmt.Errorf("queue initiate: %w", err)
	}
	return id, nil
}

// initiateQueued runs a queued initiation. A redelivered command whose
// record already exists is a no-op.
func (c *Coordinator) initiateQueued(ctx context.Context, cmd domain.InitiateCommand) error {
	if _, err := c.store.GetDeposit(ctx, cmd.DepositID); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrDepositNotFound) {
		return err
	}
	currency, wallet, err := c.validate(ctx, cmd.UserID, cmd.Amount, cmd.Currency)
	if err == nil {
		_, err = c.initiate(ctx, cmd.DepositID, cmd.UserID, wallet.Tier, cmd.Amount, currency)
	}
	if err == nil || domain.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return c.recordRejected(ctx, cmd, err)
}

// recordRejected keeps a refused queued initiation readable through Get.
// No account was reserved for it.
func (c *Coordinator) recordRejected(ctx context.Context, cmd domain.InitiateCommand, cause error) error {
	now := c.now()
	rec := &domain.DepositRecord{
		ID:              cmd.DepositID,
		UserID:          cmd.UserID,
		RequestedAmount: cmd.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		State:           domain.StateRejected,
		RejectReason:    rejectReason(cause),
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now,
	}
	if err := c.store.CreateDeposit(ctx, rec); err != nil {
		return fmt.Errorf("record rejected initiation: %w", err)
	}
	metrics.DepositsTotal.WithLabelValues(string(domain.StateRejected)).Inc()
	c.audit(ctx, domain.AuditEntry{
		DepositID: rec.ID,
		Kind:      domain.AuditTransition,
		Detail:    fmt.Sprintf("initiation rejected: %v", cause),
	})
	c.log.Warn("queued initiation rejected",
		zap.String("deposit_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("reason", rec.RejectReason),
		zap.Error(cause))
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrNoAccountAvailable):
		return "no_account_available"
	case errors.Is(err, domain.ErrUnknownUser):
		return "unknown_user"
	}
	return "invalid_request"
}

func (c *Coordinator) validate(ctx context.Context, userID string, amount decimal.Decimal, currency string) (string, *domain.Wallet, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return "", nil, c.reject("invalid_amount", fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount))
	}
	if !slices.Contains(c.cfg.Currencies, currency) {
		return "", nil, c.reject("unsupported_currency", fmt.Errorf("%w: %q", domain.ErrUnsupportedCurrency, currency))
	}
	wallet, err := c.store.GetWallet(ctx, userID)
	if err != nil {
		return "", nil, c.reject("unknown_user", err)
	}
	return currency, wallet, nil
}

func (c *Coordinator) initiate(ctx context.Context, id, userID, walletTier string, amount decimal.Decimal, currency string) (*domain.DepositRecord, error) {
	// The per-day sum and the new record are serialized per user.
	unlock := c.locks.Lock(keylock.UserKey(userID))
	defer unlock()

	tier, ok := c.limits(walletTier)
	if !ok {
		return nil, c.reject("no_tier", fmt.Errorf("%w: no limits for tier %q", domain.ErrLimitExceeded, walletTier))
	}
	if amount.GreaterThan(tier.PerTransaction) {
		return nil, c.reject("per_transaction", fmt.Errorf("%w: %s over per-transaction limit %s", domain.ErrLimitExceeded, amount, tier.PerTransaction))
	}
	now := c.now()
	today, err := c.store.SumUserDeposits(ctx, userID, c.startOfDay(now))
	if err != nil {
		return nil, err
	}
	if today.Add(amount).GreaterThan(tier.PerDay) {
		return nil, c.reject("per_day", fmt.Errorf("%w: %s today plus %s over daily limit %s", domain.ErrLimitExceeded, today, amount, tier.PerDay))
	}

	accountID, err := c.alloc.Reserve(ctx, amount, currency)
	if err != nil {
		return nil, c.reject("no_account", err)
	}

	rec := &domain.DepositRecord{
		ID:                id,
		UserID:            userID,
		RequestedAmount:   amount,
		Currency:          currency,
		AssignedAccountID: accountID,
		State:             domain.StatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(c.cfg.DepositTTL),
	}
	if err := c.store.CreateDeposit(ctx, rec); err != nil {
		if rerr := c.alloc.Release(ctx, accountID, amount, now); rerr != nil {
			c.log.Error("release after failed create",
				zap.String("account_id", accountID),
				zap.Error(rerr))
		}
		return nil, fmt.Errorf("create deposit: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues(string(domain.StatePending)).Inc()
	c.audit(ctx, domain.AuditEntry{
		DepositID: rec.ID,
		AccountID: accountID,
		Kind:      domain.AuditTransition,
		Detail:    fmt.Sprintf("created pending %s %s", amount, currency),
	})
	c.log.Info("deposit initiated",
		zap.String("deposit_id", rec.ID),
		zap.String("user_id", userID),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("currency", currency))
	return rec, nil
}

// Get returns the current record.
func (c *Coordinator) Get(ctx context.Context, depositID string) (*domain.DepositRecord, error) {
	return c.store.GetDeposit(ctx, depositID)
}

// Accounts returns the allocator's view of every receiving account.
func (c *Coordinator) Accounts() []domain.ReceivingAccount {
	return c.alloc.Snapshot()
}

// ReloadCatalog swaps in a new account catalog and VIP table.
func (c *Coordinator) ReloadCatalog(ctx context.Context, cat *config.Catalog) error {
	if err := c.alloc.ApplyCatalog(ctx, cat.Accounts); err != nil {
		return fmt.Errorf("apply accounts: %w", err)
	}
	c.policyMu.Lock()
	c.policy = cat.Tiers
	c.policyMu.Unlock()
	c.log.Info("catalog reloaded",
		zap.Int("accounts", len(cat.Accounts)),
		zap.Int("tiers", len(cat.Tiers)))
	return nil
}

// release gives a closed record's reservation back to its account. A release
// that still fails after retries is audited so the counters can be corrected
// by hand; the record itself stays closed.
func (c *Coordinator) release(ctx context.Context, rec *domain.DepositRecord) {
	_, err := retry(ctx, c, "release_reservation", func() (struct{}, error) {
		return struct{}{}, c.alloc.Release(ctx, rec.AssignedAccountID, rec.RequestedAmount, rec.CreatedAt)
	})
	if err != nil {
		c.audit(ctx, domain.AuditEntry{
			DepositID: rec.ID,
			AccountID: rec.AssignedAccountID,
			Kind:      domain.AuditReleaseFailed,
			Detail:    fmt.Sprintf("%s on %s still reserved: %v", rec.RequestedAmount, rec.State, err),
		})
		c.log.Error("reservation release failed",
			zap.String("deposit_id", rec.ID),
			zap.String("account_id", rec.AssignedAccountID),
			zap.String("amount", rec.RequestedAmount.String()),
			zap.Error(err))
		return
	}
	c.audit(ctx, domain.AuditEntry{
		DepositID: rec.ID,
		AccountID: rec.AssignedAccountID,
		Kind:      domain.AuditRelease,
		Detail:    fmt.Sprintf("released %s on %s", rec.RequestedAmount, rec.State),
	})
}

func (c *Coordinator) audit(ctx context.Context, e domain.AuditEntry) {
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if err := c.store.AppendAudit(ctx, e); err != nil {
		c.log.Error("audit append failed",
			zap.String("deposit_id", e.DepositID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
}
