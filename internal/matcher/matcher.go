// Package matcher correlates normalized bank events with deposit records
// awaiting confirmation.
//
// All work for one receiving account runs under that account's key lock.
// Every mutation of a deposit record also takes its account key, so holding
// the account key alone is enough to read and transition the account's
// records safely.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"go.uber.org/zap"
)

type Repository interface {
	domain.DepositRepository
	domain.EventRepository
	domain.AuditRepository
}

// AccountDirectory exposes the account number suffix used for slip cross-validation.
type AccountDirectory interface {
	Last4(accountID string) (string, bool)
}

type Config struct {
	// Window bounds |createdAt - observedAt| for a match and how long an
	// unmatched event stays buffered.
	Window time.Duration
	// CorroborationWindow bounds the observed-at distance between the two
	// confirmation signals of one transfer.
	CorroborationWindow time.Duration
	ConfidenceThreshold float64
}

type Matcher struct {
	repo     Repository
	locks    *keylock.Map
	accounts AccountDirectory
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func New(repo Repository, locks *keylock.Map, accounts AccountDirectory, cfg Config, log *zap.Logger) *Matcher {
	return &Matcher{
		repo:     repo,
		locks:    locks,
		accounts: accounts,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (m *Matcher) SetClock(now func() time.Time) { m.now = now }

func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

// crossValidated reports whether a confident slip agrees with the event on
// amount and account suffix.
func (m *Matcher) crossValidated(d *domain.DepositRecord, e *domain.BankEvent) bool {
	if d.Slip == nil || d.Slip.Confidence < m.cfg.ConfidenceThreshold {
		return false
	}
	if !d.Slip.Amount.Equal(e.Amount) {
		return false
	}
	last4, ok := m.accounts.Last4(d.AssignedAccountID)
	return ok && d.Slip.AccountLast4 == last4
}

// Match pairs a stored event with its owning record. On return e.Status
// holds the outcome: matched, corroborating or buffered.
func (m *Matcher) Match(ctx context.Context, e *domain.BankEvent) (*domain.DepositRecord, bool, error) {
	if !e.SignatureValid {
		return nil, false, domain.ErrInvalidSignature
	}
	unlock := m.locks.LockAll(keylock.AccountKey(e.AccountID))
	defer unlock()

	// another worker may have resolved the event since the caller read it
	cur, err := m.repo.GetEvent(ctx, e.Ref())
	if err != nil {
		return nil, false, err
	}
	if cur.Status != domain.EventBuffered {
		e.Status, e.DepositID = cur.Status, cur.DepositID
		return nil, false, nil
	}

	if d, ok, err := m.repair(ctx, e); err != nil || ok {
		return d, ok, err
	}

	cands, err := m.repo.ListAwaitingMatch(ctx, e.AccountID, e.Amount, e.Currency)
	if err != nil {
		return nil, false, err
	}
	eligible := cands[:0]
	for _, d := range cands {
		if within(d.CreatedAt, e.ObservedAt, m.cfg.Window) {
			eligible = append(eligible, d)
		}
	}

	// The second signal of an already matched transfer must not capture
	// another open record of the same amount.
	target, err := m.secondSignalTarget(ctx, e)
	if err != nil {
		return nil, false, err
	}
	if target != nil && !m.separateTransfer(target, eligible, e) {
		if err := m.markCorroborating(ctx, target, e); err != nil {
			return nil, false, err
		}
		return target, false, nil
	}

	if len(eligible) > 0 {
		sort.SliceStable(eligible, func(i, j int) bool {
			vi, vj := m.crossValidated(eligible[i], e), m.crossValidated(eligible[j], e)
			if vi != vj {
				return vi
			}
			if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
				return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
			}
			return eligible[i].ID < eligible[j].ID
		})
		d := eligible[0]
		if err := m.bind(ctx, d, e); err != nil {
			return nil, false, err
		}
		return d, true, nil
	}

	e.Status = domain.EventBuffered
	m.log.Info("bank event buffered",
		zap.String("account_id", e.AccountID),
		zap.String("source", string(e.Source)),
		zap.String("raw_reference", e.RawReference),
		zap.String("amount", e.Amount.String()))
	return nil, false, nil
}

// bind transitions d to Matched on e. The caller holds the account lock.
func (m *Matcher) bind(ctx context.Context, d *domain.DepositRecord, e *domain.BankEvent) error {
	now := m.now()
	ref := e.Ref()
	if err := d.Transition(domain.StateMatched, now); err != nil {
		return err
	}
	d.MatchedEvent = &ref
	if err := m.repo.UpdateDeposit(ctx, d, domain.StateAwaitingMatch); err != nil {
		return fmt.Errorf("match deposit %s: %w", d.ID, err)
	}
	if err := m.repo.UpdateEventStatus(ctx, ref, domain.EventMatched, d.ID); err != nil {
		return fmt.Errorf("mark event matched: %w", err)
	}
	e.Status = domain.EventMatched
	e.DepositID = d.ID
	metrics.DepositsTotal.WithLabelValues(string(domain.StateMatched)).Inc()

	m.audit(ctx, domain.AuditEntry{
		DepositID: d.ID,
		AccountID: d.AssignedAccountID,
		Kind:      domain.AuditTransition,
		Detail:    fmt.Sprintf("awaiting_match -> matched by %s %s", e.Source, e.RawReference),
	})
	m.log.Info("deposit matched",
		zap.String("deposit_id", d.ID),
		zap.String("account_id", d.AssignedAccountID),
		zap.String("source", string(e.Source)),
		zap.String("raw_reference", e.RawReference))
	return nil
}

// repair finishes an event whose record was matched but whose status write
// was lost.
func (m *Matcher) repair(ctx context.Context, e *domain.BankEvent) (*domain.DepositRecord, bool, error) {
	recent, err := m.repo.ListRecentlyMatched(ctx, e.AccountID, e.Amount, m.now().Add(-m.cfg.Window))
	if err != nil {
		return nil, false, err
	}
	ref := e.Ref()
	for _, d := range recent {
		if d.MatchedEvent != nil && *d.MatchedEvent == ref {
			if err := m.repo.UpdateEventStatus(ctx, ref, domain.EventMatched, d.ID); err != nil {
				return nil, false, err
			}
			e.Status = domain.EventMatched
			e.DepositID = d.ID
			return d, true, nil
		}
	}
	return nil, false, nil
}

// secondSignalTarget returns the record e most likely confirms a second
// time: same account and amount, matched by the other source within the
// corroboration window, and not corroborated yet.
func (m *Matcher) secondSignalTarget(ctx context.Context, e *domain.BankEvent) (*domain.DepositRecord, error) {
	recent, err := m.repo.ListRecentlyMatched(ctx, e.AccountID, e.Amount, m.now().Add(-m.cfg.Window))
	if err != nil {
		return nil, err
	}
	for _, d := range recent {
		if d.MatchedEvent == nil || d.MatchedEvent.Source == e.Source || d.Currency != e.Currency {
			continue
		}
		primary, err := m.repo.GetEvent(ctx, *d.MatchedEvent)
		if err != nil {
			continue
		}
		if !within(primary.ObservedAt, e.ObservedAt, m.cfg.CorroborationWindow) {
			continue
		}
		taken, err := m.hasCorroboration(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if !taken {
			return d, nil
		}
	}
	return nil, nil
}

// separateTransfer reports whether an open record's slip places e in a
// different transfer than target: a cross-validated slip timed within the
// corroboration window of e while target's slip is not.
func (m *Matcher) separateTransfer(target *domain.DepositRecord, open []*domain.DepositRecord, e *domain.BankEvent) bool {
	if m.slipTimedWith(target, e) {
		return false
	}
	for _, d := range open {
		if m.crossValidated(d, e) && m.slipTimedWith(d, e) {
			return true
		}
	}
	return false
}

func (m *Matcher) slipTimedWith(d *domain.DepositRecord, e *domain.BankEvent) bool {
	return d.Slip != nil && !d.Slip.Timestamp.IsZero() &&
		within(d.Slip.Timestamp, e.ObservedAt, m.cfg.CorroborationWindow)
}

func (m *Matcher) hasCorroboration(ctx context.Context, depositID string) (bool, error) {
	events, err := m.repo.ListEventsByDeposit(ctx, depositID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Status == domain.EventCorroborating {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) markCorroborating(ctx context.Context, d *domain.DepositRecord, e *domain.BankEvent) error {
	if err := m.repo.UpdateEventStatus(ctx, e.Ref(), domain.EventCorroborating, d.ID); err != nil {
		return fmt.Errorf("mark event corroborating: %w", err)
	}
	e.Status = domain.EventCorroborating
	e.DepositID = d.ID
	m.audit(ctx, domain.AuditEntry{
		DepositID: d.ID,
		AccountID: d.AssignedAccountID,
		Kind:      domain.AuditCorroborating,
		Detail:    fmt.Sprintf("%s %s corroborates %s %s", e.Source, e.RawReference, d.MatchedEvent.Source, d.MatchedEvent.RawReference),
	})
	m.log.Info("bank event corroborates matched deposit",
		zap.String("deposit_id", d.ID),
		zap.String("account_id", d.AssignedAccountID),
		zap.String("source", string(e.Source)),
		zap.String("raw_reference", e.RawReference))
	return nil
}

// MatchBuffered pairs a record that just reached AwaitingMatch with the
// oldest eligible buffered event on its account. Other-source buffered events
// for the same transfer are absorbed as corroboration.
func (m *Matcher) MatchBuffered(ctx context.Context, depositID string) (*domain.DepositRecord, bool, error) {
	d, err := m.repo.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, false, err
	}
	unlock := m.locks.LockAll(keylock.AccountKey(d.AssignedAccountID))
	defer unlock()

	// re-read under the lock
	if d, err = m.repo.GetDeposit(ctx, depositID); err != nil {
		return nil, false, err
	}
	if d.State != domain.StateAwaitingMatch {
		return d, false, nil
	}

	buffered, err := m.repo.ListBufferedByAccount(ctx, d.AssignedAccountID)
	if err != nil {
		return nil, false, err
	}
	var primary *domain.BankEvent
	for _, e := range buffered {
		if e.SignatureValid && e.Currency == d.Currency && e.Amount.Equal(d.RequestedAmount) &&
			within(d.CreatedAt, e.ObservedAt, m.cfg.Window) {
			primary = e
			break
		}
	}
	if primary == nil {
		return d, false, nil
	}
	if err := m.bind(ctx, d, primary); err != nil {
		return nil, false, err
	}

	for _, e := range buffered {
		if e == primary || e.Source == primary.Source || !e.SignatureValid {
			continue
		}
		if e.Currency == d.Currency && e.Amount.Equal(d.RequestedAmount) &&
			within(primary.ObservedAt, e.ObservedAt, m.cfg.CorroborationWindow) {
			if err := m.markCorroborating(ctx, d, e); err != nil {
				m.log.Warn("absorbing corroborating event failed",
					zap.String("deposit_id", d.ID), zap.Error(err))
			}
			break
		}
	}
	return d, true, nil
}

// SweepOrphans marks events buffered for longer than the window as orphaned.
func (m *Matcher) SweepOrphans(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.repo.ListBufferedBefore(ctx, now.Add(-m.cfg.Window))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range stale {
		ok, err := m.orphan(ctx, e)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Matcher) orphan(ctx context.Context, e *domain.BankEvent) (bool, error) {
	unlock := m.locks.LockAll(keylock.AccountKey(e.AccountID))
	defer unlock()

	cur, err := m.repo.GetEvent(ctx, e.Ref())
	if err != nil {
		return false, err
	}
	if cur.Status != domain.EventBuffered {
		return false, nil
	}
	if err := m.repo.UpdateEventStatus(ctx, e.Ref(), domain.EventOrphaned, ""); err != nil {
		return false, err
	}
	metrics.BankEventsTotal.WithLabelValues(string(e.Source), "orphaned").Inc()
	m.audit(ctx, domain.AuditEntry{
		AccountID: e.AccountID,
		Kind:      domain.AuditOrphaned,
		Detail:    fmt.Sprintf("%s %s amount %s unmatched after %s", e.Source, e.RawReference, e.Amount, m.cfg.Window),
	})
	m.log.Warn("bank event orphaned",
		zap.String("account_id", e.AccountID),
		zap.String("source", string(e.Source)),
		zap.String("raw_reference", e.RawReference))
	return true, nil
}

func (m *Matcher) audit(ctx context.Context, entry domain.AuditEntry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = m.now()
	if err := m.repo.AppendAudit(ctx, entry); err != nil {
		m.log.Error("audit append failed",
			zap.String("deposit_id", entry.DepositID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(err))
	}
}
