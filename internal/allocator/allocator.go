// Package allocator routes deposits to receiving bank accounts without
// letting any account exceed its daily or monthly ceiling.
package allocator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// slot is the single writer for one account's counters.
type slot struct {
	mu   sync.Mutex
	acct domain.ReceivingAccount
}

type Allocator struct {
	repo domain.AccountRepository
	loc  *time.Location
	log  *zap.Logger
	now  func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
}

func New(repo domain.AccountRepository, loc *time.Location, log *zap.Logger) *Allocator {
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{
		repo:  repo,
		loc:   loc,
		log:   log,
		now:   time.Now,
		slots: map[string]*slot{},
	}
}

// SetClock overrides the time source.
func (a *Allocator) SetClock(now func() time.Time) { a.now = now }

// Load replaces the in-memory view with the persisted accounts.
func (a *Allocator) Load(ctx context.Context) error {
	accounts, err := a.repo.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	slots := make(map[string]*slot, len(accounts))
	for _, acct := range accounts {
		slots[acct.AccountID] = &slot{acct: *acct}
	}
	a.mu.Lock()
	a.slots = slots
	a.mu.Unlock()

	for _, s := range slots {
		a.observe(&s.acct)
	}
	a.log.Info("allocator loaded", zap.Int("accounts", len(slots)))
	return nil
}

// ApplyCatalog merges an operator catalog into the live set. Limits, status
// and bank details follow the catalog while usage counters are kept; accounts
// missing from the catalog are disabled.
func (a *Allocator) ApplyCatalog(ctx context.Context, accounts []*domain.ReceivingAccount) error {
	listed := make(map[string]bool, len(accounts))
	for _, c := range accounts {
		listed[c.AccountID] = true

		a.mu.Lock()
		s, ok := a.slots[c.AccountID]
		if !ok {
			s = &slot{acct: domain.ReceivingAccount{
				AccountID:   c.AccountID,
				DailyUsed:   decimal.Zero,
				MonthlyUsed: decimal.Zero,
			}}
			a.slots[c.AccountID] = s
		}
		a.mu.Unlock()

		s.mu.Lock()
		s.acct.BankCode = c.BankCode
		s.acct.AccountNumber = c.AccountNumber
		s.acct.Currency = c.Currency
		s.acct.DailyLimit = c.DailyLimit
		s.acct.MonthlyLimit = c.MonthlyLimit
		s.acct.Status = c.Status
		snapshot := s.acct
		s.mu.Unlock()

		if err := a.repo.UpsertAccount(ctx, &snapshot); err != nil {
			return fmt.Errorf("upsert account %s: %w", c.AccountID, err)
		}
		a.observe(&snapshot)
	}

	for _, s := range a.all() {
		s.mu.Lock()
		if listed[s.acct.AccountID] || s.acct.Status == domain.AccountDisabled {
			s.mu.Unlock()
			continue
		}
		s.acct.Status = domain.AccountDisabled
		snapshot := s.acct
		s.mu.Unlock()

		a.log.Warn("account dropped from catalog, disabling", zap.String("account_id", snapshot.AccountID))
		if err := a.repo.UpsertAccount(ctx, &snapshot); err != nil {
			return fmt.Errorf("disable account %s: %w", snapshot.AccountID, err)
		}
	}
	return nil
}

func (a *Allocator) all() []*slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*slot, 0, len(a.slots))
	for _, s := range a.slots {
		out = append(out, s)
	}
	return out
}

func (a *Allocator) get(accountID string) (*slot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[accountID]
	return s, ok
}

// rollover zeroes counters that belong to a past business day or month.
func (a *Allocator) rollover(acct *domain.ReceivingAccount, now time.Time) {
	local := now.In(a.loc)
	if day := local.Format(dayLayout); acct.UsageDay != day {
		acct.UsageDay = day
		acct.DailyUsed = decimal.Zero
	}
	if month := local.Format(monthLayout); acct.UsageMonth != month {
		acct.UsageMonth = month
		acct.MonthlyUsed = decimal.Zero
	}
}

func fits(acct *domain.ReceivingAccount, amount decimal.Decimal, currency string) bool {
	return acct.Status == domain.AccountActive &&
		acct.Currency == currency &&
		acct.DailyUsed.Add(amount).LessThanOrEqual(acct.DailyLimit) &&
		acct.MonthlyUsed.Add(amount).LessThanOrEqual(acct.MonthlyLimit)
}

func ratio(used, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return used.Div(limit)
}

func utilization(acct *domain.ReceivingAccount) decimal.Decimal {
	return decimal.Max(ratio(acct.DailyUsed, acct.DailyLimit), ratio(acct.MonthlyUsed, acct.MonthlyLimit))
}

func remaining(acct *domain.ReceivingAccount) decimal.Decimal {
	return decimal.Min(acct.DailyLimit.Sub(acct.DailyUsed), acct.MonthlyLimit.Sub(acct.MonthlyUsed))
}

type candidate struct {
	id        string
	util      decimal.Decimal
	remaining decimal.Decimal
}

// Reserve picks the least utilized active account that can absorb amount and
// adds amount to its counters. Ties go to the larger remaining capacity, then
// to the lexically smaller account id.
func (a *Allocator) Reserve(ctx context.Context, amount decimal.Decimal, currency string) (string, error) {
	now := a.now()

	var cands []candidate
	for _, s := range a.all() {
		s.mu.Lock()
		view := s.acct
		s.mu.Unlock()
		a.rollover(&view, now)
		if fits(&view, amount, currency) {
			cands = append(cands, candidate{id: view.AccountID, util: utilization(&view), remaining: remaining(&view)})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if c := cands[i].util.Cmp(cands[j].util); c != 0 {
			return c < 0
		}
		if c := cands[i].remaining.Cmp(cands[j].remaining); c != 0 {
			return c > 0
		}
		return cands[i].id < cands[j].id
	})

	for _, c := range cands {
		id, ok, err := a.tryReserve(ctx, c.id, amount, currency, now)
		if err != nil {
			metrics.ReservationsTotal.WithLabelValues("reserve", "error").Inc()
			return "", err
		}
		if ok {
			metrics.ReservationsTotal.WithLabelValues("reserve", "ok").Inc()
			return id, nil
		}
	}
	metrics.ReservationsTotal.WithLabelValues("reserve", "exhausted").Inc()
	return "", domain.ErrNoAccountAvailable
}

// tryReserve re-checks capacity under the account lock; a concurrent
// reservation may have consumed it since the candidate list was built.
func (a *Allocator) tryReserve(ctx context.Context, accountID string, amount decimal.Decimal, currency string, now time.Time) (string, bool, error) {
	s, ok := a.get(accountID)
	if !ok {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.acct
	a.rollover(&s.acct, now)
	if !fits(&s.acct, amount, currency) {
		s.acct = prev
		return "", false, nil
	}
	s.acct.DailyUsed = s.acct.DailyUsed.Add(amount)
	s.acct.MonthlyUsed = s.acct.MonthlyUsed.Add(amount)
	if err := a.repo.SaveUsage(ctx, &s.acct); err != nil {
		s.acct = prev
		return "", false, fmt.Errorf("persist reservation on %s: %w", accountID, err)
	}
	a.observe(&s.acct)
	return accountID, true, nil
}

// Release reverses a reservation made at reservedAt. Disabled accounts are
// released too. A counter is only reduced when the reservation belongs to the
// current business period, and never below zero.
func (a *Allocator) Release(ctx context.Context, accountID string, amount decimal.Decimal, reservedAt time.Time) error {
	s, ok := a.get(accountID)
	if !ok {
		return domain.ErrAccountNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.acct
	a.rollover(&s.acct, a.now())
	local := reservedAt.In(a.loc)
	if local.Format(dayLayout) == s.acct.UsageDay {
		s.acct.DailyUsed = decimal.Max(decimal.Zero, s.acct.DailyUsed.Sub(amount))
	}
	if local.Format(monthLayout) == s.acct.UsageMonth {
		s.acct.MonthlyUsed = decimal.Max(decimal.Zero, s.acct.MonthlyUsed.Sub(amount))
	}
	if err := a.repo.SaveUsage(ctx, &s.acct); err != nil {
		s.acct = prev
		metrics.ReservationsTotal.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("persist release on %s: %w", accountID, err)
	}
	metrics.ReservationsTotal.WithLabelValues("release", "ok").Inc()
	a.observe(&s.acct)
	return nil
}

// Commit marks a reservation as backed by settled funds. Counters already
// include the amount so nothing changes.
func (a *Allocator) Commit(ctx context.Context, accountID string, amount decimal.Decimal) {
	metrics.ReservationsTotal.WithLabelValues("commit", "ok").Inc()
	a.log.Debug("reservation committed",
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()))
}

// Last4 returns the last four digits of the account number.
func (a *Allocator) Last4(accountID string) (string, bool) {
	s, ok := a.get(accountID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return last4(s.acct.AccountNumber)
}

// ResolveLast4 maps a masked account suffix back to an account id. It fails
// when no account or more than one account ends in those digits.
func (a *Allocator) ResolveLast4(suffix string) (string, bool) {
	var found string
	for _, s := range a.all() {
		s.mu.Lock()
		l, ok := last4(s.acct.AccountNumber)
		id := s.acct.AccountID
		s.mu.Unlock()
		if !ok || l != suffix {
			continue
		}
		if found != "" {
			return "", false
		}
		found = id
	}
	return found, found != ""
}

func last4(number string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, number)
	if len(digits) < 4 {
		return "", false
	}
	return digits[len(digits)-4:], true
}

// Snapshot returns every account with counters rolled to the current period,
// ordered by id.
func (a *Allocator) Snapshot() []domain.ReceivingAccount {
	now := a.now()
	var out []domain.ReceivingAccount
	for _, s := range a.all() {
		s.mu.Lock()
		view := s.acct
		s.mu.Unlock()
		a.rollover(&view, now)
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (a *Allocator) observe(acct *domain.ReceivingAccount) {
	d, _ := ratio(acct.DailyUsed, acct.DailyLimit).Float64()
	m, _ := ratio(acct.MonthlyUsed, acct.MonthlyLimit).Float64()
	metrics.AccountUtilization.WithLabelValues(acct.AccountID, "daily").Set(d)
	metrics.AccountUtilization.WithLabelValues(acct.AccountID, "monthly").Set(m)
}
