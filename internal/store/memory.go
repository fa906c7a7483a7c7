package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore is a process-local domain.Store used for development runs and
// tests. Values are copied in and out so callers never share memory with it.
type MemoryStore struct {
	mu          sync.Mutex
	deposits    map[string]*domain.DepositRecord
	events      map[domain.EventRef]*domain.BankEvent
	accounts    map[string]*domain.ReceivingAccount
	wallets     map[string]*domain.Wallet
	settlements map[string]*domain.SettlementResult
	audit       []domain.AuditEntry

	// FailLedger makes SettleDeposit fail, simulating an unavailable balance store.
	FailLedger bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits:    map[string]*domain.DepositRecord{},
		events:      map[domain.EventRef]*domain.BankEvent{},
		accounts:    map[string]*domain.ReceivingAccount{},
		wallets:     map[string]*domain.Wallet{},
		settlements: map[string]*domain.SettlementResult{},
	}
}

// PutWallet registers or replaces a wallet.
func (s *MemoryStore) PutWallet(w domain.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.UserID] = &w
}

func copyDeposit(d *domain.DepositRecord) *domain.DepositRecord {
	c := *d
	if d.Slip != nil {
		slip := *d.Slip
		c.Slip = &slip
	}
	if d.MatchedEvent != nil {
		ref := *d.MatchedEvent
		c.MatchedEvent = &ref
	}
	return &c
}

func copyEvent(e *domain.BankEvent) *domain.BankEvent {
	c := *e
	return &c
}

func copyAccount(a *domain.ReceivingAccount) *domain.ReceivingAccount {
	c := *a
	return &c
}

func (s *MemoryStore) CreateDeposit(ctx context.Context, d *domain.DepositRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deposits[d.ID]; ok {
		return domain.ErrInvalidState
	}
	s.deposits[d.ID] = copyDeposit(d)
	return nil
}

func (s *MemoryStore) GetDeposit(ctx context.Context, id string) (*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, domain.ErrDepositNotFound
	}
	return copyDeposit(d), nil
}

func (s *MemoryStore) UpdateDeposit(ctx context.Context, d *domain.DepositRecord, expected domain.DepositState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deposits[d.ID]
	if !ok {
		return domain.ErrDepositNotFound
	}
	if cur.State != expected {
		return domain.ErrInvalidState
	}
	s.deposits[d.ID] = copyDeposit(d)
	return nil
}

func (s *MemoryStore) filterDeposits(keep func(*domain.DepositRecord) bool) []*domain.DepositRecord {
	var out []*domain.DepositRecord
	for _, d := range s.deposits {
		if keep(d) {
			out = append(out, copyDeposit(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) ListAwaitingMatch(ctx context.Context, accountID string, amount decimal.Decimal, currency string) ([]*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterDeposits(func(d *domain.DepositRecord) bool {
		return d.State == domain.StateAwaitingMatch &&
			d.AssignedAccountID == accountID &&
			d.Currency == currency &&
			d.RequestedAmount.Equal(amount)
	}), nil
}

func (s *MemoryStore) ListRecentlyMatched(ctx context.Context, accountID string, amount decimal.Decimal, since time.Time) ([]*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterDeposits(func(d *domain.DepositRecord) bool {
		return (d.State == domain.StateMatched || d.State == domain.StateSettled) &&
			d.AssignedAccountID == accountID &&
			d.RequestedAmount.Equal(amount) &&
			!d.UpdatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterDeposits(func(d *domain.DepositRecord) bool {
		return d.Open() && !d.ExpiresAt.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state domain.DepositState, limit int) ([]*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterDeposits(func(d *domain.DepositRecord) bool { return d.State == state })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumUserDeposits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, d := range s.deposits {
		if d.UserID != userID || d.CreatedAt.Before(since) {
			continue
		}
		if d.State == domain.StateRejected || d.State == domain.StateExpired {
			continue
		}
		total = total.Add(d.RequestedAmount)
	}
	return total, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deposits {
		if d.State.Terminal() && d.UpdatedAt.Before(before) {
			delete(s.deposits, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e *domain.BankEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.Ref()]; ok {
		return domain.ErrDuplicateEvent
	}
	s.events[e.Ref()] = copyEvent(e)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, ref domain.EventRef) (*domain.BankEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(e), nil
}

func (s *MemoryStore) UpdateEventStatus(ctx context.Context, ref domain.EventRef, status domain.EventStatus, depositID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[ref]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.DepositID = depositID
	return nil
}

func (s *MemoryStore) filterEvents(keep func(*domain.BankEvent) bool) []*domain.BankEvent {
	var out []*domain.BankEvent
	for _, e := range s.events {
		if keep(e) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].RawReference < out[j].RawReference
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}

func (s *MemoryStore) ListBufferedByAccount(ctx context.Context, accountID string) ([]*domain.BankEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEvents(func(e *domain.BankEvent) bool {
		return e.Status == domain.EventBuffered && e.AccountID == accountID
	}), nil
}

func (s *MemoryStore) ListBufferedBefore(ctx context.Context, cutoff time.Time) ([]*domain.BankEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEvents(func(e *domain.BankEvent) bool {
		return e.Status == domain.EventBuffered && e.ReceivedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) ListEventsByDeposit(ctx context.Context, depositID string) ([]*domain.BankEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEvents(func(e *domain.BankEvent) bool { return e.DepositID == depositID }), nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*domain.ReceivingAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ReceivingAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *MemoryStore) UpsertAccount(ctx context.Context, a *domain.ReceivingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.AccountID] = copyAccount(a)
	return nil
}

func (s *MemoryStore) SaveUsage(ctx context.Context, a *domain.ReceivingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.AccountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	cur.DailyUsed = a.DailyUsed
	cur.MonthlyUsed = a.MonthlyUsed
	cur.UsageDay = a.UsageDay
	cur.UsageMonth = a.UsageMonth
	return nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, domain.ErrUnknownUser
	}
	c := *w
	return &c, nil
}

func (s *MemoryStore) SettleDeposit(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailLedger {
		return nil, domain.ErrLedgerUnavailable
	}

	d, ok := s.deposits[req.DepositID]
	if !ok {
		return nil, domain.ErrDepositNotFound
	}
	if prev, ok := s.settlements[req.DepositID]; ok {
		r := *prev
		r.Replayed = true
		return &r, domain.ErrAlreadySettled
	}
	if d.State != domain.StateMatched {
		return nil, domain.ErrInvalidState
	}
	w, ok := s.wallets[d.UserID]
	if !ok {
		return nil, domain.ErrUnknownUser
	}

	w.Balance = w.Balance.Add(d.RequestedAmount)
	d.State = domain.StateSettled
	d.UpdatedAt = req.Now
	res := &domain.SettlementResult{
		DepositID:    d.ID,
		UserID:       d.UserID,
		AccountID:    d.AssignedAccountID,
		Amount:       d.RequestedAmount,
		Currency:     d.Currency,
		BalanceAfter: w.Balance,
		SettledAt:    req.Now,
	}
	s.settlements[d.ID] = res
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        req.AuditID,
		DepositID: d.ID,
		AccountID: d.AssignedAccountID,
		Kind:      domain.AuditSettlement,
		Detail:    "credited " + d.RequestedAmount.StringFixed(2) + " " + d.Currency,
		CreatedAt: req.Now,
	})

	out := *res
	return &out, nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, depositID string) (*domain.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.settlements[depositID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, depositID string) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if depositID == "" || e.DepositID == depositID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ domain.Store = (*MemoryStore)(nil)
