package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type commits struct {
	mu sync.Mutex
	n  int
}

func (c *commits) Commit(ctx context.Context, accountID string, amount decimal.Decimal) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutWallet(domain.Wallet{UserID: "u1", Tier: "default", Currency: "THB", Balance: decimal.NewFromInt(50)})
	now := time.Now()
	err := s.CreateDeposit(context.Background(), &domain.DepositRecord{
		ID:                "d1",
		UserID:            "u1",
		RequestedAmount:   decimal.NewFromInt(1000),
		Currency:          "THB",
		AssignedAccountID: "A1",
		State:             domain.StateMatched,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestConcurrentSettleCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	c := &commits{}
	l := New(s, c, zap.NewNop())

	const n = 32
	results := make([]*domain.SettlementResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Settle(ctx, "d1", decimal.NewFromInt(1000), "u1")
			if err != nil {
				t.Errorf("settle %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if !r.Replayed {
			fresh++
		}
		if !r.BalanceAfter.Equal(decimal.NewFromInt(1050)) || !r.Amount.Equal(decimal.NewFromInt(1000)) {
			t.Fatalf("divergent result %+v", r)
		}
	}
	if fresh != 1 {
		t.Fatalf("%d fresh settlements", fresh)
	}
	if c.n != 1 {
		t.Fatalf("%d commits", c.n)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if !w.Balance.Equal(decimal.NewFromInt(1050)) {
		t.Fatalf("balance = %s", w.Balance)
	}
}

func TestSettleUnavailableKeepsMatched(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	s.FailLedger = true
	l := New(s, &commits{}, zap.NewNop())

	if _, err := l.Settle(ctx, "d1", decimal.NewFromInt(1000), "u1"); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	d, _ := s.GetDeposit(ctx, "d1")
	if d.State != domain.StateMatched {
		t.Fatalf("state = %s", d.State)
	}

	s.FailLedger = false
	res, err := l.Settle(ctx, "d1", decimal.NewFromInt(1000), "u1")
	if err != nil || res.Replayed {
		t.Fatalf("retry = %+v, %v", res, err)
	}
}

func TestSettleRequiresMatched(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.PutWallet(domain.Wallet{UserID: "u1"})
	_ = s.CreateDeposit(ctx, &domain.DepositRecord{ID: "d2", UserID: "u1", State: domain.StateAwaitingMatch})
	l := New(s, &commits{}, zap.NewNop())

	if _, err := l.Settle(ctx, "d2", decimal.NewFromInt(1), "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
