package allocator

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

var bangkok = time.FixedZone("ICT", 7*3600)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(id, daily, monthly string) *domain.ReceivingAccount {
	return &domain.ReceivingAccount{
		AccountID:     id,
		AccountNumber: "000-0-0" + id,
		Currency:      "THB",
		DailyLimit:    dec(daily),
		MonthlyLimit:  dec(monthly),
		DailyUsed:     decimal.Zero,
		MonthlyUsed:   decimal.Zero,
		Status:        domain.AccountActive,
	}
}

func newAllocator(t *testing.T, accounts ...*domain.ReceivingAccount) (*Allocator, *store.MemoryStore, *time.Time) {
	t.Helper()
	ms := store.NewMemoryStore()
	a := New(ms, bangkok, zap.NewNop())
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, bangkok)
	a.SetClock(func() time.Time { return clock })
	if err := a.ApplyCatalog(context.Background(), accounts); err != nil {
		t.Fatalf("ApplyCatalog: %v", err)
	}
	return a, ms, &clock
}

func TestReservePrefersLowestUtilization(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, account("A1", "1000", "10000"), account("A2", "1000", "10000"))

	first, err := a.Reserve(ctx, dec("100"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if first != "A1" {
		t.Fatalf("tie should break on id, got %s", first)
	}
	second, err := a.Reserve(ctx, dec("100"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if second != "A2" {
		t.Fatalf("expected the idle account, got %s", second)
	}
}

func TestReserveTieBreaksOnRemainingCapacity(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, account("A1", "1000", "10000"), account("B1", "5000", "50000"))

	got, err := a.Reserve(ctx, dec("100"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if got != "B1" {
		t.Fatalf("expected larger capacity account, got %s", got)
	}
}

func TestReserveSkipsDisabledAndOtherCurrency(t *testing.T) {
	ctx := context.Background()
	off := account("A1", "1000", "10000")
	off.Status = domain.AccountDisabled
	usd := account("A2", "1000", "10000")
	usd.Currency = "USD"
	a, _, _ := newAllocator(t, off, usd, account("A3", "1000", "10000"))

	got, err := a.Reserve(ctx, dec("10"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if got != "A3" {
		t.Fatalf("got %s", got)
	}
}

func TestSecondDepositRoutedElsewhereOrFails(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, account("A1", "1000", "10000"), account("A2", "600", "10000"))

	if id, err := a.Reserve(ctx, dec("700"), "THB"); err != nil || id != "A1" {
		t.Fatalf("first = %s, %v", id, err)
	}
	// A1 cannot take another 700 today; A2 is too small
	if _, err := a.Reserve(ctx, dec("700"), "THB"); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable, got %v", err)
	}
	if id, err := a.Reserve(ctx, dec("500"), "THB"); err != nil || id != "A2" {
		t.Fatalf("third = %s, %v", id, err)
	}
}

func TestConcurrentReservationsNeverExceedLimits(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, account("A1", "1000", "1500"), account("A2", "700", "5000"))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Reserve(ctx, dec("100"), "THB"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 17 {
		t.Fatalf("accepted %d reservations, want 17", ok)
	}
	for _, acct := range a.Snapshot() {
		if acct.DailyUsed.GreaterThan(acct.DailyLimit) || acct.MonthlyUsed.GreaterThan(acct.MonthlyLimit) {
			t.Fatalf("limits exceeded on %+v", acct)
		}
	}
}

func TestReleaseOnDisabledAccount(t *testing.T) {
	ctx := context.Background()
	a, _, clock := newAllocator(t, account("A1", "1000", "10000"))

	id, err := a.Reserve(ctx, dec("400"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	disabled := account("A1", "1000", "10000")
	disabled.Status = domain.AccountDisabled
	if err := a.ApplyCatalog(ctx, []*domain.ReceivingAccount{disabled}); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(ctx, id, dec("400"), *clock); err != nil {
		t.Fatal(err)
	}
	snap := a.Snapshot()
	if !snap[0].DailyUsed.IsZero() || !snap[0].MonthlyUsed.IsZero() {
		t.Fatalf("counters not released: %+v", snap[0])
	}
}

func TestReleaseAfterDayRolloverKeepsMonthly(t *testing.T) {
	ctx := context.Background()
	a, _, clock := newAllocator(t, account("A1", "1000", "10000"))

	reservedAt := *clock
	if _, err := a.Reserve(ctx, dec("300"), "THB"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Reserve(ctx, dec("200"), "THB"); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(24 * time.Hour)
	if _, err := a.Reserve(ctx, dec("100"), "THB"); err != nil {
		t.Fatal(err)
	}
	// yesterday's reservation only comes off the monthly counter
	if err := a.Release(ctx, "A1", dec("300"), reservedAt); err != nil {
		t.Fatal(err)
	}
	snap := a.Snapshot()[0]
	if !snap.DailyUsed.Equal(dec("100")) {
		t.Fatalf("daily = %s", snap.DailyUsed)
	}
	if !snap.MonthlyUsed.Equal(dec("300")) {
		t.Fatalf("monthly = %s", snap.MonthlyUsed)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	a, _, clock := newAllocator(t, account("A1", "1000", "10000"))
	if err := a.Release(ctx, "A1", dec("50"), *clock); err != nil {
		t.Fatal(err)
	}
	if snap := a.Snapshot()[0]; snap.DailyUsed.IsNegative() || snap.MonthlyUsed.IsNegative() {
		t.Fatalf("negative counters %+v", snap)
	}
}

func TestMonthRolloverResetsCounters(t *testing.T) {
	ctx := context.Background()
	a, _, clock := newAllocator(t, account("A1", "1000", "1000"))
	if _, err := a.Reserve(ctx, dec("1000"), "THB"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Reserve(ctx, dec("1"), "THB"); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	*clock = time.Date(2026, 4, 1, 0, 30, 0, 0, bangkok)
	if _, err := a.Reserve(ctx, dec("1000"), "THB"); err != nil {
		t.Fatalf("new month should reset counters: %v", err)
	}
}

type failingRepo struct {
	*store.MemoryStore
	fail bool
}

func (r *failingRepo) SaveUsage(ctx context.Context, a *domain.ReceivingAccount) error {
	if r.fail {
		return domain.ErrStoreUnavailable
	}
	return r.MemoryStore.SaveUsage(ctx, a)
}

func TestReserveRollsBackWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{MemoryStore: store.NewMemoryStore()}
	a := New(repo, bangkok, zap.NewNop())
	if err := a.ApplyCatalog(ctx, []*domain.ReceivingAccount{account("A1", "1000", "10000")}); err != nil {
		t.Fatal(err)
	}

	repo.fail = true
	if _, err := a.Reserve(ctx, dec("100"), "THB"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
	if snap := a.Snapshot()[0]; !snap.DailyUsed.IsZero() {
		t.Fatalf("in-memory counter not rolled back: %s", snap.DailyUsed)
	}
}

func TestLoadRehydratesCounters(t *testing.T) {
	ctx := context.Background()
	a, ms, _ := newAllocator(t, account("A1", "1000", "10000"))
	if _, err := a.Reserve(ctx, dec("250"), "THB"); err != nil {
		t.Fatal(err)
	}

	b := New(ms, bangkok, zap.NewNop())
	b.SetClock(a.now)
	if err := b.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if snap := b.Snapshot()[0]; !snap.DailyUsed.Equal(dec("250")) {
		t.Fatalf("daily after load = %s", snap.DailyUsed)
	}
}

func TestApplyCatalogDisablesUnlisted(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, account("A1", "1000", "10000"), account("A2", "1000", "10000"))
	if err := a.ApplyCatalog(ctx, []*domain.ReceivingAccount{account("A2", "2000", "10000")}); err != nil {
		t.Fatal(err)
	}
	snap := a.Snapshot()
	if snap[0].Status != domain.AccountDisabled {
		t.Fatalf("A1 should be disabled")
	}
	if !snap[1].DailyLimit.Equal(dec("2000")) {
		t.Fatalf("A2 limit not updated: %s", snap[1].DailyLimit)
	}
}

func TestLast4Resolution(t *testing.T) {
	one := account("A1", "1000", "10000")
	one.AccountNumber = "123-4-56781-2"
	two := account("A2", "1000", "10000")
	two.AccountNumber = "402-1-23456-7"
	clash := account("A3", "1000", "10000")
	clash.AccountNumber = "999-9-93456-7"
	a, _, _ := newAllocator(t, one, two, clash)

	if l, ok := a.Last4("A1"); !ok || l != "7812" {
		t.Fatalf("Last4 = %q, %v", l, ok)
	}
	if id, ok := a.ResolveLast4("7812"); !ok || id != "A1" {
		t.Fatalf("ResolveLast4 = %q, %v", id, ok)
	}
	if _, ok := a.ResolveLast4("4567"); ok {
		t.Fatal("ambiguous suffix must not resolve")
	}
	if _, ok := a.ResolveLast4("0000"); ok {
		t.Fatal("unknown suffix must not resolve")
	}
}
