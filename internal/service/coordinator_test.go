package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/depositops/internal/allocator"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/dedup"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/extractor"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/ledger"
	"github.com/punchamoorthee/depositops/internal/matcher"
	"github.com/punchamoorthee/depositops/internal/normalizer"
	"github.com/punchamoorthee/depositops/internal/queue"
	"github.com/punchamoorthee/depositops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	bangkok = time.FixedZone("ICT", 7*3600)
	start   = time.Date(2026, 3, 10, 12, 0, 0, 0, bangkok)
	slipPNG = []byte("\x89PNG\r\n\x1a\n")
)

const (
	webhookSecret = "s3cret"
	channelToken  = "chan-token"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store *store.MemoryStore
	alloc *allocator.Allocator
	queue *queue.MemoryQueue
	coord *Coordinator
	clock *clock

	mu      sync.Mutex
	slip    *domain.SlipResult
	slipErr error
}

func receiving(id, number, daily string) *domain.ReceivingAccount {
	return &domain.ReceivingAccount{
		AccountID:     id,
		BankCode:      "KBANK",
		AccountNumber: number,
		Currency:      "THB",
		DailyLimit:    dec(daily),
		MonthlyLimit:  dec("1000000"),
		DailyUsed:     decimal.Zero,
		MonthlyUsed:   decimal.Zero,
		Status:        domain.AccountActive,
	}
}

func tiers() domain.VipPolicy {
	return domain.VipPolicy{
		"default": {PerTransaction: dec("10000"), PerDay: dec("20000")},
		"gold":    {PerTransaction: dec("50000"), PerDay: dec("200000")},
	}
}

func newHarness(t *testing.T, accounts ...*domain.ReceivingAccount) *harness {
	t.Helper()
	if len(accounts) == 0 {
		accounts = []*domain.ReceivingAccount{receiving("A1", "123-4-56781-2", "50000")}
	}
	ctx := context.Background()
	log := zap.NewNop()
	h := &harness{store: store.NewMemoryStore(), clock: &clock{t: start}}
	h.store.PutWallet(domain.Wallet{UserID: "u1", Tier: "default", Currency: "THB", Balance: decimal.Zero})
	h.store.PutWallet(domain.Wallet{UserID: "u2", Tier: "GOLD", Currency: "THB", Balance: decimal.Zero})

	h.alloc = allocator.New(h.store, bangkok, log)
	h.alloc.SetClock(h.clock.Now)
	if err := h.alloc.ApplyCatalog(ctx, accounts); err != nil {
		t.Fatalf("ApplyCatalog: %v", err)
	}

	locks := keylock.New(0)
	m := matcher.New(h.store, locks, h.alloc, matcher.Config{
		Window:              60 * time.Minute,
		CorroborationWindow: 10 * time.Minute,
		ConfidenceThreshold: 0.85,
	}, log)
	m.SetClock(h.clock.Now)
	l := ledger.New(h.store, h.alloc, log)
	l.SetClock(h.clock.Now)

	h.queue = queue.NewMemoryQueue(256, 3, func(ctx context.Context, cmd domain.Command, n int, err error) {
		h.coord.DeadLetter(ctx, cmd, n, err)
	})
	h.queue.SetRedeliveryDelay(time.Millisecond)

	h.coord = NewCoordinator(Config{
		Currencies:           []string{"THB"},
		ConfidenceThreshold:  0.85,
		DepositTTL:           30 * time.Minute,
		SlipMaxAttempts:      3,
		Retention:            24 * time.Hour,
		Location:             bangkok,
		Workers:              4,
		RetryMaxAttempts:     3,
		RetryInitialInterval: time.Millisecond,
	}, Deps{
		Store:     h.store,
		Locks:     locks,
		Allocator: h.alloc,
		Extractor: extractor.Func(func(ctx context.Context, image []byte) (*domain.SlipResult, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.slipErr != nil {
				return nil, h.slipErr
			}
			s := *h.slip
			return &s, nil
		}),
		Normalizer: normalizer.New(webhookSecret, channelToken, h.alloc),
		Matcher:    m,
		Ledger:     l,
		Queue:      h.queue,
		Dedup:      dedup.NewMemoryGuard(time.Hour),
		Policy:     tiers(),
		Log:        log,
	})
	h.coord.SetClock(h.clock.Now)

	runCtx, cancel := context.WithCancel(context.Background())
	go h.coord.Run(runCtx)
	t.Cleanup(cancel)
	h.setSlip("1000", "7812", 0.95)
	return h
}

func (h *harness) setSlip(amount, last4 string, confidence float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slip = &domain.SlipResult{Amount: dec(amount), AccountLast4: last4, Timestamp: h.clock.Now(), Confidence: confidence}
	h.slipErr = nil
}

func (h *harness) setSlipErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slipErr = err
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("queue never drained: %v", err)
	}
}

func (h *harness) bankWebhook(t *testing.T, ref, account, amount string, at time.Time) {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"transaction_id":%q,"account_id":%q,"amount":%q,"currency":"THB","transacted_at":%q}`,
		ref, account, amount, at.Format(time.RFC3339)))
	if err := h.coord.IngestRawBankWebhook(context.Background(), body, normalizer.Sign([]byte(webhookSecret), body)); err != nil {
		t.Fatalf("IngestRawBankWebhook: %v", err)
	}
}

func (h *harness) state(t *testing.T, id string) *domain.DepositRecord {
	t.Helper()
	d, err := h.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (h *harness) balance(t *testing.T, user string) string {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return w.Balance.String()
}

func (h *harness) used(t *testing.T, accountID string) string {
	t.Helper()
	for _, a := range h.coord.Accounts() {
		if a.AccountID == accountID {
			return a.DailyUsed.String()
		}
	}
	t.Fatalf("no account %s", accountID)
	return ""
}

func (h *harness) auditKinds(t *testing.T, depositID string) map[domain.AuditKind]int {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), depositID)
	if err != nil {
		t.Fatal(err)
	}
	out := map[domain.AuditKind]int{}
	for _, e := range entries {
		out[e.Kind]++
	}
	return out
}

func TestHappyPathSettlesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "thb")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if d.State != domain.StatePending || d.AssignedAccountID != "A1" || d.Currency != "THB" {
		t.Fatalf("initiated %+v", d)
	}
	if !d.ExpiresAt.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("expires at %s", d.ExpiresAt)
	}

	h.clock.Advance(time.Minute)
	if d, err = h.coord.AttachSlip(ctx, d.ID, slipPNG); err != nil {
		t.Fatalf("AttachSlip: %v", err)
	}
	if d.State != domain.StateAwaitingMatch || d.Slip == nil {
		t.Fatalf("after slip %+v", d)
	}

	h.bankWebhook(t, "tx-1", "A1", "1000.00", start.Add(2*time.Minute))
	h.idle(t)
	if got := h.state(t, d.ID); got.State != domain.StateSettled || got.MatchedEvent.RawReference != "tx-1" {
		t.Fatalf("after webhook %+v", got)
	}
	if b := h.balance(t, "u1"); b != "1000" {
		t.Fatalf("balance %s", b)
	}

	// the Gmail alert for the same transfer corroborates and credits nothing
	gmail := []byte(fmt.Sprintf(`{"message_id":"m-1","received_at":%q,"body":"Amount: THB 1,000.00 credited to account xxx-x-x781-2"}`,
		start.Add(3*time.Minute).Format(time.RFC3339)))
	if err := h.coord.IngestRawGmailNotification(ctx, gmail, "exists", channelToken); err != nil {
		t.Fatalf("IngestRawGmailNotification: %v", err)
	}
	h.idle(t)
	ev, err := h.store.GetEvent(ctx, domain.EventRef{Source: domain.SourceGmail, RawReference: "m-1"})
	if err != nil || ev.Status != domain.EventCorroborating || ev.DepositID != d.ID {
		t.Fatalf("gmail event %+v %v", ev, err)
	}

	conf, err := h.coord.Confirm(ctx, d.ID)
	if err != nil {
		t.Fatalf("Confirm replay: %v", err)
	}
	if !conf.Replayed || conf.Record.State != domain.StateSettled || conf.Settlement.Amount.String() != "1000" {
		t.Fatalf("replay %+v", conf)
	}
	if b := h.balance(t, "u1"); b != "1000" {
		t.Fatalf("balance after replay %s", b)
	}
	if n := h.auditKinds(t, d.ID)[domain.AuditSettlement]; n != 1 {
		t.Fatalf("%d settlement audit entries", n)
	}
}

func TestDuplicateEventAffectsStateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var ids []string
	for i := 0; i < 2; i++ {
		d, err := h.coord.Initiate(ctx, "u2", dec("1000"), "THB")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
	}

	body := []byte(`{"transaction_id":"tx-dup","account_id":"A1","amount":"1000","transacted_at":"2026-03-10T12:01:00+07:00"}`)
	sig := normalizer.Sign([]byte(webhookSecret), body)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.coord.IngestRawBankWebhook(ctx, body, sig); err != nil {
				t.Errorf("IngestRawBankWebhook: %v", err)
			}
		}()
	}
	wg.Wait()
	h.idle(t)

	settled := 0
	for _, id := range ids {
		switch s := h.state(t, id).State; s {
		case domain.StateSettled:
			settled++
		case domain.StateAwaitingMatch:
		default:
			t.Fatalf("deposit %s in %s", id, s)
		}
	}
	if settled != 1 {
		t.Fatalf("%d deposits settled by one transfer", settled)
	}
	if b := h.balance(t, "u2"); b != "1000" {
		t.Fatalf("balance %s", b)
	}
}

func TestIngestBankEventReportsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, _ := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); err != nil {
		t.Fatal(err)
	}

	event := func() *domain.BankEvent {
		return &domain.BankEvent{
			Source:         domain.SourceBankWebhook,
			AccountID:      "A1",
			Amount:         dec("1000"),
			Currency:       "THB",
			ObservedAt:     start,
			RawReference:   "tx-1",
			SignatureValid: true,
		}
	}
	got, err := h.coord.IngestBankEvent(ctx, event())
	if err != nil || got == nil || got.ID != d.ID {
		t.Fatalf("first ingest = %v, %v", got, err)
	}
	if _, err := h.coord.IngestBankEvent(ctx, event()); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("second ingest: %v", err)
	}
	h.idle(t)
	if b := h.balance(t, "u1"); b != "1000" {
		t.Fatalf("balance %s", b)
	}

	forged := event()
	forged.RawReference = "tx-2"
	forged.SignatureValid = false
	if _, err := h.coord.IngestBankEvent(ctx, forged); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("forged ingest: %v", err)
	}
}

func TestAmountMismatchNeverMatchesAndExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); err != nil {
		t.Fatal(err)
	}
	h.bankWebhook(t, "tx-999", "A1", "999", start.Add(time.Minute))
	h.idle(t)
	if s := h.state(t, d.ID).State; s != domain.StateAwaitingMatch {
		t.Fatalf("999 THB moved the record to %s", s)
	}
	if u := h.used(t, "A1"); u != "1000" {
		t.Fatalf("reserved %s", u)
	}

	h.clock.Advance(31 * time.Minute)
	n, err := h.coord.Expire(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Expire = %d, %v", n, err)
	}
	got := h.state(t, d.ID)
	if got.State != domain.StateExpired || got.RejectReason != "expired" {
		t.Fatalf("after expiry %+v", got)
	}
	if u := h.used(t, "A1"); u != "0" {
		t.Fatalf("reservation not released, used %s", u)
	}
	if h.auditKinds(t, d.ID)[domain.AuditRelease] != 1 {
		t.Fatal("release not audited")
	}

	// a second sweep is a no-op for the record and orphans the stale event
	h.clock.Advance(time.Hour)
	if n, err := h.coord.Expire(ctx); err != nil || n != 0 {
		t.Fatalf("second Expire = %d, %v", n, err)
	}
	ev, _ := h.store.GetEvent(ctx, domain.EventRef{Source: domain.SourceBankWebhook, RawReference: "tx-999"})
	if ev.Status != domain.EventOrphaned {
		t.Fatalf("event status %s", ev.Status)
	}
	if b := h.balance(t, "u1"); b != "0" {
		t.Fatalf("balance %s", b)
	}
}

func TestDailyLimitRoutesSecondDepositElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		receiving("A1", "123-4-56781-2", "1500"),
		receiving("A2", "987-6-54321-0", "1000"),
	)

	first, err := h.coord.Initiate(ctx, "u2", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.coord.Initiate(ctx, "u2", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if first.AssignedAccountID == second.AssignedAccountID {
		t.Fatalf("both deposits routed to %s", first.AssignedAccountID)
	}
	if _, err := h.coord.Initiate(ctx, "u2", dec("1000"), "THB"); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("third deposit: %v", err)
	}
	for _, a := range h.coord.Accounts() {
		if a.DailyUsed.GreaterThan(a.DailyLimit) {
			t.Fatalf("%s used %s over limit %s", a.AccountID, a.DailyUsed, a.DailyLimit)
		}
	}
}

func TestLowConfidenceSlipsRejectAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}

	h.setSlip("1000", "7812", 0.4)
	for i := 1; i <= 3; i++ {
		got, err := h.coord.AttachSlip(ctx, d.ID, slipPNG)
		if !errors.Is(err, domain.ErrLowConfidenceExtraction) {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if got.SlipAttempts != i {
			t.Fatalf("attempt %d recorded as %d", i, got.SlipAttempts)
		}
		want := domain.StatePending
		if i == 3 {
			want = domain.StateRejected
		}
		if got.State != want {
			t.Fatalf("attempt %d: state %s, want %s", i, got.State, want)
		}
	}
	if r := h.state(t, d.ID).RejectReason; r != "low_confidence" {
		t.Fatalf("reason %q", r)
	}
	if u := h.used(t, "A1"); u != "0" {
		t.Fatalf("reservation not released, used %s", u)
	}

	h.setSlip("1000", "7812", 0.99)
	if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("slip on rejected record: %v", err)
	}
	h.bankWebhook(t, "tx-1", "A1", "1000", start.Add(time.Minute))
	h.idle(t)
	if s := h.state(t, d.ID).State; s != domain.StateRejected {
		t.Fatalf("rejected record moved to %s", s)
	}
}

func TestUnreadableSlipCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, _ := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")

	h.setSlipErr(domain.ErrUnreadableImage)
	got, err := h.coord.AttachSlip(ctx, d.ID, slipPNG)
	if !errors.Is(err, domain.ErrUnreadableImage) || got.SlipAttempts != 1 {
		t.Fatalf("AttachSlip = %+v, %v", got, err)
	}

	// an OCR outage is not the user's fault
	h.setSlipErr(domain.ErrExtractorUnavailable)
	if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); !errors.Is(err, domain.ErrExtractorUnavailable) {
		t.Fatalf("outage: %v", err)
	}
	if n := h.state(t, d.ID).SlipAttempts; n != 1 {
		t.Fatalf("attempts %d", n)
	}
}

func TestEventBeforeSlipMatchesWhenSlipArrives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}

	h.bankWebhook(t, "tx-early", "A1", "1000", start.Add(time.Minute))
	h.idle(t)
	if s := h.state(t, d.ID).State; s != domain.StatePending {
		t.Fatalf("pending record moved to %s", s)
	}
	ev, _ := h.store.GetEvent(ctx, domain.EventRef{Source: domain.SourceBankWebhook, RawReference: "tx-early"})
	if ev.Status != domain.EventBuffered {
		t.Fatalf("event %s", ev.Status)
	}

	h.clock.Advance(10 * time.Minute)
	got, err := h.coord.AttachSlip(ctx, d.ID, slipPNG)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateMatched {
		t.Fatalf("after slip %s", got.State)
	}
	h.idle(t)
	if s := h.state(t, d.ID).State; s != domain.StateSettled {
		t.Fatalf("final state %s", s)
	}
	if b := h.balance(t, "u1"); b != "1000" {
		t.Fatalf("balance %s", b)
	}
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := []struct {
		name     string
		user     string
		amount   string
		currency string
		want     error
	}{
		{"zero", "u1", "0", "THB", domain.ErrInvalidAmount},
		{"negative", "u1", "-5", "THB", domain.ErrInvalidAmount},
		{"sub-satang", "u1", "10.005", "THB", domain.ErrInvalidAmount},
		{"currency", "u1", "10", "USD", domain.ErrUnsupportedCurrency},
		{"unknown user", "nobody", "10", "THB", domain.ErrUnknownUser},
		{"per transaction", "u1", "10000.01", "THB", domain.ErrLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.coord.Initiate(ctx, tc.user, dec(tc.amount), tc.currency); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestInitiatePerDayLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.coord.Initiate(ctx, "u1", dec("10000"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Initiate(ctx, "u1", dec("10000"), "THB"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Initiate(ctx, "u1", dec("1"), "THB"); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("over daily limit: %v", err)
	}

	// failed deposits do not count against the day
	h.setSlip("1", "0000", 0.1)
	for i := 0; i < 3; i++ {
		h.coord.AttachSlip(ctx, first.ID, slipPNG)
	}
	if _, err := h.coord.Initiate(ctx, "u1", dec("1"), "THB"); err != nil {
		t.Fatalf("after rejection: %v", err)
	}

	// a new business day starts at local midnight
	h.clock.Advance(12 * time.Hour)
	if _, err := h.coord.Initiate(ctx, "u1", dec("10000"), "THB"); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestConfirmRequiresMatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, _ := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")

	if _, err := h.coord.Confirm(ctx, d.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("confirm pending: %v", err)
	}
	if _, err := h.coord.Confirm(ctx, "missing"); !errors.Is(err, domain.ErrDepositNotFound) {
		t.Fatalf("confirm missing: %v", err)
	}
}

func TestRecoverSettlesMatchedDeposits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := &domain.DepositRecord{
		ID:                "left-matched",
		UserID:            "u1",
		RequestedAmount:   dec("250"),
		Currency:          "THB",
		AssignedAccountID: "A1",
		State:             domain.StateMatched,
		MatchedEvent:      &domain.EventRef{Source: domain.SourceBankWebhook, RawReference: "tx-r"},
		CreatedAt:         start,
		UpdatedAt:         start,
		ExpiresAt:         start.Add(30 * time.Minute),
	}
	if err := h.store.CreateDeposit(ctx, rec); err != nil {
		t.Fatal(err)
	}

	n, err := h.coord.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	h.idle(t)
	if s := h.state(t, rec.ID).State; s != domain.StateSettled {
		t.Fatalf("state %s", s)
	}
	if b := h.balance(t, "u1"); b != "250" {
		t.Fatalf("balance %s", b)
	}
}

func TestDispatchAuditsPermanentFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if err := h.coord.Dispatch(ctx, domain.ConfirmCommand{DepositID: "missing"}); err != nil {
		t.Fatalf("permanent failure should be acknowledged: %v", err)
	}
	if h.auditKinds(t, "missing")[domain.AuditCommandFailed] != 1 {
		t.Fatal("permanent failure not audited")
	}

	h.coord.DeadLetter(ctx, domain.ConfirmCommand{DepositID: "stuck"}, 5, domain.ErrLedgerUnavailable)
	if h.auditKinds(t, "stuck")[domain.AuditDeadLetter] != 1 {
		t.Fatal("dead letter not audited")
	}
}

func TestRawWebhookRejectsForgery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	body := []byte(`{"transaction_id":"tx-1","account_id":"A1","amount":"1000"}`)

	if err := h.coord.IngestRawBankWebhook(ctx, body, normalizer.Sign([]byte("guess"), body)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("forged webhook: %v", err)
	}
	if err := h.coord.IngestRawGmailNotification(ctx, []byte(`{}`), "exists", "wrong"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("forged gmail push: %v", err)
	}
	if n := h.auditKinds(t, "")[domain.AuditDropped]; n != 2 {
		t.Fatalf("%d drops audited", n)
	}
}

func TestReloadCatalog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	off := receiving("A1", "123-4-56781-2", "50000")
	off.Status = domain.AccountDisabled
	err := h.coord.ReloadCatalog(ctx, &config.Catalog{
		Accounts: []*domain.ReceivingAccount{off, receiving("B1", "555-5-55555-5", "50000")},
		Tiers:    domain.VipPolicy{"default": {PerTransaction: dec("500"), PerDay: dec("1000")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.coord.Initiate(ctx, "u1", dec("600"), "THB"); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("new tier table ignored: %v", err)
	}
	d, err := h.coord.Initiate(ctx, "u2", dec("400"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	if d.AssignedAccountID != "B1" {
		t.Fatalf("routed to %s", d.AssignedAccountID)
	}
}

func TestPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, _ := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if _, err := h.coord.Initiate(ctx, "u1", dec("5"), "THB"); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(31 * time.Minute)
	if _, err := h.coord.Expire(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.coord.PurgeTerminal(ctx); n != 0 {
		t.Fatalf("purged %d inside retention", n)
	}

	h.clock.Advance(25 * time.Hour)
	n, err := h.coord.PurgeTerminal(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PurgeTerminal = %d, %v", n, err)
	}
	if _, err := h.coord.Get(ctx, d.ID); !errors.Is(err, domain.ErrDepositNotFound) {
		t.Fatalf("purged record still readable: %v", err)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	if _, err := NewScheduler(h.coord, "every now and then", "@daily", zap.NewNop()); err == nil {
		t.Fatal("expected a parse error")
	}
	s, err := NewScheduler(h.coord, "@every 1h", "@daily", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Stop()
}

func TestSecondSignalDoesNotCreditAnotherUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var ids []string
	for _, user := range []string{"u1", "u2"} {
		d, err := h.coord.Initiate(ctx, user, dec("1000"), "THB")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.coord.AttachSlip(ctx, d.ID, slipPNG); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
		h.clock.Advance(time.Second)
	}

	// only u1 transferred; the bank and Gmail both report it
	h.bankWebhook(t, "tx-1", "A1", "1000", start.Add(2*time.Minute))
	h.idle(t)
	gmail := []byte(fmt.Sprintf(`{"message_id":"m-1","received_at":%q,"body":"Amount: THB 1,000.00 credited to account xxx-x-x781-2"}`,
		start.Add(3*time.Minute).Format(time.RFC3339)))
	if err := h.coord.IngestRawGmailNotification(ctx, gmail, "exists", channelToken); err != nil {
		t.Fatal(err)
	}
	h.idle(t)

	if s := h.state(t, ids[0]).State; s != domain.StateSettled {
		t.Fatalf("u1 deposit %s", s)
	}
	if s := h.state(t, ids[1]).State; s != domain.StateAwaitingMatch {
		t.Fatalf("u2 deposit %s", s)
	}
	if b := h.balance(t, "u2"); b != "0" {
		t.Fatalf("u2 credited %s without paying", b)
	}
	if b := h.balance(t, "u1"); b != "1000" {
		t.Fatalf("u1 balance %s", b)
	}
}

func TestSubmitSlipExtractsOnWorkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.coord.SubmitSlip(ctx, d.ID, slipPNG)
	if err != nil || got.ID != d.ID {
		t.Fatalf("SubmitSlip = %+v, %v", got, err)
	}
	h.idle(t)
	if s := h.state(t, d.ID).State; s != domain.StateAwaitingMatch {
		t.Fatalf("after queued slip %s", s)
	}

	// failed extractions count as attempts and are not command failures
	other, _ := h.coord.Initiate(ctx, "u2", dec("500"), "THB")
	h.setSlip("500", "7812", 0.4)
	for i := 0; i < 3; i++ {
		if _, err := h.coord.SubmitSlip(ctx, other.ID, slipPNG); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		h.idle(t)
	}
	rec := h.state(t, other.ID)
	if rec.State != domain.StateRejected || rec.SlipAttempts != 3 {
		t.Fatalf("after three low-confidence slips %+v", rec)
	}
	if n := h.auditKinds(t, other.ID)[domain.AuditCommandFailed]; n != 0 {
		t.Fatalf("%d command failures audited", n)
	}
	if _, err := h.coord.SubmitSlip(ctx, other.ID, slipPNG); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("slip on rejected record: %v", err)
	}
	if _, err := h.coord.SubmitSlip(ctx, "missing", slipPNG); !errors.Is(err, domain.ErrDepositNotFound) {
		t.Fatalf("slip on missing record: %v", err)
	}
}

func TestSubmitInitiateQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.coord.SubmitInitiate(ctx, "u1", dec("0"), "THB"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("invalid amount: %v", err)
	}

	id, err := h.coord.SubmitInitiate(ctx, "u1", dec("1000"), "thb")
	if err != nil {
		t.Fatal(err)
	}
	h.idle(t)
	d := h.state(t, id)
	if d.State != domain.StatePending || d.AssignedAccountID != "A1" || d.Currency != "THB" {
		t.Fatalf("queued record %+v", d)
	}

	// a redelivered command does not reserve twice
	if err := h.coord.Dispatch(ctx, domain.InitiateCommand{DepositID: id, UserID: "u1", Amount: dec("1000"), Currency: "THB"}); err != nil {
		t.Fatal(err)
	}
	if u := h.used(t, "A1"); u != "1000" {
		t.Fatalf("used %s", u)
	}

	over, err := h.coord.SubmitInitiate(ctx, "u1", dec("10000.01"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	h.idle(t)
	rec := h.state(t, over)
	if rec.State != domain.StateRejected || rec.RejectReason != "limit_exceeded" {
		t.Fatalf("over-limit record %+v", rec)
	}
	if u := h.used(t, "A1"); u != "1000" {
		t.Fatalf("rejected initiation reserved, used %s", u)
	}
}

type failingRelease struct {
	Allocator
	calls atomic.Int32
}

func (f *failingRelease) Release(ctx context.Context, accountID string, amount decimal.Decimal, reservedAt time.Time) error {
	f.calls.Add(1)
	return fmt.Errorf("persist release on %s: %w", accountID, domain.ErrStoreUnavailable)
}

func TestFailedReleaseIsRetriedAndAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d, err := h.coord.Initiate(ctx, "u1", dec("1000"), "THB")
	if err != nil {
		t.Fatal(err)
	}
	alloc := &failingRelease{Allocator: h.alloc}
	h.coord.alloc = alloc

	h.clock.Advance(31 * time.Minute)
	if n, err := h.coord.Expire(ctx); err != nil || n != 1 {
		t.Fatalf("Expire = %d, %v", n, err)
	}
	if n := alloc.calls.Load(); n != 3 {
		t.Fatalf("release tried %d times", n)
	}
	kinds := h.auditKinds(t, d.ID)
	if kinds[domain.AuditReleaseFailed] != 1 || kinds[domain.AuditRelease] != 0 {
		t.Fatalf("audit %v", kinds)
	}
	if s := h.state(t, d.ID).State; s != domain.StateExpired {
		t.Fatalf("state %s", s)
	}
}
