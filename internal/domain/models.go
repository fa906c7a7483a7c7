package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositState is the lifecycle position of a DepositRecord.
type DepositState string

const (
	StatePending       DepositState = "pending"
	StateAwaitingMatch DepositState = "awaiting_match"
	StateMatched       DepositState = "matched"
	StateSettled       DepositState = "settled"
	StateRejected      DepositState = "rejected"
	StateExpired       DepositState = "expired"
)

// EventSource identifies which confirmation channel produced a BankEvent.
type EventSource string

const (
	SourceGmail       EventSource = "gmail"
	SourceBankWebhook EventSource = "bank_webhook"
)

// EventStatus tracks what the matcher did with a BankEvent.
type EventStatus string

const (
	EventBuffered      EventStatus = "buffered"
	EventMatched       EventStatus = "matched"
	EventCorroborating EventStatus = "corroborating"
	EventOrphaned      EventStatus = "orphaned"
)

// AccountStatus gates whether the allocator may pick an account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

// SlipResult is the structured output of the OCR extractor.
type SlipResult struct {
	Amount       decimal.Decimal `json:"extracted_amount"`
	AccountLast4 string          `json:"extracted_account_last4"`
	Timestamp    time.Time       `json:"extracted_timestamp"`
	Confidence   float64         `json:"confidence"`
}

// EventRef points at a BankEvent by its natural key.
type EventRef struct {
	Source       EventSource `json:"source"`
	RawReference string      `json:"raw_reference"`
}

// DepositRecord is one user-initiated deposit attempt. Its ID is the
// idempotency key for every downstream operation.
type DepositRecord struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	RequestedAmount   decimal.Decimal `json:"requested_amount"`
	Currency          string          `json:"currency"`
	AssignedAccountID string          `json:"assigned_account_id"`
	State             DepositState    `json:"state"`
	Slip              *SlipResult     `json:"slip,omitempty"`
	MatchedEvent      *EventRef       `json:"matched_event,omitempty"`
	SlipAttempts      int             `json:"slip_attempts"`
	RejectReason      string          `json:"reject_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// Open reports whether the record still holds an account reservation.
func (d *DepositRecord) Open() bool {
	return d.State == StatePending || d.State == StateAwaitingMatch
}

// BankEvent is a normalized confirmation signal from either source.
// (Source, RawReference) is unique.
type BankEvent struct {
	Source         EventSource     `json:"source"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ObservedAt     time.Time       `json:"observed_at"`
	RawReference   string          `json:"raw_reference"`
	SignatureValid bool            `json:"signature_valid"`
	Status         EventStatus     `json:"status,omitempty"`
	DepositID      string          `json:"deposit_id,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Ref returns the event's natural key.
func (e *BankEvent) Ref() EventRef {
	return EventRef{Source: e.Source, RawReference: e.RawReference}
}

// ReceivingAccount is a bank account deposits can be routed into.
// UsageDay and UsageMonth record which business period the counters belong to.
type ReceivingAccount struct {
	AccountID     string          `json:"account_id"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
	Currency      string          `json:"currency"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	MonthlyLimit  decimal.Decimal `json:"monthly_limit"`
	DailyUsed     decimal.Decimal `json:"daily_used"`
	MonthlyUsed   decimal.Decimal `json:"monthly_used"`
	Status        AccountStatus   `json:"status"`
	UsageDay      string          `json:"usage_day"`
	UsageMonth    string          `json:"usage_month"`
}

// TierLimits are the ceilings for one VIP tier.
type TierLimits struct {
	PerTransaction decimal.Decimal `json:"per_transaction"`
	PerDay         decimal.Decimal `json:"per_day"`
}

// VipPolicy maps a user tier to its deposit ceilings.
type VipPolicy map[string]TierLimits

// Limits returns the ceilings for tier, falling back to the "default" tier.
func (p VipPolicy) Limits(tier string) (TierLimits, bool) {
	if l, ok := p[tier]; ok {
		return l, true
	}
	l, ok := p["default"]
	return l, ok
}

// Wallet is the user balance credited by settlement.
type Wallet struct {
	UserID   string          `json:"user_id"`
	Tier     string          `json:"tier"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// SettlementResult is recorded once per deposit and returned verbatim on replay.
type SettlementResult struct {
	DepositID    string          `json:"deposit_id"`
	UserID       string          `json:"user_id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	SettledAt    time.Time       `json:"settled_at"`
	Replayed     bool            `json:"replayed"`
}

// AuditKind classifies entries in the append-only audit trail.
type AuditKind string

const (
	AuditTransition    AuditKind = "transition"
	AuditSettlement    AuditKind = "settlement"
	AuditDropped       AuditKind = "event_dropped"
	AuditDuplicate     AuditKind = "event_duplicate"
	AuditOrphaned      AuditKind = "event_orphaned"
	AuditCorroborating AuditKind = "event_corroborating"
	AuditDeadLetter    AuditKind = "dead_letter"
	AuditRelease       AuditKind = "reservation_released"
	AuditReleaseFailed AuditKind = "reservation_release_failed"
	AuditCommandFailed AuditKind = "command_failed"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	DepositID string    `json:"deposit_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Kind      AuditKind `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
