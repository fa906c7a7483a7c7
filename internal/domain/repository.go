package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DepositRepository persists DepositRecords.
type DepositRepository interface {
	CreateDeposit(ctx context.Context, d *DepositRecord) error
	GetDeposit(ctx context.Context, id string) (*DepositRecord, error)
	// UpdateDeposit writes d only if the stored state still equals expected,
	// otherwise it returns ErrInvalidState.
	UpdateDeposit(ctx context.Context, d *DepositRecord, expected DepositState) error
	ListAwaitingMatch(ctx context.Context, accountID string, amount decimal.Decimal, currency string) ([]*DepositRecord, error)
	ListRecentlyMatched(ctx context.Context, accountID string, amount decimal.Decimal, since time.Time) ([]*DepositRecord, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*DepositRecord, error)
	ListByState(ctx context.Context, state DepositState, limit int) ([]*DepositRecord, error)
	// SumUserDeposits totals requested amounts since the given instant,
	// ignoring rejected and expired records.
	SumUserDeposits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	// PurgeTerminal deletes closed records last updated before the given
	// instant. Bank events are never purged.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// EventRepository persists BankEvents and enforces (source, raw_reference) uniqueness.
type EventRepository interface {
	// InsertEvent returns ErrDuplicateEvent when the natural key already exists.
	InsertEvent(ctx context.Context, e *BankEvent) error
	GetEvent(ctx context.Context, ref EventRef) (*BankEvent, error)
	UpdateEventStatus(ctx context.Context, ref EventRef, status EventStatus, depositID string) error
	ListBufferedByAccount(ctx context.Context, accountID string) ([]*BankEvent, error)
	ListBufferedBefore(ctx context.Context, cutoff time.Time) ([]*BankEvent, error)
	ListEventsByDeposit(ctx context.Context, depositID string) ([]*BankEvent, error)
}

// AccountRepository persists receiving accounts and their usage counters.
type AccountRepository interface {
	ListAccounts(ctx context.Context) ([]*ReceivingAccount, error)
	UpsertAccount(ctx context.Context, a *ReceivingAccount) error
	SaveUsage(ctx context.Context, a *ReceivingAccount) error
}

// WalletRepository resolves users to wallets (and so to VIP tiers).
type WalletRepository interface {
	// GetWallet returns ErrUnknownUser when no wallet exists.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
}

// SettleRequest carries everything the ledger transaction needs.
type SettleRequest struct {
	DepositID string
	UserID    string
	Amount    decimal.Decimal
	Now       time.Time
	AuditID   string
}

// LedgerRepository applies a settlement atomically with the Settled transition.
type LedgerRepository interface {
	// SettleDeposit returns the stored result together with ErrAlreadySettled
	// when the deposit was settled before.
	SettleDeposit(ctx context.Context, req SettleRequest) (*SettlementResult, error)
	GetSettlement(ctx context.Context, depositID string) (*SettlementResult, error)
}

// AuditRepository is the append-only audit trail.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, depositID string) ([]AuditEntry, error)
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	DepositRepository
	EventRepository
	AccountRepository
	WalletRepository
	LedgerRepository
	AuditRepository
}
