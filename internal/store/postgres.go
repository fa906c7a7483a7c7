package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// wrap tags errors that are not Postgres-level rejections as ErrStoreUnavailable
// so the retry layer treats them as transient.
func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad numeric %q: %w", s, err)
	}
	return d, nil
}

// Deposits

const depositColumns = `id, user_id, requested_amount::text, currency, assigned_account_id, state,
	slip_amount::text, slip_last4, slip_timestamp, slip_confidence,
	matched_source, matched_reference, slip_attempts, reject_reason,
	created_at, updated_at, expires_at`

func scanDeposit(row pgx.Row) (*domain.DepositRecord, error) {
	var (
		d                domain.DepositRecord
		amount           string
		slipAmount       *string
		slipLast4        *string
		slipTimestamp    *time.Time
		slipConfidence   *float64
		matchedSource    *string
		matchedReference *string
	)
	err := row.Scan(&d.ID, &d.UserID, &amount, &d.Currency, &d.AssignedAccountID, &d.State,
		&slipAmount, &slipLast4, &slipTimestamp, &slipConfidence,
		&matchedSource, &matchedReference, &d.SlipAttempts, &d.RejectReason,
		&d.CreatedAt, &d.UpdatedAt, &d.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if d.RequestedAmount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if slipAmount != nil {
		slip := &domain.SlipResult{}
		if slip.Amount, err = parseAmount(*slipAmount); err != nil {
			return nil, err
		}
		if slipLast4 != nil {
			slip.AccountLast4 = *slipLast4
		}
		if slipTimestamp != nil {
			slip.Timestamp = *slipTimestamp
		}
		if slipConfidence != nil {
			slip.Confidence = *slipConfidence
		}
		d.Slip = slip
	}
	if matchedSource != nil && matchedReference != nil {
		d.MatchedEvent = &domain.EventRef{
			Source:       domain.EventSource(*matchedSource),
			RawReference: *matchedReference,
		}
	}
	return &d, nil
}

func collectDeposits(rows pgx.Rows) ([]*domain.DepositRecord, error) {
	defer rows.Close()
	var out []*domain.DepositRecord
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// slipArgs flattens the optional slip and matched event into nullable columns.
func slipArgs(d *domain.DepositRecord) (amount, last4 *string, ts *time.Time, conf *float64, src, ref *string) {
	if d.Slip != nil {
		a := d.Slip.Amount.String()
		l := d.Slip.AccountLast4
		t := d.Slip.Timestamp
		c := d.Slip.Confidence
		amount, last4, ts, conf = &a, &l, &t, &c
	}
	if d.MatchedEvent != nil {
		s := string(d.MatchedEvent.Source)
		r := d.MatchedEvent.RawReference
		src, ref = &s, &r
	}
	return
}

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *domain.DepositRecord) error {
	slipAmount, slipLast4, slipTS, slipConf, src, ref := slipArgs(d)
	_, err := s.Db.Exec(ctx, `
		INSERT INTO deposit_records (id, user_id, requested_amount, currency, assigned_account_id, state,
			slip_amount, slip_last4, slip_timestamp, slip_confidence, matched_source, matched_reference,
			slip_attempts, reject_reason, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.UserID, d.RequestedAmount.String(), d.Currency, d.AssignedAccountID, string(d.State),
		slipAmount, slipLast4, slipTS, slipConf, src, ref,
		d.SlipAttempts, d.RejectReason, d.CreatedAt, d.UpdatedAt, d.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("deposit %s exists: %w", d.ID, domain.ErrInvalidState)
		}
		return wrap("insert deposit", err)
	}
	return nil
}

func (s *PostgresStore) GetDeposit(ctx context.Context, id string) (*domain.DepositRecord, error) {
	d, err := scanDeposit(s.Db.QueryRow(ctx, "SELECT "+depositColumns+" FROM deposit_records WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDepositNotFound
		}
		return nil, wrap("get deposit", err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDeposit(ctx context.Context, d *domain.DepositRecord, expected domain.DepositState) error {
	slipAmount, slipLast4, slipTS, slipConf, src, ref := slipArgs(d)
	tag, err := s.Db.Exec(ctx, `
		UPDATE deposit_records SET state = $2,
			slip_amount = $3, slip_last4 = $4, slip_timestamp = $5, slip_confidence = $6,
			matched_source = $7, matched_reference = $8, slip_attempts = $9, reject_reason = $10,
			updated_at = $11, expires_at = $12
		WHERE id = $1 AND state = $13`,
		d.ID, string(d.State), slipAmount, slipLast4, slipTS, slipConf, src, ref,
		d.SlipAttempts, d.RejectReason, d.UpdatedAt, d.ExpiresAt, string(expected),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// matched event already claimed by another record
			return fmt.Errorf("update deposit %s: %w", d.ID, domain.ErrInvalidState)
		}
		return wrap("update deposit", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM deposit_records WHERE id = $1)", d.ID).Scan(&exists); err != nil {
			return wrap("update deposit", err)
		}
		if !exists {
			return domain.ErrDepositNotFound
		}
		return fmt.Errorf("deposit %s no longer %s: %w", d.ID, expected, domain.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ListAwaitingMatch(ctx context.Context, accountID string, amount decimal.Decimal, currency string) ([]*domain.DepositRecord, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+depositColumns+` FROM deposit_records
		WHERE assigned_account_id = $1 AND requested_amount = $2 AND currency = $3 AND state = $4
		ORDER BY created_at, id`,
		accountID, amount.String(), currency, string(domain.StateAwaitingMatch))
	if err != nil {
		return nil, wrap("list awaiting match", err)
	}
	return collectDeposits(rows)
}

func (s *PostgresStore) ListRecentlyMatched(ctx context.Context, accountID string, amount decimal.Decimal, since time.Time) ([]*domain.DepositRecord, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+depositColumns+` FROM deposit_records
		WHERE assigned_account_id = $1 AND requested_amount = $2 AND state IN ($3, $4) AND updated_at >= $5
		ORDER BY updated_at, id`,
		accountID, amount.String(), string(domain.StateMatched), string(domain.StateSettled), since)
	if err != nil {
		return nil, wrap("list recently matched", err)
	}
	return collectDeposits(rows)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.DepositRecord, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+depositColumns+` FROM deposit_records
		WHERE state IN ($1, $2) AND expires_at <= $3
		ORDER BY expires_at, id LIMIT NULLIF($4, 0)`,
		string(domain.StatePending), string(domain.StateAwaitingMatch), now, limit)
	if err != nil {
		return nil, wrap("list expirable", err)
	}
	return collectDeposits(rows)
}

func (s *PostgresStore) ListByState(ctx context.Context, state domain.DepositState, limit int) ([]*domain.DepositRecord, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+depositColumns+` FROM deposit_records
		WHERE state = $1 ORDER BY created_at, id LIMIT NULLIF($2, 0)`, string(state), limit)
	if err != nil {
		return nil, wrap("list by state", err)
	}
	return collectDeposits(rows)
}

func (s *PostgresStore) SumUserDeposits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.Db.QueryRow(ctx, `
		SELECT COALESCE(SUM(requested_amount), 0)::text FROM deposit_records
		WHERE user_id = $1 AND created_at >= $2 AND state NOT IN ($3, $4)`,
		userID, since, string(domain.StateRejected), string(domain.StateExpired),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, wrap("sum user deposits", err)
	}
	return parseAmount(total)
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	// bank_events rows stay: their primary key rejects redeliveries that
	// outlive the dedup cache.
	tag, err := s.Db.Exec(ctx, `DELETE FROM deposit_records WHERE state IN ($1, $2, $3) AND updated_at < $4`,
		string(domain.StateSettled), string(domain.StateRejected), string(domain.StateExpired), before)
	if err != nil {
		return 0, wrap("purge deposits", err)
	}
	return tag.RowsAffected(), nil
}

// Events

const eventColumns = `source, raw_reference, account_id, amount::text, currency, observed_at,
	signature_valid, status, deposit_id, received_at`

func scanEvent(row pgx.Row) (*domain.BankEvent, error) {
	var (
		e      domain.BankEvent
		amount string
	)
	if err := row.Scan(&e.Source, &e.RawReference, &e.AccountID, &amount, &e.Currency, &e.ObservedAt,
		&e.SignatureValid, &e.Status, &e.DepositID, &e.ReceivedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) listEvents(ctx context.Context, op, where string, args ...any) ([]*domain.BankEvent, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+eventColumns+" FROM bank_events WHERE "+where+" ORDER BY observed_at, raw_reference", args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []*domain.BankEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *domain.BankEvent) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO bank_events (source, raw_reference, account_id, amount, currency, observed_at,
			signature_valid, status, deposit_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.Source), e.RawReference, e.AccountID, e.Amount.String(), e.Currency, e.ObservedAt,
		e.SignatureValid, string(e.Status), e.DepositID, e.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrDuplicateEvent
		}
		return wrap("insert event", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, ref domain.EventRef) (*domain.BankEvent, error) {
	e, err := scanEvent(s.Db.QueryRow(ctx, "SELECT "+eventColumns+" FROM bank_events WHERE source = $1 AND raw_reference = $2",
		string(ref.Source), ref.RawReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get event", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, ref domain.EventRef, status domain.EventStatus, depositID string) error {
	tag, err := s.Db.Exec(ctx, `UPDATE bank_events SET status = $3, deposit_id = $4 WHERE source = $1 AND raw_reference = $2`,
		string(ref.Source), ref.RawReference, string(status), depositID)
	if err != nil {
		return wrap("update event", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListBufferedByAccount(ctx context.Context, accountID string) ([]*domain.BankEvent, error) {
	return s.listEvents(ctx, "list buffered", "status = $1 AND account_id = $2", string(domain.EventBuffered), accountID)
}

func (s *PostgresStore) ListBufferedBefore(ctx context.Context, cutoff time.Time) ([]*domain.BankEvent, error) {
	return s.listEvents(ctx, "list stale buffered", "status = $1 AND received_at < $2", string(domain.EventBuffered), cutoff)
}

func (s *PostgresStore) ListEventsByDeposit(ctx context.Context, depositID string) ([]*domain.BankEvent, error) {
	return s.listEvents(ctx, "list deposit events", "deposit_id = $1", depositID)
}

// Receiving accounts

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*domain.ReceivingAccount, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT account_id, bank_code, account_number, currency, daily_limit::text, monthly_limit::text,
			daily_used::text, monthly_used::text, status, usage_day, usage_month
		FROM receiving_accounts ORDER BY account_id`)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var out []*domain.ReceivingAccount
	for rows.Next() {
		var (
			a                                      domain.ReceivingAccount
			dailyLimit, monthlyLimit, dUsed, mUsed string
		)
		if err := rows.Scan(&a.AccountID, &a.BankCode, &a.AccountNumber, &a.Currency, &dailyLimit, &monthlyLimit,
			&dUsed, &mUsed, &a.Status, &a.UsageDay, &a.UsageMonth); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&a.DailyLimit, dailyLimit}, {&a.MonthlyLimit, monthlyLimit}, {&a.DailyUsed, dUsed}, {&a.MonthlyUsed, mUsed}} {
			if *f.dst, err = parseAmount(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpsertAccount writes catalog fields and leaves usage counters alone on conflict.
func (s *PostgresStore) UpsertAccount(ctx context.Context, a *domain.ReceivingAccount) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO receiving_accounts (account_id, bank_code, account_number, currency, daily_limit, monthly_limit,
			daily_used, monthly_used, status, usage_day, usage_month)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id) DO UPDATE SET
			bank_code = EXCLUDED.bank_code,
			account_number = EXCLUDED.account_number,
			currency = EXCLUDED.currency,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			status = EXCLUDED.status`,
		a.AccountID, a.BankCode, a.AccountNumber, a.Currency, a.DailyLimit.String(), a.MonthlyLimit.String(),
		a.DailyUsed.String(), a.MonthlyUsed.String(), string(a.Status), a.UsageDay, a.UsageMonth,
	)
	if err != nil {
		return wrap("upsert account", err)
	}
	return nil
}

func (s *PostgresStore) SaveUsage(ctx context.Context, a *domain.ReceivingAccount) error {
	tag, err := s.Db.Exec(ctx, `
		UPDATE receiving_accounts SET daily_used = $2, monthly_used = $3, usage_day = $4, usage_month = $5
		WHERE account_id = $1`,
		a.AccountID, a.DailyUsed.String(), a.MonthlyUsed.String(), a.UsageDay, a.UsageMonth)
	if err != nil {
		return wrap("save usage", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Wallets

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var (
		w       domain.Wallet
		balance string
	)
	err := s.Db.QueryRow(ctx, "SELECT user_id, tier, currency, balance::text FROM wallets WHERE user_id = $1", userID).
		Scan(&w.UserID, &w.Tier, &w.Currency, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownUser
		}
		return nil, wrap("get wallet", err)
	}
	if w.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	return &w, nil
}

// Ledger

func scanSettlement(row pgx.Row) (*domain.SettlementResult, error) {
	var (
		r               domain.SettlementResult
		amount, balance string
	)
	if err := row.Scan(&r.DepositID, &r.UserID, &r.AccountID, &amount, &r.Currency, &balance, &r.SettledAt); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if r.BalanceAfter, err = parseAmount(balance); err != nil {
		return nil, err
	}
	return &r, nil
}

const settlementSelect = `SELECT deposit_id, user_id, account_id, amount::text, currency, balance_after::text, settled_at
	FROM settlements WHERE deposit_id = $1`

// SettleDeposit credits the wallet and flips the record to Settled in one
// transaction, taking the record row lock first.
func (s *PostgresStore) SettleDeposit(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	res, err := s.settle(ctx, req)
	if err == nil || errors.Is(err, domain.ErrAlreadySettled) ||
		errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrDepositNotFound) ||
		errors.Is(err, domain.ErrUnknownUser) {
		return res, err
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}

func (s *PostgresStore) settle(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the record
	var (
		state                       domain.DepositState
		userID, accountID, currency string
		amount                      string
	)
	err = tx.QueryRow(ctx, `
		SELECT state, user_id, assigned_account_id, requested_amount::text, currency
		FROM deposit_records WHERE id = $1 FOR UPDATE`, req.DepositID,
	).Scan(&state, &userID, &accountID, &amount, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDepositNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	// 2. Replay
	if state == domain.StateSettled {
		prev, err := scanSettlement(tx.QueryRow(ctx, settlementSelect, req.DepositID))
		if err != nil {
			return nil, fmt.Errorf("settlement lookup failed: %w", err)
		}
		prev.Replayed = true
		return prev, domain.ErrAlreadySettled
	}
	if state != domain.StateMatched {
		return nil, fmt.Errorf("settle %s from %s: %w", req.DepositID, state, domain.ErrInvalidState)
	}

	// 3. Credit
	var balance string
	err = tx.QueryRow(ctx, `UPDATE wallets SET balance = balance + $1 WHERE user_id = $2 RETURNING balance::text`,
		amount, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownUser
		}
		return nil, fmt.Errorf("wallet credit failed: %w", err)
	}

	// 4. Settlement row, audit, state
	_, err = tx.Exec(ctx, `
		INSERT INTO settlements (deposit_id, user_id, account_id, amount, currency, balance_after, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.DepositID, userID, accountID, amount, currency, balance, req.Now)
	if err != nil {
		return nil, fmt.Errorf("settlement insert failed: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, deposit_id, account_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		req.AuditID, req.DepositID, accountID, string(domain.AuditSettlement),
		fmt.Sprintf("credited %s %s", amount, currency), req.Now)
	if err != nil {
		return nil, fmt.Errorf("audit insert failed: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE deposit_records SET state = $2, updated_at = $3 WHERE id = $1`,
		req.DepositID, string(domain.StateSettled), req.Now)
	if err != nil {
		return nil, fmt.Errorf("state update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	res := &domain.SettlementResult{
		DepositID: req.DepositID,
		UserID:    userID,
		AccountID: accountID,
		Currency:  currency,
		SettledAt: req.Now,
	}
	if res.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if res.BalanceAfter, err = parseAmount(balance); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, depositID string) (*domain.SettlementResult, error) {
	r, err := scanSettlement(s.Db.QueryRow(ctx, settlementSelect, depositID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get settlement", err)
	}
	return r, nil
}

// Audit

func (s *PostgresStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO audit_log (id, deposit_id, account_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.DepositID, e.AccountID, string(e.Kind), e.Detail, e.CreatedAt)
	if err != nil {
		return wrap("append audit", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, depositID string) ([]domain.AuditEntry, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id, deposit_id, account_id, kind, detail, created_at FROM audit_log
		WHERE $1 = '' OR deposit_id = $1 ORDER BY created_at, id`, depositID)
	if err != nil {
		return nil, wrap("list audit", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.DepositID, &e.AccountID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.Store = (*PostgresStore)(nil)
