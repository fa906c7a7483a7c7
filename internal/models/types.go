package models

import (
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/shopspring/decimal"
)

// InitiateRequest is the payload from the client.
type InitiateRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// DepositResponse is the canonical view of a deposit record.
type DepositResponse struct {
	DepositID       string             `json:"deposit_id"`
	UserID          string             `json:"user_id"`
	State           string             `json:"state"`
	Amount          decimal.Decimal    `json:"amount"`
	Currency        string             `json:"currency"`
	AssignedAccount *AssignedAccount   `json:"assigned_account,omitempty"`
	ExpiresAt       time.Time          `json:"expires_at"`
	SlipAttempts    int                `json:"slip_attempts"`
	Reason          string             `json:"reason,omitempty"`
	Slip            *domain.SlipResult `json:"slip,omitempty"`
}

// AssignedAccount tells the user where to transfer. Only shown while the
// record still holds its reservation.
type AssignedAccount struct {
	AccountID     string `json:"account_id"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
}

// ConfirmResponse adds the settlement to the deposit view.
type ConfirmResponse struct {
	DepositResponse
	Settlement *domain.SettlementResult `json:"settlement,omitempty"`
}

// AccountDirectory looks up the transfer details of a receiving account.
type AccountDirectory func(accountID string) (domain.ReceivingAccount, bool)

// NewDepositResponse renders d. accounts may be nil.
func NewDepositResponse(d *domain.DepositRecord, accounts AccountDirectory) DepositResponse {
	resp := DepositResponse{
		DepositID:    d.ID,
		UserID:       d.UserID,
		State:        string(d.State),
		Amount:       d.RequestedAmount,
		Currency:     d.Currency,
		ExpiresAt:    d.ExpiresAt,
		SlipAttempts: d.SlipAttempts,
		Reason:       d.RejectReason,
		Slip:         d.Slip,
	}
	if d.State.Terminal() && d.State != domain.StateSettled {
		return resp
	}
	resp.AssignedAccount = &AssignedAccount{AccountID: d.AssignedAccountID}
	if accounts != nil {
		if a, ok := accounts(d.AssignedAccountID); ok {
			resp.AssignedAccount.BankCode = a.BankCode
			resp.AssignedAccount.AccountNumber = a.AccountNumber
		}
	}
	return resp
}
