package domain

import "github.com/shopspring/decimal"

// CommandKind names a Command variant on the wire.
type CommandKind string

const (
	KindBankWebhook  CommandKind = "bank_webhook"
	KindGmailWebhook CommandKind = "gmail_webhook"
	KindInitiate     CommandKind = "initiate"
	KindAttachSlip   CommandKind = "attach_slip"
	KindConfirm      CommandKind = "confirm"
	KindExpire       CommandKind = "expire"
)

// Command is the closed set of work units the coordinator dispatches.
// The unexported method keeps the set closed to this package.
type Command interface {
	Kind() CommandKind
	command()
}

type BankWebhookCommand struct {
	Payload   []byte `json:"payload"`
	Signature string `json:"signature"`
}

type GmailWebhookCommand struct {
	Payload       []byte `json:"payload"`
	ResourceState string `json:"resource_state"`
	ChannelToken  string `json:"channel_token"`
}

// InitiateCommand carries the record id chosen at submission so a
// redelivery creates the record at most once.
type InitiateCommand struct {
	DepositID string          `json:"deposit_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type AttachSlipCommand struct {
	DepositID string `json:"deposit_id"`
	Image     []byte `json:"image"`
}

type ConfirmCommand struct {
	DepositID string `json:"deposit_id"`
}

type ExpireCommand struct{}

func (BankWebhookCommand) Kind() CommandKind  { return KindBankWebhook }
func (GmailWebhookCommand) Kind() CommandKind { return KindGmailWebhook }
func (InitiateCommand) Kind() CommandKind     { return KindInitiate }
func (AttachSlipCommand) Kind() CommandKind   { return KindAttachSlip }
func (ConfirmCommand) Kind() CommandKind      { return KindConfirm }
func (ExpireCommand) Kind() CommandKind       { return KindExpire }

func (BankWebhookCommand) command()  {}
func (GmailWebhookCommand) command() {}
func (InitiateCommand) command()     {}
func (AttachSlipCommand) command()   {}
func (ConfirmCommand) command()      {}
func (ExpireCommand) command()       {}
