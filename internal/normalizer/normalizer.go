// Package normalizer converts raw bank webhook and Gmail push payloads into
// domain.BankEvent values.
package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	HeaderSignature     = "X-Signature"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderChannelToken  = "X-Goog-Channel-Token"

	defaultCurrency = "THB"
)

// AccountResolver maps a masked account suffix to a receiving account.
type AccountResolver interface {
	ResolveLast4(last4 string) (string, bool)
}

type Normalizer struct {
	secret       []byte
	channelToken string
	accounts     AccountResolver
	now          func() time.Time
}

func New(bankSecret, gmailChannelToken string, accounts AccountResolver) *Normalizer {
	return &Normalizer{
		secret:       []byte(bankSecret),
		channelToken: gmailChannelToken,
		accounts:     accounts,
		now:          time.Now,
	}
}

// Normalize dispatches on source, reading the source's trust headers from h.
func (n *Normalizer) Normalize(payload []byte, source domain.EventSource, h http.Header) (*domain.BankEvent, error) {
	switch source {
	case domain.SourceBankWebhook:
		return n.NormalizeBank(payload, h.Get(HeaderSignature))
	case domain.SourceGmail:
		return n.NormalizeGmail(payload, h.Get(HeaderResourceState), h.Get(HeaderChannelToken))
	}
	return nil, fmt.Errorf("unknown source %q: %w", source, domain.ErrMalformedPayload)
}

type bankPayload struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactedAt  string          `json:"transacted_at"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in X-Signature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeBank verifies the signature before looking at the body.
func (n *Normalizer) NormalizeBank(payload []byte, signature string) (*domain.BankEvent, error) {
	if len(n.secret) == 0 {
		return nil, fmt.Errorf("no webhook secret configured: %w", domain.ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return nil, domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, domain.ErrInvalidSignature
	}

	var p bankPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("bank payload: %w: %v", domain.ErrMalformedPayload, err)
	}
	if p.TransactionID == "" {
		return nil, fmt.Errorf("missing transaction_id: %w", domain.ErrMalformedPayload)
	}
	if err := checkAmount(p.Amount); err != nil {
		return nil, err
	}

	accountID := p.AccountID
	if accountID == "" {
		suffix, ok := lastDigits(p.AccountNumber)
		if !ok {
			return nil, fmt.Errorf("missing account: %w", domain.ErrMalformedPayload)
		}
		if accountID, ok = n.accounts.ResolveLast4(suffix); !ok {
			return nil, fmt.Errorf("unknown account number: %w", domain.ErrMalformedPayload)
		}
	}

	received := n.now()
	observed := received
	if p.TransactedAt != "" {
		if observed, err = time.Parse(time.RFC3339, p.TransactedAt); err != nil {
			return nil, fmt.Errorf("transacted_at: %w", domain.ErrMalformedPayload)
		}
	}

	return &domain.BankEvent{
		Source:         domain.SourceBankWebhook,
		AccountID:      accountID,
		Amount:         p.Amount,
		Currency:       currencyOrDefault(p.Currency),
		ObservedAt:     observed,
		RawReference:   p.TransactionID,
		SignatureValid: true,
		ReceivedAt:     received,
	}, nil
}

type gmailPayload struct {
	MessageID  string `json:"message_id"`
	ReceivedAt string `json:"received_at"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

var (
	amountRe   = regexp.MustCompile(`(?i)(?:amount|จำนวนเงิน|ยอดเงิน|จำนวน)\s*[:：]?\s*(?:THB|฿)?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	// masked account tokens keep the trailing digits: xxx-x-x781-2, XXXXXX7812
	accountRe  = regexp.MustCompile(`(?i)(?:to\s+account|account|acct\.?|a/c|เข้าบัญชี|บัญชี)\s*(?:no\.?|number|เลขที่)?\s*[:：]?\s*([x*•0-9][x*•0-9\-]{3,})`)
	currencyRe = regexp.MustCompile(`\b(THB|USD)\b`)
)

// NormalizeGmail trusts a push only when the resource state is "exists" and,
// when a channel token is configured, the token matches.
func (n *Normalizer) NormalizeGmail(payload []byte, resourceState, channelToken string) (*domain.BankEvent, error) {
	if resourceState != "exists" {
		return nil, fmt.Errorf("resource state %q: %w", resourceState, domain.ErrInvalidSignature)
	}
	if n.channelToken != "" && subtle.ConstantTimeCompare([]byte(n.channelToken), []byte(channelToken)) != 1 {
		return nil, fmt.Errorf("channel token mismatch: %w", domain.ErrInvalidSignature)
	}

	var p gmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("gmail payload: %w: %v", domain.ErrMalformedPayload, err)
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("missing message_id: %w", domain.ErrMalformedPayload)
	}

	text := p.Subject + "\n" + p.Body
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("no amount in message: %w", domain.ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", m[1], domain.ErrMalformedPayload)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	a := accountRe.FindStringSubmatch(text)
	if a == nil {
		return nil, fmt.Errorf("no account in message: %w", domain.ErrMalformedPayload)
	}
	suffix, ok := lastDigits(a[1])
	if !ok {
		return nil, fmt.Errorf("account token %q: %w", a[1], domain.ErrMalformedPayload)
	}
	accountID, ok := n.accounts.ResolveLast4(suffix)
	if !ok {
		return nil, fmt.Errorf("unresolvable account %s: %w", suffix, domain.ErrMalformedPayload)
	}

	received := n.now()
	observed := received
	if p.ReceivedAt != "" {
		if observed, err = time.Parse(time.RFC3339, p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("received_at: %w", domain.ErrMalformedPayload)
		}
	}

	currency := defaultCurrency
	if c := currencyRe.FindString(text); c != "" {
		currency = c
	}

	return &domain.BankEvent{
		Source:         domain.SourceGmail,
		AccountID:      accountID,
		Amount:         amount,
		Currency:       currency,
		ObservedAt:     observed,
		RawReference:   p.MessageID,
		SignatureValid: true,
		ReceivedAt:     received,
	}, nil
}

func checkAmount(d decimal.Decimal) error {
	if !d.IsPositive() || !d.Equal(d.Round(2)) {
		return fmt.Errorf("amount %s: %w", d, domain.ErrMalformedPayload)
	}
	return nil
}

func currencyOrDefault(c string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return defaultCurrency
}

// lastDigits returns the final four digits of s, ignoring masking characters.
func lastDigits(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) < 4 {
		return "", false
	}
	return d[len(d)-4:], true
}
