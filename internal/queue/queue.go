// Package queue carries domain.Commands between HTTP ingestion and the
// worker pool with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/punchamoorthee/depositops/internal/domain"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one command. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, cmd domain.Command) error

// DeadLetter receives commands that failed on every allowed delivery.
type DeadLetter func(ctx context.Context, cmd domain.Command, deliveries int, err error)

// Undecodable receives raw messages that do not carry a valid command envelope.
type Undecodable func(ctx context.Context, payload []byte, err error)

type Queue interface {
	Publish(ctx context.Context, cmd domain.Command) error
	// Consume runs workers handlers concurrently and blocks until ctx is done.
	Consume(ctx context.Context, workers int, h Handler) error
	Close() error
}

type envelope struct {
	Kind domain.CommandKind `json:"kind"`
	Body json.RawMessage    `json:"body"`
}

// Encode wraps cmd in a {kind, body} envelope.
func Encode(cmd domain.Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return json.Marshal(envelope{Kind: cmd.Kind(), Body: body})
}

// Decode is the inverse of Encode.
func Decode(data []byte) (domain.Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		cmd domain.Command
		err error
	)
	switch env.Kind {
	case domain.KindBankWebhook:
		var c domain.BankWebhookCommand
		err = json.Unmarshal(env.Body, &c)
		cmd = c
	case domain.KindGmailWebhook:
		var c domain.GmailWebhookCommand
		err = json.Unmarshal(env.Body, &c)
		cmd = c
	case domain.KindInitiate:
		var c domain.InitiateCommand
		err = json.Unmarshal(env.Body, &c)
		cmd = c
	case domain.KindAttachSlip:
		var c domain.AttachSlipCommand
		err = json.Unmarshal(env.Body, &c)
		cmd = c
	case domain.KindConfirm:
		var c domain.ConfirmCommand
		err = json.Unmarshal(env.Body, &c)
		cmd = c
	case domain.KindExpire:
		cmd = domain.ExpireCommand{}
	default:
		return nil, fmt.Errorf("unknown command kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return cmd, nil
}

// RoutingKey keeps work for one deposit on one partition.
func RoutingKey(cmd domain.Command) string {
	switch c := cmd.(type) {
	case domain.ConfirmCommand:
		return c.DepositID
	case domain.AttachSlipCommand:
		return c.DepositID
	case domain.InitiateCommand:
		return c.UserID
	}
	return string(cmd.Kind())
}
