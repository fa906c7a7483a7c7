package domain

import (
	"context"
	"errors"
)

// Validation
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrUnknownUser         = errors.New("unknown user")
)

// Policy
var (
	ErrLimitExceeded      = errors.New("limit exceeded")
	ErrNoAccountAvailable = errors.New("no account available")
)

// State
var (
	ErrDepositNotFound = errors.New("deposit not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrAlreadySettled  = errors.New("already settled")
)

// Extraction
var (
	ErrLowConfidenceExtraction = errors.New("low confidence extraction")
	ErrUnreadableImage         = errors.New("unreadable image")
	ErrExtractorUnavailable    = errors.New("extractor unavailable")
)

// Integrity
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDuplicateEvent   = errors.New("duplicate event")
)

// Infrastructure
var (
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrExtractorUnavailable),
		errors.Is(err, ErrLedgerUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
