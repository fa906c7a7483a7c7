// Package extractor turns slip images into structured transfer fields by
// calling an external OCR service.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Extractor reads a slip. ErrUnreadableImage is permanent for the given
// bytes; ErrExtractorUnavailable is worth retrying.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*domain.SlipResult, error)
}

// Func adapts a plain function to Extractor.
type Func func(ctx context.Context, image []byte) (*domain.SlipResult, error)

func (f Func) Extract(ctx context.Context, image []byte) (*domain.SlipResult, error) {
	return f(ctx, image)
}

const DefaultMaxImageBytes = 8 << 20

type ocrResponse struct {
	Amount        decimal.Decimal `json:"amount"`
	AccountLast4  string          `json:"account_last4"`
	TransferredAt string          `json:"transferred_at"`
	Confidence    float64         `json:"confidence"`
}

type HTTPExtractor struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	maxBytes int
}

func NewHTTPExtractor(baseURL string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ocr",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// a bad image says nothing about the OCR service's health
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrUnreadableImage)
			},
		}),
		maxBytes: DefaultMaxImageBytes,
	}
}

func (x *HTTPExtractor) Extract(ctx context.Context, image []byte) (*domain.SlipResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty upload: %w", domain.ErrUnreadableImage)
	}
	if len(image) > x.maxBytes {
		return nil, fmt.Errorf("image of %d bytes over limit: %w", len(image), domain.ErrUnreadableImage)
	}
	mime := mimetype.Detect(image)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("content type %s: %w", mime.String(), domain.ErrUnreadableImage)
	}

	start := time.Now()
	out, err := x.breaker.Execute(func() (interface{}, error) {
		return x.call(ctx, image, mime)
	})
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("ocr breaker: %w: %w", domain.ErrExtractorUnavailable, err)
		}
		return nil, err
	}
	return out.(*domain.SlipResult), nil
}

func (x *HTTPExtractor) call(ctx context.Context, image []byte, mime *mimetype.MIME) (*domain.SlipResult, error) {
	var body ocrResponse
	resp, err := x.client.R().
		SetContext(ctx).
		SetMultipartField("slip", "slip"+mime.Extension(), mime.String(), bytes.NewReader(image)).
		SetResult(&body).
		Post("/v1/slips/extract")
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w: %w", domain.ErrExtractorUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == 400 || code == 415 || code == 422:
		return nil, fmt.Errorf("ocr status %d: %w", code, domain.ErrUnreadableImage)
	case code >= 300:
		return nil, fmt.Errorf("ocr status %d: %w", code, domain.ErrExtractorUnavailable)
	}

	res := &domain.SlipResult{
		Amount:       body.Amount,
		AccountLast4: strings.TrimSpace(body.AccountLast4),
		Confidence:   clamp(body.Confidence),
	}
	if body.TransferredAt != "" {
		if ts, err := time.Parse(time.RFC3339, body.TransferredAt); err == nil {
			res.Timestamp = ts
		}
	}
	// a slip without a positive amount cannot support a match
	if !res.Amount.IsPositive() {
		res.Confidence = 0
	}
	return res, nil
}

func clamp(c float64) float64 {
	switch {
	case c != c || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
