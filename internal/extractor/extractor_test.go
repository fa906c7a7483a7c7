package extractor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func ocrServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/slips/extract" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if _, _, err := r.FormFile("slip"); err != nil {
			t.Errorf("missing slip part: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestExtractSuccess(t *testing.T) {
	srv, _ := ocrServer(t, http.StatusOK,
		`{"amount":"1000.00","account_last4":"7812","transferred_at":"2026-03-10T12:00:00+07:00","confidence":0.97}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	res, err := x.Extract(context.Background(), pngBytes)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Amount.String() != "1000" || res.AccountLast4 != "7812" || res.Confidence != 0.97 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Timestamp.IsZero() {
		t.Fatal("timestamp not parsed")
	}
}

func TestExtractClampsConfidence(t *testing.T) {
	srv, _ := ocrServer(t, http.StatusOK, `{"amount":500,"account_last4":"1234","confidence":3.5}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	res, err := x.Extract(context.Background(), pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 1 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
}

func TestExtractZeroAmountIsNotConfident(t *testing.T) {
	srv, _ := ocrServer(t, http.StatusOK, `{"amount":0,"confidence":0.99}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	res, err := x.Extract(context.Background(), pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
}

func TestExtractRejectsNonImageLocally(t *testing.T) {
	srv, calls := ocrServer(t, http.StatusOK, `{}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	_, err := x.Extract(context.Background(), []byte("%PDF-1.7 not an image"))
	if !errors.Is(err, domain.ErrUnreadableImage) {
		t.Fatalf("expected ErrUnreadableImage, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Fatal("OCR service should not be called for non-images")
	}
}

func TestExtractStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unprocessable", http.StatusUnprocessableEntity, domain.ErrUnreadableImage},
		{"unavailable", http.StatusServiceUnavailable, domain.ErrExtractorUnavailable},
		{"internal", http.StatusInternalServerError, domain.ErrExtractorUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := ocrServer(t, tt.status, `{"error":"x"}`)
			x := NewHTTPExtractor(srv.URL, time.Second)
			if _, err := x.Extract(context.Background(), pngBytes); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv, calls := ocrServer(t, http.StatusBadGateway, `{}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	for i := 0; i < 8; i++ {
		if _, err := x.Extract(context.Background(), pngBytes); !errors.Is(err, domain.ErrExtractorUnavailable) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(calls); got != 5 {
		t.Fatalf("server saw %d calls, breaker should open after 5", got)
	}
}

func TestUnreadableDoesNotTripBreaker(t *testing.T) {
	srv, calls := ocrServer(t, http.StatusUnprocessableEntity, `{}`)
	x := NewHTTPExtractor(srv.URL, time.Second)

	for i := 0; i < 8; i++ {
		_, _ = x.Extract(context.Background(), pngBytes)
	}
	if got := atomic.LoadInt32(calls); got != 8 {
		t.Fatalf("server saw %d calls", got)
	}
}
