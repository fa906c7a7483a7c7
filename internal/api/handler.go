package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/queue"
	"github.com/punchamoorthee/depositops/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deposit_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

// Pipeline is the deposit workflow the HTTP layer drives.
type Pipeline interface {
	Initiate(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*domain.DepositRecord, error)
	Get(ctx context.Context, depositID string) (*domain.DepositRecord, error)
	SubmitInitiate(ctx context.Context, userID string, amount decimal.Decimal, currency string) (string, error)
	SubmitSlip(ctx context.Context, depositID string, image []byte) (*domain.DepositRecord, error)
	Confirm(ctx context.Context, depositID string) (*service.Confirmation, error)
	IngestRawBankWebhook(ctx context.Context, payload []byte, signature string) error
	IngestRawGmailNotification(ctx context.Context, payload []byte, resourceState, channelToken string) error
	ReloadCatalog(ctx context.Context, cat *config.Catalog) error
	Accounts() []domain.ReceivingAccount
}

type Handler struct {
	pipeline    Pipeline
	catalogPath string
	log         *zap.Logger
}

func NewHandler(p Pipeline, catalogPath string, log *zap.Logger) *Handler {
	return &Handler{pipeline: p, catalogPath: catalogPath, log: log}
}

// NewRouter wires every endpoint plus /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/deposits", h.InitiateDepositHandler).Methods("POST")
	apiV1.HandleFunc("/deposits/{id}", h.GetDepositHandler).Methods("GET")
	apiV1.HandleFunc("/deposits/{id}/slip", h.AttachSlipHandler).Methods("POST")
	apiV1.HandleFunc("/deposits/{id}/confirm", h.ConfirmDepositHandler).Methods("POST")
	apiV1.HandleFunc("/webhooks/bank", h.BankWebhookHandler).Methods("POST")
	apiV1.HandleFunc("/webhooks/gmail", h.GmailWebhookHandler).Methods("POST")
	apiV1.HandleFunc("/admin/catalog/reload", h.ReloadCatalogHandler).Methods("POST")
	apiV1.HandleFunc("/admin/accounts", h.ListAccountsHandler).Methods("GET")
	return r
}

// errorStatus maps pipeline errors onto HTTP status codes and client-safe messages.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "Amount must be positive with at most two decimals"
	case errors.Is(err, domain.ErrUnsupportedCurrency):
		return http.StatusUnprocessableEntity, "Unsupported currency"
	case errors.Is(err, domain.ErrUnknownUser):
		return http.StatusNotFound, "Unknown user"
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "Deposit limit exceeded"
	case errors.Is(err, domain.ErrNoAccountAvailable):
		return http.StatusConflict, "No receiving account available"
	case errors.Is(err, domain.ErrDepositNotFound):
		return http.StatusNotFound, "Deposit not found"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "Deposit is not in a valid state for this operation"
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadRequest, "Rejected"
	case domain.IsTransient(err), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, endpoint string, code int, message string) {
	h.respondJSON(w, r, endpoint, code, map[string]string{"error": message})
}

// respondErr logs server-side failures and renders err.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.String("deposit_id", mux.Vars(r)["id"]),
			zap.Error(err))
	}
	h.respondError(w, r, endpoint, code, msg)
}
