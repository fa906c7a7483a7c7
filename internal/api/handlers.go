package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/models"
	"github.com/punchamoorthee/depositops/internal/normalizer"
	"go.uber.org/zap"
)

const (
	maxSlipBytes    = 10 << 20
	maxWebhookBytes = 1 << 20
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, "/health", http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) accountDirectory() models.AccountDirectory {
	return func(id string) (domain.ReceivingAccount, bool) {
		for _, a := range h.pipeline.Accounts() {
			if a.AccountID == id {
				return a, true
			}
		}
		return domain.ReceivingAccount{}, false
	}
}

func (h *Handler) InitiateDepositHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.InitiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBytes)).Decode(&req); err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "user_id is required")
		return
	}

	if preferAsync(r) {
		id, err := h.pipeline.SubmitInitiate(r.Context(), req.UserID, req.Amount, req.Currency)
		if err != nil {
			h.respondErr(w, r, endpoint, err)
			return
		}
		w.Header().Set("Location", "/api/v1/deposits/"+id)
		w.Header().Set("Preference-Applied", "respond-async")
		h.respondJSON(w, r, endpoint, http.StatusAccepted, map[string]string{"deposit_id": id, "status": "queued"})
		return
	}

	d, err := h.pipeline.Initiate(r.Context(), req.UserID, req.Amount, req.Currency)
	if err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}

	w.Header().Set("Location", "/api/v1/deposits/"+d.ID)
	h.respondJSON(w, r, endpoint, http.StatusCreated, models.NewDepositResponse(d, h.accountDirectory()))
}

// preferAsync reports whether the client asked for a queued response (RFC 7240).
func preferAsync(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "respond-async") {
				return true
			}
		}
	}
	return false
}

func (h *Handler) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits/{id}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	d, err := h.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, models.NewDepositResponse(d, h.accountDirectory()))
}

// readSlip accepts either the raw image as the body or a multipart form with
// the image in the "slip" field.
func readSlip(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSlipBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	if err := r.ParseMultipartForm(maxSlipBytes); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile("slip")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) AttachSlipHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits/{id}/slip"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	image, err := readSlip(w, r)
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "Could not read slip upload")
		return
	}
	if len(image) == 0 {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "Empty slip upload")
		return
	}

	d, err := h.pipeline.SubmitSlip(r.Context(), mux.Vars(r)["id"], image)
	if err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}

	// extraction runs on the worker pool; the result is read through GET
	w.Header().Set("Location", "/api/v1/deposits/"+d.ID)
	h.respondJSON(w, r, endpoint, http.StatusAccepted, models.NewDepositResponse(d, h.accountDirectory()))
}

func (h *Handler) ConfirmDepositHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits/{id}/confirm"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	c, err := h.pipeline.Confirm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}

	resp := models.ConfirmResponse{
		DepositResponse: models.NewDepositResponse(c.Record, h.accountDirectory()),
		Settlement:      c.Settlement,
	}
	if c.Replayed {
		resp.Reason = "already_settled"
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, resp)
}

func (h *Handler) BankWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/bank"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "Stream read error")
		return
	}
	if err := h.pipeline.IngestRawBankWebhook(r.Context(), body, r.Header.Get(normalizer.HeaderSignature)); err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) GmailWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/gmail"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "Stream read error")
		return
	}
	err = h.pipeline.IngestRawGmailNotification(r.Context(), body,
		r.Header.Get(normalizer.HeaderResourceState),
		r.Header.Get(normalizer.HeaderChannelToken))
	if err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ReloadCatalogHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/catalog/reload"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	cat, err := config.LoadCatalog(h.catalogPath)
	if err != nil {
		h.log.Error("catalog reload rejected", zap.String("path", h.catalogPath), zap.Error(err))
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.pipeline.ReloadCatalog(r.Context(), cat); err != nil {
		h.respondErr(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, map[string]int{
		"accounts": len(cat.Accounts),
		"tiers":    len(cat.Tiers),
	})
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/accounts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	h.respondJSON(w, r, endpoint, http.StatusOK, h.pipeline.Accounts())
}
