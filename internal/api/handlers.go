package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/coinbase"
	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/payment"
	"github.com/feezero/payments/internal/reconciliation"
	"github.com/feezero/payments/internal/repository"
	"github.com/feezero/payments/internal/webhook"
)

const (
	maxWebhookBody = 1 << 20
	maxCreateBody  = 64 << 10
	maxReplayFile  = 32 << 20
	maxPageLimit   = 200
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	db        *sql.DB
	charges   *repository.ChargeRepo
	ignored   *repository.IgnoredEventRepo
	outbox    *repository.OutboxRepo
	escrow    *repository.EscrowRepo
	issuer    *payment.Issuer
	processor *reconciliation.Processor
	syncer    *reconciliation.Syncer

	webhookSecret  []byte
	webhookTimeout time.Duration
	logger         *slog.Logger
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// internalError hides storage detail from the caller.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "path", r.URL.Path, "error", err)
	h.writeError(w, http.StatusInternalServerError, msg)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseLimit(s string) int {
	return min(parseIntDefault(s, 50), maxPageLimit)
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- CreateCharge ---

type createChargeRequest struct {
	ProjectID string `json:"projectId"`
	PayerID   string `json:"payerId"`
	// UserID is the field name older clients send for the payer.
	UserID       string          `json:"userId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	ProjectTitle string          `json:"projectTitle"`
	PayerEmail   string          `json:"payerEmail"`
	Language     string          `json:"language"`
}

func (h *Handlers) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var body createChargeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	payerID := body.PayerID
	if payerID == "" {
		payerID = body.UserID
	}

	result, err := h.issuer.Create(r.Context(), payment.CreateRequest{
		ProjectID:    body.ProjectID,
		PayerID:      payerID,
		Amount:       body.Amount,
		Currency:     body.Currency,
		Description:  body.Description,
		ProjectTitle: body.ProjectTitle,
		PayerEmail:   body.PayerEmail,
		Language:     body.Language,
	})
	if err != nil {
		h.writeCreateError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

func (h *Handlers) writeCreateError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *payment.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, payment.ErrIssuanceInFlight):
		w.Header().Set("Retry-After", "2")
		h.writeError(w, http.StatusConflict, "a charge for this project and payer is already being issued")
	case payment.IsRetryable(err):
		w.Header().Set("Retry-After", "5")
		h.logger.Warn("charge issuance unavailable", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "payment provider unavailable, retry later")
	case payment.IsProviderError(err):
		h.logger.Warn("charge rejected by provider", "error", err)
		h.writeError(w, http.StatusBadGateway, payment.Cause(err).Error())
	default:
		h.internalError(w, r, "failed to create charge", err)
	}
}

// --- Webhook ---

func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := webhook.Check(payload, r.Header.Get(webhook.SignatureHeader), h.webhookSecret); err != nil {
		h.logger.Warn("webhook signature rejected",
			"remote_addr", r.RemoteAddr,
			"reason", err,
			"bytes", len(payload),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := webhook.Parse(payload)
	if err != nil {
		h.logger.Warn("webhook payload rejected", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.webhookTimeout)
	defer cancel()

	res, err := h.processor.Process(ctx, event)
	if err != nil {
		// Not acknowledged: the provider redelivers.
		h.internalError(w, r, "failed to process webhook", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    res.Outcome,
		"event_id":  res.EventID,
		"charge_id": res.ChargeID,
		"reason":    res.Reason,
	})
}

// --- ReplayWebhooks ---

func (h *Handlers) ReplayWebhooks(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxReplayFile); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	result, err := h.processor.Replay(r.Context(), file)
	if err != nil {
		h.logger.Error("replay stopped", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// --- ListIgnoredEvents ---

func (h *Handlers) ListIgnoredEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.IgnoredEventFilter{
		Reason:   q.Get("reason"),
		ChargeID: q.Get("chargeId"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseLimit(q.Get("limit")),
	}

	events, total, err := h.ignored.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "failed to list ignored events", err)
		return
	}
	if events == nil {
		events = []domain.IgnoredEvent{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

// --- ListCharges ---

func (h *Handlers) ListCharges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ChargeFilter{
		Status:    q.Get("status"),
		Currency:  q.Get("currency"),
		ProjectID: q.Get("projectId"),
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseLimit(q.Get("limit")),
	}
	if filter.Status != "" && !domain.ChargeStatus(filter.Status).Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(filter.Status))
		return
	}

	charges, total, err := h.charges.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "failed to list charges", err)
		return
	}
	if charges == nil {
		charges = []domain.Charge{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"charges": charges,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// --- GetOutboxSummary ---

func (h *Handlers) GetOutboxSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.outbox.Summary(r.Context())
	if err != nil {
		h.internalError(w, r, "failed to summarise outbox", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// --- ListProjectEscrow ---

func (h *Handlers) ListProjectEscrow(w http.ResponseWriter, r *http.Request) {
	if h.escrow == nil {
		h.writeError(w, http.StatusNotImplemented, "escrow ledger is not configured")
		return
	}
	projectID := chi.URLParam(r, "projectId")

	releases, err := h.escrow.ListByContract(r.Context(), projectID)
	if err != nil {
		h.internalError(w, r, "failed to list escrow releases", err)
		return
	}
	if releases == nil {
		releases = []domain.EscrowRelease{}
	}

	totals := map[string]decimal.Decimal{}
	for _, rel := range releases {
		totals[rel.Currency] = totals[rel.Currency].Add(rel.Amount)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"releases":   releases,
		"released":   totals,
	})
}

// --- GetDashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.charges.Stats(ctx)
	if err != nil {
		h.internalError(w, r, "failed to load charge stats", err)
		return
	}

	outbox, err := h.outbox.Summary(ctx)
	if err != nil {
		h.internalError(w, r, "failed to summarise outbox", err)
		return
	}

	ignored, err := h.ignored.CountByReason(ctx)
	if err != nil {
		h.internalError(w, r, "failed to count ignored events", err)
		return
	}
	var ignoredTotal int
	for _, n := range ignored {
		ignoredTotal += n
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"charges": map[string]any{
			"total":     stats.Total,
			"by_status": stats.ByStatus,
		},
		"completed_volume": stats.CompletedVolume,
		"outbox":           outbox,
		"ignored_events": map[string]any{
			"total":     ignoredTotal,
			"by_reason": ignored,
		},
	})
}

// --- GetCharge ---

func (h *Handlers) GetCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargeId")

	charge, err := h.charges.GetByChargeID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		// charges whose issuance failed only have a local id
		charge, err = h.charges.GetByID(r.Context(), id)
	}
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "charge not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to load charge", err)
		return
	}

	view := chargeView{Charge: charge, Tasks: []domain.OutboxTask{}}
	if charge.ChargeID != "" {
		tasks, err := h.outbox.ListByCharge(r.Context(), charge.ChargeID)
		if err != nil {
			h.internalError(w, r, "failed to load outbox tasks", err)
			return
		}
		if tasks != nil {
			view.Tasks = tasks
		}
		if h.escrow != nil {
			rel, err := h.escrow.GetByChargeID(r.Context(), charge.ChargeID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				h.internalError(w, r, "failed to load escrow release", err)
				return
			}
			view.Escrow = rel
		}
	}

	h.writeJSON(w, http.StatusOK, view)
}

// chargeView is a charge with the side effects owed for it.
type chargeView struct {
	*domain.Charge
	Tasks  []domain.OutboxTask   `json:"tasks"`
	Escrow *domain.EscrowRelease `json:"escrow,omitempty"`
}

// --- CancelCharge ---

func (h *Handlers) CancelCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargeId")

	res, err := h.processor.Cancel(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "charge not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to cancel charge", err)
		return
	}

	charge, err := h.charges.GetByChargeID(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "failed to load charge", err)
		return
	}
	if charge.Status != domain.StatusCancelled {
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "charge is already " + string(charge.Status),
			"charge": charge,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome,
		"charge":  charge,
	})
}

// --- SyncCharge ---

func (h *Handlers) SyncCharge(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, http.StatusNotImplemented, "provider sync is not configured")
		return
	}
	id := chi.URLParam(r, "chargeId")

	if _, err := h.charges.GetByChargeID(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "charge not found")
			return
		}
		h.internalError(w, r, "failed to load charge", err)
		return
	}

	result, err := h.syncer.SyncCharge(r.Context(), id)
	if err != nil {
		var apiErr *coinbase.APIError
		if errors.As(err, &apiErr) {
			h.logger.Warn("provider sync failed", "charge_id", id, "error", err)
			h.writeError(w, http.StatusBadGateway, "provider lookup failed")
			return
		}
		h.internalError(w, r, "failed to sync charge", err)
		return
	}

	charge, err := h.charges.GetByChargeID(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "failed to load charge", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sync":   result,
		"charge": charge,
	})
}
