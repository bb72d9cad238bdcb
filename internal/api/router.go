package api

import (
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/feezero/payments/internal/idempotency"
	"github.com/feezero/payments/internal/payment"
	"github.com/feezero/payments/internal/reconciliation"
	"github.com/feezero/payments/internal/repository"
)

const defaultWebhookTimeout = 10 * time.Second

// Deps are the collaborators the HTTP layer is built on. Syncer and
// Idempotency are optional.
type Deps struct {
	DB          *sql.DB
	Charges     *repository.ChargeRepo
	Ignored     *repository.IgnoredEventRepo
	Outbox      *repository.OutboxRepo
	Escrow      *repository.EscrowRepo
	Issuer      *payment.Issuer
	Processor   *reconciliation.Processor
	Syncer      *reconciliation.Syncer
	Idempotency *idempotency.Store

	WebhookSecret  []byte
	WebhookTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := deps.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	h := &Handlers{
		db:             deps.DB,
		charges:        deps.Charges,
		ignored:        deps.Ignored,
		outbox:         deps.Outbox,
		escrow:         deps.Escrow,
		issuer:         deps.Issuer,
		processor:      deps.Processor,
		syncer:         deps.Syncer,
		webhookSecret:  deps.WebhookSecret,
		webhookTimeout: timeout,
		logger:         logger.With("component", "api"),
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/healthz", h.Health)

	r.Route("/api/payment", func(r chi.Router) {
		// Issuance.
		r.Group(func(r chi.Router) {
			if deps.Idempotency != nil {
				r.Use(deps.Idempotency.Middleware(logger))
			}
			r.Post("/create", h.CreateCharge)
		})

		// Provider callbacks.
		r.Post("/webhook", h.Webhook)
		r.Post("/webhook-events/replay", h.ReplayWebhooks)
		r.Get("/webhook-events/ignored", h.ListIgnoredEvents)

		// Operator views.
		r.Get("/charges", h.ListCharges)
		r.Get("/outbox/summary", h.GetOutboxSummary)
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/projects/{projectId}/escrow", h.ListProjectEscrow)

		// Single charge.
		r.Get("/{chargeId}", h.GetCharge)
		r.Post("/{chargeId}/cancel", h.CancelCharge)
		r.Post("/{chargeId}/sync", h.SyncCharge)
	})

	return r
}
