package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/coinbase"
	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/idempotency"
	"github.com/feezero/payments/internal/payment"
	"github.com/feezero/payments/internal/reconciliation"
	"github.com/feezero/payments/internal/repository"
	"github.com/feezero/payments/internal/webhook"
)

var (
	t0     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	secret = []byte("whsec_test")
)

type testServer struct {
	db      *sql.DB
	charges *repository.ChargeRepo
	handler http.Handler
}

type stubSource struct {
	timeline []coinbase.TimelineEntry
}

func (s stubSource) GetCharge(_ context.Context, id string) (*coinbase.Charge, error) {
	return &coinbase.Charge{ID: id, Timeline: s.timeline}, nil
}

func newTestServer(t *testing.T, source reconciliation.ChargeSource) *testServer {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.InitDB(filepath.Join(dir, "test.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	keys, err := idempotency.Open(filepath.Join(dir, "idempotency.db"), time.Hour)
	if err != nil {
		t.Fatalf("failed to open idempotency store: %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	now := func() time.Time { return t0 }
	charges := repository.NewChargeRepo(db)
	ignored := repository.NewIgnoredEventRepo(db)
	processor := reconciliation.NewProcessor(charges, ignored, reconciliation.Options{Now: now})
	issuer := payment.NewIssuer(charges, coinbase.NewClient(coinbase.Options{DevMode: true}), payment.Options{Now: now})

	var syncer *reconciliation.Syncer
	if source != nil {
		syncer = reconciliation.NewSyncer(processor, charges, source, reconciliation.SyncOptions{Now: now})
	}

	return &testServer{
		db:      db,
		charges: charges,
		handler: NewRouter(Deps{
			DB:            db,
			Charges:       charges,
			Ignored:       ignored,
			Outbox:        repository.NewOutboxRepo(db),
			Escrow:        repository.NewEscrowRepo(db),
			Issuer:        issuer,
			Processor:     processor,
			Syncer:        syncer,
			Idempotency:   keys,
			WebhookSecret: secret,
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, projectID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"projectId":%q,"userId":"U1","amount":"100.00","currency":"USD","projectTitle":"Logo"}`, projectID)
	rec := s.do(t, http.MethodPost, "/api/payment/create", []byte(body), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", rec.Code, rec.Body.String())
	}
	var res payment.CreateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return res.ChargeID
}

func (s *testServer) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	header := http.Header{}
	header.Set(webhook.SignatureHeader, webhook.Sign(payload, secret))
	return s.do(t, http.MethodPost, "/api/payment/webhook", payload, header)
}

func (s *testServer) status(t *testing.T, chargeID string) domain.ChargeStatus {
	t.Helper()
	c, err := s.charges.GetByChargeID(context.Background(), chargeID)
	if err != nil {
		t.Fatalf("get charge %s: %v", chargeID, err)
	}
	return c.Status
}

func webhookBody(eventID, typ, chargeID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"id":%q,"code":"CODE","timeline":[{"status":"NEW","time":"2024-05-01T12:00:00Z"}]}}`,
		eventID, typ, chargeID,
	))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestWebhookCompletesCharge(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")

	rec := s.deliver(t, webhookBody("e1", "charge:confirmed", chargeID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["status"]; got != string(reconciliation.OutcomeApplied) {
		t.Fatalf("outcome = %v", got)
	}
	if got := s.status(t, chargeID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}

	// redelivery is acknowledged without new side effects
	rec = s.deliver(t, webhookBody("e1", "charge:confirmed", chargeID))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != string(reconciliation.OutcomeDuplicate) {
		t.Fatalf("redelivery: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/payment/outbox/summary", nil, nil)
	summary := decode(t, rec)
	if summary["pending"] != float64(2) {
		t.Fatalf("outbox summary = %v, want 2 pending", summary)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")
	payload := webhookBody("e1", "charge:confirmed", chargeID)

	header := http.Header{}
	header.Set(webhook.SignatureHeader, webhook.Sign(payload, []byte("other")))
	rec := s.do(t, http.MethodPost, "/api/payment/webhook", payload, header)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/payment/webhook", payload, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status %d, want 401", rec.Code)
	}

	if got := s.status(t, chargeID); got != domain.StatusCreated {
		t.Fatalf("rejected webhook changed status to %s", got)
	}
}

func TestWebhookRejectsUnparseablePayload(t *testing.T) {
	s := newTestServer(t, nil)

	for _, body := range []string{`not json`, `{"id":"e1","type":"charge:confirmed","data":{}}`} {
		rec := s.deliver(t, []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", body, rec.Code)
		}
	}
}

func TestWebhookUnknownChargeIsAcknowledged(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.deliver(t, webhookBody("e1", "charge:confirmed", "C999"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	m := decode(t, rec)
	if m["status"] != string(reconciliation.OutcomeIgnored) || m["reason"] != domain.IgnoreUnknownCharge {
		t.Fatalf("unexpected response: %v", m)
	}

	rec = s.do(t, http.MethodGet, "/api/payment/webhook-events/ignored?chargeId=C999", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list ignored: %d", rec.Code)
	}
	if total := decode(t, rec)["total"]; total != float64(1) {
		t.Fatalf("ignored total = %v, want 1", total)
	}
}

func TestWebhookStorageFailureIsNotAcknowledged(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")
	s.db.Close()

	rec := s.deliver(t, webhookBody("e1", "charge:confirmed", chargeID))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
}

func TestCreateCharge(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"projectId":"P1","payerId":"U1","amount":100,"currency":"usd","payerEmail":"payer@example.com"}`)

	first := s.do(t, http.MethodPost, "/api/payment/create", body, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: status %d: %s", first.Code, first.Body.String())
	}
	second := s.do(t, http.MethodPost, "/api/payment/create", body, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("second: status %d: %s", second.Code, second.Body.String())
	}

	a, b := decode(t, first), decode(t, second)
	if a["charge_id"] == "" || a["charge_id"] != b["charge_id"] {
		t.Fatalf("expected the same charge, got %v and %v", a["charge_id"], b["charge_id"])
	}
	if b["existing"] != true {
		t.Fatalf("second response not marked existing: %v", b)
	}
}

func TestCreateChargeValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing project", `{"payerId":"U1","amount":"10","currency":"USD"}`},
		{"zero amount", `{"projectId":"P1","payerId":"U1","amount":"0","currency":"USD"}`},
		{"unsupported currency", `{"projectId":"P1","payerId":"U1","amount":"10","currency":"BTC"}`},
		{"too many decimals", `{"projectId":"P1","payerId":"U1","amount":"10.001","currency":"USD"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/payment/create", []byte(tt.body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateChargeIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	header := http.Header{}
	header.Set(idempotency.HeaderKey, "key-1")
	body := []byte(`{"projectId":"P1","payerId":"U1","amount":"100.00","currency":"USD"}`)

	first := s.do(t, http.MethodPost, "/api/payment/create", body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: status %d: %s", first.Code, first.Body.String())
	}

	replay := s.do(t, http.MethodPost, "/api/payment/create", body, header)
	if replay.Code != http.StatusCreated || replay.Header().Get(idempotency.HeaderReplay) != "true" {
		t.Fatalf("replay: status %d headers %v", replay.Code, replay.Header())
	}
	if replay.Body.String() != first.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), replay.Body.String())
	}

	other := []byte(`{"projectId":"P2","payerId":"U1","amount":"100.00","currency":"USD"}`)
	if rec := s.do(t, http.MethodPost, "/api/payment/create", other, header); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("reused key: status %d, want 422", rec.Code)
	}
}

func TestGetCharge(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")

	rec := s.do(t, http.MethodGet, "/api/payment/"+chargeID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var c domain.Charge
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ChargeID != chargeID || c.Status != domain.StatusCreated || len(c.Timeline) != 1 {
		t.Fatalf("unexpected charge: %+v", c)
	}

	if rec := s.do(t, http.MethodGet, "/api/payment/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown charge: status %d, want 404", rec.Code)
	}
}

func TestGetChargeShowsSideEffects(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")
	s.deliver(t, webhookBody("e1", "charge:confirmed", chargeID))

	released, err := repository.NewEscrowRepo(s.db).Release(context.Background(), &domain.EscrowRelease{
		ChargeID:   chargeID,
		ContractID: "P1",
		Amount:     decimal.RequireFromString("100"),
		Currency:   "USD",
		ReleasedAt: t0,
	})
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}

	rec := s.do(t, http.MethodGet, "/api/payment/"+chargeID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var view struct {
		domain.Charge
		Tasks  []domain.OutboxTask   `json:"tasks"`
		Escrow *domain.EscrowRelease `json:"escrow"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != domain.StatusCompleted || len(view.Tasks) != 2 {
		t.Fatalf("unexpected view: status=%s tasks=%d", view.Status, len(view.Tasks))
	}
	if view.Escrow == nil || view.Escrow.ContractID != "P1" {
		t.Fatalf("escrow = %+v", view.Escrow)
	}

	rec = s.do(t, http.MethodGet, "/api/payment/projects/P1/escrow", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("project escrow: status %d", rec.Code)
	}
	var ledger struct {
		Releases []domain.EscrowRelease     `json:"releases"`
		Released map[string]decimal.Decimal `json:"released"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ledger); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ledger.Releases) != 1 || !ledger.Released["USD"].Equal(decimal.RequireFromString("100")) {
		t.Fatalf("ledger = %+v", ledger)
	}
}

func TestCancelCharge(t *testing.T) {
	s := newTestServer(t, nil)
	open := s.create(t, "P1")
	done := s.create(t, "P2")
	s.deliver(t, webhookBody("e1", "charge:confirmed", done))

	rec := s.do(t, http.MethodPost, "/api/payment/"+open+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.status(t, open); got != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}

	// repeating is harmless
	if rec := s.do(t, http.MethodPost, "/api/payment/"+open+"/cancel", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("repeat cancel: status %d", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, "/api/payment/"+done+"/cancel", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed: status %d, want 409", rec.Code)
	}
	if got := s.status(t, done); got != domain.StatusCompleted {
		t.Fatalf("completed charge moved to %s", got)
	}

	if rec := s.do(t, http.MethodPost, "/api/payment/C999/cancel", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: status %d, want 404", rec.Code)
	}
}

func TestListChargesAndDashboard(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.create(t, "P1")
	s.create(t, "P2")
	s.deliver(t, webhookBody("e1", "charge:confirmed", first))

	rec := s.do(t, http.MethodGet, "/api/payment/charges?status=completed", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if total := decode(t, rec)["total"]; total != float64(1) {
		t.Fatalf("completed total = %v, want 1", total)
	}

	if rec := s.do(t, http.MethodGet, "/api/payment/charges?status=bogus", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/payment/dashboard", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: status %d", rec.Code)
	}
	var dash struct {
		Charges struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"by_status"`
		} `json:"charges"`
		CompletedVolume map[string]string `json:"completed_volume"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if dash.Charges.Total != 2 || dash.Charges.ByStatus["completed"] != 1 || dash.Charges.ByStatus["created"] != 1 {
		t.Fatalf("unexpected charge counts: %+v", dash.Charges)
	}
	if dash.CompletedVolume["USD"] != "100" {
		t.Fatalf("completed volume = %v", dash.CompletedVolume)
	}
}

func TestReplayWebhooks(t *testing.T) {
	s := newTestServer(t, nil)
	chargeID := s.create(t, "P1")

	lines := strings.Join([]string{
		"# captured deliveries",
		string(webhookBody("e1", "charge:pending", chargeID)),
		string(webhookBody("e2", "charge:confirmed", chargeID)),
		"{broken",
	}, "\n")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "deliveries.jsonl")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write([]byte(lines))
	mw.Close()

	header := http.Header{}
	header.Set("Content-Type", mw.FormDataContentType())
	rec := s.do(t, http.MethodPost, "/api/payment/webhook-events/replay", buf.Bytes(), header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var res reconciliation.ReplayResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Events != 2 || res.Applied != 2 || res.Malformed != 1 {
		t.Fatalf("unexpected replay result: %+v", res)
	}
	if got := s.status(t, chargeID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestSyncCharge(t *testing.T) {
	s := newTestServer(t, stubSource{timeline: []coinbase.TimelineEntry{
		{Status: "NEW", Time: t0},
		{Status: "COMPLETED", Time: t0.Add(5 * time.Minute)},
	}})
	chargeID := s.create(t, "P1")

	rec := s.do(t, http.MethodPost, "/api/payment/"+chargeID+"/sync", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.status(t, chargeID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}

	if rec := s.do(t, http.MethodPost, "/api/payment/C999/sync", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown charge: status %d, want 404", rec.Code)
	}
}

func TestSyncNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodPost, "/api/payment/C1/sync", nil, nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
