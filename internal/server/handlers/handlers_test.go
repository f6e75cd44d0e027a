package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/errclass"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/middleware"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/websocket"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

const testAPIKey = "secret"

type stubMonitor struct {
	mu      sync.Mutex
	watched map[string]bool
}

func (m *stubMonitor) Watch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[id] = true
	return nil
}

func (m *stubMonitor) check(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.watched[id] {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (m *stubMonitor) Pause(id string) error  { return m.check(id) }
func (m *stubMonitor) Resume(id string) error { return m.check(id) }

func (m *stubMonitor) Cancel(id string) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.watched, id)
	m.mu.Unlock()
	return nil
}

func (m *stubMonitor) Active() []domain.LoopState         { return nil }
func (m *stubMonitor) Shutdown(ctx context.Context) error { return nil }

type testEnv struct {
	router  *gin.Engine
	svc     verificationservice.IVerificationService
	hub     *websocket.WsHub
	monitor *stubMonitor
}

func newTestEnv(t *testing.T, checks ...ReadinessCheck) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	tokens := domain.NewTokenRegistry([]domain.Token{
		{Symbol: "USDT", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
	})
	store := sessionrepo.New(sessionrepo.Config{
		ReceiverAddress: cfg.Payment.ReceiverAddress,
		Timeout:         30 * time.Minute,
		Tokens:          tokens,
	}, nil, zerolog.Nop())
	hub := websocket.NewWsHub(zerolog.Nop())
	monitor := &stubMonitor{watched: make(map[string]bool)}
	svc := verificationservice.New(store, monitor, errclass.New(10, zerolog.Nop()), hub, tokens, zerolog.Nop())

	router := gin.New()
	mw := middleware.NewMiddleware(testAPIKey, zerolog.Nop())
	h := New(svc, zerolog.Nop(), &cfg, hub)
	h.Version = "test"
	for _, c := range checks {
		h.AddReadinessCheck(c.Name, c.Check)
	}
	h.SetupHandlers(router, mw.APIKeyMiddleware())

	return testEnv{router: router, svc: svc, hub: hub, monitor: monitor}
}

func (e testEnv) do(t *testing.T, method, path, body string, admin bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: invalid JSON body %q", method, path, rec.Body.String())
	}
	return rec, out
}

func createPayment(t *testing.T, e testEnv) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/v1/payments", `{"amount":"10.5","token_symbol":"usdt"}`, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["status"] != "pending" || data["expected_amount"] != "10.5" || data["token_symbol"] != "USDT" {
		t.Fatalf("unexpected view %v", data)
	}
	return data["id"].(string)
}

func TestCreateAndGetPayment(t *testing.T) {
	e := newTestEnv(t)
	id := createPayment(t, e)

	rec, body := e.do(t, http.MethodGet, "/v1/payments/"+id, "", false)
	if rec.Code != http.StatusOK || body["data"].(map[string]any)["id"] != id {
		t.Fatalf("get: status %d body %v", rec.Code, body)
	}

	rec, _ = e.do(t, http.MethodGet, "/v1/payments/pay_missing", "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreatePayment_BadRequest(t *testing.T) {
	e := newTestEnv(t)
	cases := []string{
		`{"amount":"-1","token_symbol":"USDT"}`,
		`{"amount":"1","token_symbol":"DOGE"}`,
		`{"token_symbol":"USDT"}`,
		`not json`,
	}
	for _, body := range cases {
		rec, out := e.do(t, http.MethodPost, "/v1/payments", body, false)
		if rec.Code != http.StatusBadRequest || out["success"] != false {
			t.Errorf("%s: expected 400, got %d %v", body, rec.Code, out)
		}
	}

	_, out := e.do(t, http.MethodGet, "/v1/payments", "", false)
	if got := out["data"].([]any); len(got) != 0 {
		t.Fatalf("rejected requests created sessions: %v", got)
	}
}

func TestListPayments_StatusFilter(t *testing.T) {
	e := newTestEnv(t)
	createPayment(t, e)
	id := createPayment(t, e)
	e.do(t, http.MethodPost, "/v1/payments/"+id+"/cancel", "", true)

	_, out := e.do(t, http.MethodGet, "/v1/payments?status=failed", "", false)
	if got := out["data"].([]any); len(got) != 1 {
		t.Fatalf("expected 1 failed payment, got %d", len(got))
	}
	_, out = e.do(t, http.MethodGet, "/v1/payments?status=pending,failed", "", false)
	if got := out["data"].([]any); len(got) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(got))
	}
	rec, _ := e.do(t, http.MethodGet, "/v1/payments?status=bogus", "", false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAPIKey(t *testing.T) {
	e := newTestEnv(t)
	id := createPayment(t, e)

	for _, path := range []string{"/v1/payments/" + id + "/pause", "/v1/payments/" + id + "/cancel"} {
		rec, _ := e.do(t, http.MethodPost, path, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec, _ := e.do(t, http.MethodGet, "/v1/diagnostics", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("diagnostics: expected 401, got %d", rec.Code)
	}
}

func TestOperatorLifecycle(t *testing.T) {
	e := newTestEnv(t)
	id := createPayment(t, e)

	rec, _ := e.do(t, http.MethodDelete, "/v1/payments/"+id, "", true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("purge of active payment: expected 409, got %d", rec.Code)
	}

	for _, action := range []string{"pause", "resume"} {
		rec, out := e.do(t, http.MethodPost, "/v1/payments/"+id+"/"+action, "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d %v", action, rec.Code, out)
		}
	}

	rec, out := e.do(t, http.MethodPost, "/v1/payments/"+id+"/cancel", "", true)
	if rec.Code != http.StatusOK || out["data"].(map[string]any)["status"] != "failed" {
		t.Fatalf("cancel: status %d %v", rec.Code, out)
	}
	rec, _ = e.do(t, http.MethodPost, "/v1/payments/"+id+"/cancel", "", true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}

	rec, _ = e.do(t, http.MethodDelete, "/v1/payments/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge: status %d", rec.Code)
	}
	rec, _ = e.do(t, http.MethodGet, "/v1/payments/"+id, "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("purged payment still readable: %d", rec.Code)
	}
}

func TestPausePayment_UnmonitoredIsConflict(t *testing.T) {
	e := newTestEnv(t)
	id := createPayment(t, e)
	if err := e.monitor.Cancel(id); err != nil {
		t.Fatalf("stop loop: %v", err)
	}

	rec, _ := e.do(t, http.MethodGet, "/v1/payments/"+id, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	rec, out := e.do(t, http.MethodPost, "/v1/payments/"+id+"/pause", "", true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause without a loop: expected 409, got %d %v", rec.Code, out)
	}
}

func TestReady_ReportsChecks(t *testing.T) {
	chainDown := errors.New("dial tcp: connection refused")
	var chainErr error
	e := newTestEnv(t,
		ReadinessCheck{Name: "chain", Check: func(context.Context) error { return chainErr }},
		ReadinessCheck{Name: "database", Check: func(context.Context) error { return nil }},
	)

	rec, out := e.do(t, http.MethodGet, "/ready", "", false)
	if rec.Code != http.StatusOK || out["status"] != "ready" || out["version"] != "test" {
		t.Fatalf("ready: status %d %v", rec.Code, out)
	}
	if chain := out["checks"].(map[string]any)["chain"].(map[string]any); chain["status"] != "up" {
		t.Fatalf("chain check: %v", chain)
	}
	if monitors := out["monitors"].(map[string]any); monitors["active"] != float64(0) {
		t.Fatalf("monitors: %v", monitors)
	}

	chainErr = chainDown
	rec, out = e.do(t, http.MethodGet, "/ready", "", false)
	if rec.Code != http.StatusServiceUnavailable || out["status"] != "not_ready" {
		t.Fatalf("chain down: status %d %v", rec.Code, out)
	}
	checks := out["checks"].(map[string]any)
	chain := checks["chain"].(map[string]any)
	if chain["status"] != "down" || chain["error"] != chainDown.Error() {
		t.Fatalf("chain check: %v", chain)
	}
	if db := checks["database"].(map[string]any); db["status"] != "up" {
		t.Fatalf("database check: %v", db)
	}

	rec, out = e.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Fatalf("health must not depend on readiness: %d %v", rec.Code, out)
	}
}

func TestInfoEndpoints(t *testing.T) {
	e := newTestEnv(t)
	createPayment(t, e)

	_, out := e.do(t, http.MethodGet, "/v1/tokens", "", false)
	if tokens := out["data"].([]any); len(tokens) != 1 {
		t.Fatalf("unexpected tokens %v", tokens)
	}

	_, out = e.do(t, http.MethodGet, "/v1/stats", "", false)
	if total := out["data"].(map[string]any)["total"]; total != float64(1) {
		t.Fatalf("unexpected stats total %v", total)
	}

	rec, out := e.do(t, http.MethodGet, "/v1/diagnostics", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("diagnostics: status %d", rec.Code)
	}
	data := out["data"].(map[string]any)
	if sessions := data["sessions"].(map[string]any)["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("unexpected diagnostics sessions %v", sessions)
	}

	rec, _ = e.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestWebSocketStatusStream(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	id := createPayment(t, e)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/payments/" + id + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg websocket.WsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != websocket.MessageTypePaymentStatus || msg.Payment.Status != domain.SessionStatusPending {
		t.Fatalf("unexpected snapshot %+v", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.ClientCount(ctx) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := e.svc.CancelPayment(ctx, id); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	// the creation broadcast may still arrive first
	for msg.Payment.Status != domain.SessionStatusFailed {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if msg.Payment.ID != id {
			t.Fatalf("update for another payment %+v", msg)
		}
	}
}

func TestWebSocket_UnknownPayment(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/v1/payments/pay_missing/ws", "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
