package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eclinic/qrid/pkg/pagination"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	opts = append([]Option{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	m := NewManager(store, zerolog.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

// receiver records the bodies and headers it is sent and answers with the
// next status in statuses (200 once exhausted).
type receiver struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
	server   *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	r := &receiver{statuses: statuses}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		status := http.StatusOK
		if len(r.statuses) > 0 {
			status, r.statuses = r.statuses[0], r.statuses[1:]
		}
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *receiver) first() ([]byte, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[0], r.headers[0]
}

func scanEvent(t *testing.T, typ string) Event {
	t.Helper()
	ev, err := NewEvent(typ, "PAT-20250113-000123-4567", map[string]string{"outcome": strings.TrimPrefix(typ, "scan.")})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

// ---------------------------------------------------------------------------
// Signing and matching
// ---------------------------------------------------------------------------

func TestSignPayload_RoundTrip(t *testing.T) {
	payload := []byte(`{"type":"scan.accepted"}`)
	sig := SignPayload(payload, "s3cret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature under another secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected signature over another payload to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"*", "scan.accepted", true},
		{"scan.accepted", "scan.accepted", true},
		{"scan.*", "scan.rejected", true},
		{"scan.*", "scanner.rejected", false},
		{"scan.rejected", "scan.accepted", false},
		{"webhook.test", "scan.accepted", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

func TestManager_RegisterValidates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, bad := range []string{"", "ftp://example.com/hook", "https://", "::"} {
		if _, err := m.Register(ctx, bad, "", nil); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}

	ep, err := m.Register(ctx, "https://clinic.example/hooks", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("expected a generated secret, got %q", ep.Secret)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "*" {
		t.Errorf("expected wildcard subscription, got %v", ep.Events)
	}
	if ep.Status != StatusActive {
		t.Errorf("expected active, got %s", ep.Status)
	}
}

func TestManager_DeliverSignsAndFilters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	accepted := newReceiver(t)
	all := newReceiver(t)

	epAccepted, _ := m.Register(ctx, accepted.server.URL, "k1", []string{"scan.accepted"})
	m.Register(ctx, all.server.URL, "k2", []string{"scan.*"})

	results := m.Deliver(ctx, scanEvent(t, "scan.rejected"))
	if len(results) != 1 {
		t.Fatalf("expected one matching endpoint, got %d", len(results))
	}
	if accepted.calls() != 0 || all.calls() != 1 {
		t.Errorf("expected only the wildcard endpoint to be called, got %d/%d", accepted.calls(), all.calls())
	}

	results = m.Deliver(ctx, scanEvent(t, "scan.accepted"))
	if len(results) != 2 {
		t.Fatalf("expected two matching endpoints, got %d", len(results))
	}
	body, h := accepted.first()
	if !VerifySignature(body, "k1", h.Get("X-Webhook-Signature")) {
		t.Error("expected a valid signature header")
	}
	if h.Get("X-Webhook-ID") != epAccepted.ID || h.Get("X-Webhook-Event") != "scan.accepted" {
		t.Errorf("unexpected headers %v", h)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if ev.SubjectID != "PAT-20250113-000123-4567" {
		t.Errorf("expected subject id in body, got %q", ev.SubjectID)
	}
}

func TestManager_RetriesServerErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := newReceiver(t, http.StatusServiceUnavailable, http.StatusBadGateway)
	ep, _ := m.Register(ctx, r.server.URL, "k", nil)

	results := m.Deliver(ctx, scanEvent(t, "scan.accepted"))
	if len(results) != 1 || results[0].Status != DeliverySuccess || results[0].Attempt != 3 {
		t.Fatalf("expected success on the third attempt, got %+v", results)
	}

	log, err := m.Store().ListDeliveries(ctx, ep.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(log) != 3 {
		t.Errorf("expected every attempt to be logged, got %d", len(log))
	}
}

func TestManager_DoesNotRetryClientErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := newReceiver(t, http.StatusBadRequest)
	m.Register(ctx, r.server.URL, "k", nil)

	results := m.Deliver(ctx, scanEvent(t, "scan.accepted"))
	if len(results) != 1 || results[0].Status != DeliveryFailed || results[0].Attempt != 1 {
		t.Fatalf("expected a single failed attempt, got %+v", results)
	}
	if r.calls() != 1 {
		t.Errorf("expected one call, got %d", r.calls())
	}
}

func TestManager_PausedEndpointSkipped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := newReceiver(t)
	ep, _ := m.Register(ctx, r.server.URL, "k", nil)

	if err := m.SetStatus(ctx, ep.ID, StatusPaused); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results := m.Deliver(ctx, scanEvent(t, "scan.accepted")); len(results) != 0 {
		t.Errorf("expected paused endpoint to be skipped, got %+v", results)
	}
	if err := m.SetStatus(ctx, ep.ID, "deleted"); err == nil {
		t.Error("expected unknown status to be rejected")
	}
	if err := m.SetStatus(ctx, "missing", StatusActive); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_PublishDeliversInBackground(t *testing.T) {
	m := newTestManager(t)
	r := newReceiver(t)
	m.Register(context.Background(), r.server.URL, "k", nil)

	for i := 0; i < 5; i++ {
		if !m.Publish(scanEvent(t, "scan.accepted")) {
			t.Fatal("expected event to be queued")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if r.calls() != 5 {
		t.Errorf("expected 5 deliveries after drain, got %d", r.calls())
	}
	if m.Publish(scanEvent(t, "scan.accepted")) {
		t.Error("expected publish after close to be refused")
	}
}

func TestManager_PublishDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	m := newTestManager(t, WithWorkers(1), WithQueueSize(1))
	m.Register(context.Background(), srv.URL, "k", nil)

	m.Publish(scanEvent(t, "scan.accepted"))
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Publish(scanEvent(t, "scan.accepted")) // fills the queue
	if m.Publish(scanEvent(t, "scan.accepted")) {
		t.Error("expected publish to refuse when the queue is full")
	}
	if m.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", m.Dropped())
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Lifecycle(t *testing.T) {
	m := newTestManager(t)
	r := newReceiver(t)
	e := echo.New()
	NewHandler(m).RegisterRoutes(e.Group("/webhooks"))

	rec := serve(e, http.MethodPost, "/webhooks", `{"url":"`+r.server.URL+`","events":["scan.*"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Endpoint
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Secret == "" {
		t.Fatal("expected the secret on registration")
	}

	rec = serve(e, http.MethodGet, "/webhooks", "")
	var listed []Endpoint
	json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 1 || listed[0].Secret != "" {
		t.Errorf("expected one redacted endpoint, got %+v", listed)
	}

	rec = serve(e, http.MethodPost, "/webhooks/"+created.ID+"/test", "")
	if rec.Code != http.StatusOK || r.calls() != 1 {
		t.Fatalf("expected a test delivery, got %d with %d calls", rec.Code, r.calls())
	}

	rec = serve(e, http.MethodGet, "/webhooks/"+created.ID+"/deliveries", "")
	var deliveries pagination.Response[Delivery]
	json.Unmarshal(rec.Body.Bytes(), &deliveries)
	if deliveries.Total != 1 || deliveries.Data[0].EventType != EventTest {
		t.Errorf("expected the test delivery in the log, got %+v", deliveries)
	}

	if rec = serve(e, http.MethodPost, "/webhooks/"+created.ID+"/pause", ""); rec.Code != http.StatusOK {
		t.Errorf("pause: expected 200, got %d", rec.Code)
	}
	if rec = serve(e, http.MethodDelete, "/webhooks/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	if rec = serve(e, http.MethodGet, "/webhooks/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestHandler_RegisterRejectsBadURL(t *testing.T) {
	e := echo.New()
	NewHandler(newTestManager(t)).RegisterRoutes(e.Group("/webhooks"))

	rec := serve(e, http.MethodPost, "/webhooks", `{"url":"mailto:ops@clinic.example"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
