package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eclinic/qrid/internal/config"
	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/domain/scanflow"
	"github.com/eclinic/qrid/internal/domain/subject"
	"github.com/eclinic/qrid/internal/platform/phi"
	"github.com/eclinic/qrid/pkg/pagination"
)

const testPatientID = "PAT-20250113-000123-4567"

// sessionView is the part of a scan session snapshot the tests inspect.
type sessionView struct {
	ID        string          `json:"id"`
	Status    scanflow.Status `json:"status"`
	ErrorKind string          `json:"error_kind"`
	Record    *subject.Record `json:"record"`
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCmd_EncodeDecodeLink(t *testing.T) {
	encoded, err := runCLI(t, "token", "encode", "--base-url", "https://eclinic.com", "--type", "link", "--id", testPatientID)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded = strings.TrimSpace(encoded)
	if !strings.HasPrefix(encoded, "https://eclinic.com/") || !strings.Contains(encoded, testPatientID) {
		t.Fatalf("expected a deep link containing the id, got %q", encoded)
	}

	decoded, err := runCLI(t, "token", "decode", "--base-url", "https://eclinic.com", encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var tok map[string]any
	if err := json.Unmarshal([]byte(decoded), &tok); err != nil {
		t.Fatalf("decode output is not JSON: %v\n%s", err, decoded)
	}
	if tok["type"] != "link" || tok["subject_id"] != testPatientID {
		t.Errorf("expected link for %s, got %v", testPatientID, tok)
	}
}

func TestTokenCmd_EncodeEmergencyTimeLimited(t *testing.T) {
	encoded, err := runCLI(t, "token", "encode", "--base-url", "https://eclinic.com",
		"--type", "emergency", "--id", testPatientID,
		"--blood", "O+", "--contact", "+91 98765 43210", "--allergies", "penicillin,latex",
		"--ttl", "2")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(encoded)), &body); err != nil {
		t.Fatalf("expected JSON token text, got %q", encoded)
	}
	if body["type"] != "time_limited" {
		t.Errorf("expected time_limited wrapper, got %v", body["type"])
	}
}

func TestTokenCmd_Errors(t *testing.T) {
	if _, err := runCLI(t, "token", "encode", "--base-url", "https://eclinic.com", "--type", "link", "--id", "nope"); err == nil {
		t.Error("expected invalid identifier error")
	}
	if _, err := runCLI(t, "token", "encode", "--base-url", "https://eclinic.com", "--type", "voucher"); err == nil {
		t.Error("expected unknown type error")
	}
	out, err := runCLI(t, "token", "decode", "--base-url", "https://eclinic.com", "not a code")
	if err == nil {
		t.Fatalf("expected decode error, got %s", out)
	}
	if !strings.Contains(err.Error(), "unrecognized_format") {
		t.Errorf("expected error kind in message, got %v", err)
	}
}

func TestTokenCmd_NonPositiveTTL(t *testing.T) {
	for _, ttl := range []string{"0", "-1"} {
		_, err := runCLI(t, "token", "encode", "--base-url", "https://eclinic.com",
			"--type", "link", "--id", testPatientID, "--ttl", ttl)
		if !errors.Is(err, qrtoken.ErrInvalidTTL) {
			t.Errorf("--ttl %s: expected ErrInvalidTTL, got %v", ttl, err)
		}
	}
}

func TestBuildPayload_LabReportSpellings(t *testing.T) {
	b := qrtoken.NewBuilder(qrtoken.Config{BaseURL: "https://eclinic.com"}, nil)
	for _, typ := range []string{"lab-report", "lab_report", "Lab-Report"} {
		p, err := buildPayload(b, tokenFlags{typ: typ, record: "LAB-1", subject: testPatientID, test: "CBC"})
		if err != nil {
			t.Errorf("%s: unexpected error %v", typ, err)
			continue
		}
		if p.Type() != qrtoken.TypeLabReport {
			t.Errorf("%s: expected lab_report payload, got %s", typ, p.Type())
		}
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		Env:               "development",
		AuthMode:          config.AuthModeDevelopment,
		StoreBackend:      config.StoreBackendMemory,
		QRBaseURL:         "https://eclinic.com",
		AuditWriteTimeout: time.Second,
		LookupTimeout:     time.Second,
		RequestTimeout:    5 * time.Second,
		BodyLimit:         "64K",
		CORSOrigins:       []string{"*"},
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		MetricsEnabled:    true,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*server, *stores) {
	t.Helper()
	ctx := context.Background()
	st, err := openStores(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	srv, err := newServer(ctx, cfg, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		st.Close()
	})
	return srv, st
}

func doJSON(t *testing.T, srv *server, method, path, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Dev-User", "user-"+role)
	req.Header.Set("X-Dev-Role", role)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	for _, path := range []string{"/health", "/health/live", "/health/db"} {
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_OpenAPIDocument(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Summary  string            `json:"summary"`
			Security []json.RawMessage `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	scan, ok := doc.Paths["/api/v1/scan-sessions/{id}/scan"]["post"]
	if !ok {
		t.Fatal("expected scan route in document")
	}
	if scan.Summary != "Submit a scanned string" {
		t.Errorf("expected scan summary, got %q", scan.Summary)
	}
	health := doc.Paths["/health"]["get"]
	if health.Security == nil || len(health.Security) != 0 {
		t.Errorf("expected public health route, got %v", health.Security)
	}
}

func TestOpenStores_PHIEncryption(t *testing.T) {
	cfg := testConfig()
	cfg.PHIEncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, phi.KeySize))
	cfg.PHIKeyVersion = 2
	cfg.PHIPreviousKeys = []string{"1:" + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{8}, phi.KeySize))}

	st, err := openStores(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	defer st.Close()
	if _, ok := st.subjects.(*phi.Repository); !ok {
		t.Fatalf("expected encrypting repository, got %T", st.subjects)
	}

	cfg.PHIEncryptionKey = "not-a-key"
	if _, err := openStores(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for malformed PHI_ENCRYPTION_KEY")
	}
}

func TestServer_IssueAndScanLink(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	err := st.subjects.Upsert(context.Background(), &subject.Record{
		SubjectID:   testPatientID,
		SubjectType: subject.TypePatient,
		DisplayName: "Asha Rao",
	})
	if err != nil {
		t.Fatalf("seed subject: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/qr/link", "patient", `{"entity_id":"`+testPatientID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Encoded string `json:"encoded"`
	}
	json.Unmarshal(rec.Body.Bytes(), &issued)
	if issued.Encoded == "" {
		t.Fatal("expected encoded QR text")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scan-sessions", "doctor", `{"device_info":"ward-3 tablet"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var opened sessionView
	json.Unmarshal(rec.Body.Bytes(), &opened)
	if opened.Status != scanflow.StatusCapturing {
		t.Fatalf("expected capturing, got %s", opened.Status)
	}

	body, _ := json.Marshal(map[string]string{"raw": issued.Encoded})
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scan-sessions/"+opened.ID+"/scan", "doctor", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var scanned sessionView
	json.Unmarshal(rec.Body.Bytes(), &scanned)
	if scanned.Status != scanflow.StatusPresenting {
		t.Fatalf("expected presenting, got %s (%s)", scanned.Status, scanned.ErrorKind)
	}
	if scanned.Record == nil || scanned.Record.DisplayName != "Asha Rao" {
		t.Errorf("expected the seeded record, got %+v", scanned.Record)
	}

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "qrid_scan_sessions_active 1") {
		t.Errorf("expected one active scan session in metrics\n%s", rec.Body.String())
	}

	// Another user cannot see the session.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/scan-sessions/"+opened.ID, "clinic", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a foreign session, got %d", rec.Code)
	}

	// The scan lands in the doctor's access log once the audit write completes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, srv, http.MethodGet, "/api/v1/reports/access-log", "doctor", "")
		var page pagination.Response[scanaudit.Entry]
		json.Unmarshal(rec.Body.Bytes(), &page)
		if page.Total == 1 {
			if page.Data[0].QRID != testPatientID || page.Data[0].Outcome != scanaudit.OutcomeAccepted {
				t.Errorf("unexpected access log entry %+v", page.Data[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one access log entry, got %s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ScanRequiresScanRole(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/scan-sessions", "patient", `{}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient opening a scanner, got %d", rec.Code)
	}
}

func TestServer_SandboxSeedAtStartup(t *testing.T) {
	cfg := testConfig()
	cfg.SandboxSeed = true
	cfg.SandboxSubjects = 3
	srv, _ := newTestServer(t, cfg)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sandbox/subjects?type=patient", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var listed pagination.Response[subject.Record]
	json.Unmarshal(rec.Body.Bytes(), &listed)
	if listed.Total != 3 {
		t.Errorf("expected 3 seeded patients, got %d", listed.Total)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sandbox/subjects", "doctor", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin sandbox access, got %d", rec.Code)
	}
}

func TestServer_ScanEventsReachWebhooks(t *testing.T) {
	received := make(chan string, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Webhook-Event")
	}))
	defer hook.Close()

	srv, _ := newTestServer(t, testConfig())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/webhooks", "doctor", `{"url":"`+hook.URL+`"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin webhook registration, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/webhooks", "admin", `{"url":"`+hook.URL+`","events":["scan.*"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scan-sessions", "lab", `{}`)
	var opened sessionView
	json.Unmarshal(rec.Body.Bytes(), &opened)
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scan-sessions/"+opened.ID+"/scan", "lab", `{"raw":"not a code"}`)
	var scanned sessionView
	json.Unmarshal(rec.Body.Bytes(), &scanned)
	if scanned.Status != scanflow.StatusFailed {
		t.Fatalf("expected failed scan, got %s", scanned.Status)
	}

	select {
	case ev := <-received:
		if ev != "scan.rejected" {
			t.Errorf("expected scan.rejected, got %s", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the rejected scan to be delivered to the webhook")
	}
}
