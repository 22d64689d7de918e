package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func noop(c echo.Context) error { return nil }

func testEcho() *echo.Echo {
	e := echo.New()
	e.GET("/health", noop)
	api := e.Group("/api/v1")
	api.POST("/qr/link", noop)
	api.GET("/scan-sessions/:id", noop)
	api.DELETE("/scan-sessions/:id", noop)
	api.GET("/static/*", noop)
	return e
}

func TestGenerateDocument_Paths(t *testing.T) {
	e := testEcho()
	g := NewGenerator("1.0.0", "http://localhost:8080")
	g.Public = func(p string) bool { return p == "/health" }
	g.Summaries["POST /api/v1/qr/link"] = "Issue a link token"

	doc := g.GenerateDocument(e.Routes())
	if doc["openapi"] != "3.0.3" {
		t.Errorf("expected openapi 3.0.3, got %v", doc["openapi"])
	}
	paths := doc["paths"].(map[string]map[string]interface{})

	if _, ok := paths["/api/v1/static/*"]; ok {
		t.Error("expected wildcard route to be skipped")
	}
	session, ok := paths["/api/v1/scan-sessions/{id}"]
	if !ok {
		t.Fatalf("expected converted session path, got %v", paths)
	}
	get := session["get"].(map[string]interface{})
	params := get["parameters"].([]map[string]interface{})
	if len(params) != 1 || params[0]["name"] != "id" {
		t.Errorf("expected id path parameter, got %v", params)
	}
	if get["operationId"] != "getApiV1ScanSessionsId" {
		t.Errorf("expected operationId getApiV1ScanSessionsId, got %v", get["operationId"])
	}
	if tags := get["tags"].([]string); tags[0] != "scan-sessions" {
		t.Errorf("expected tag scan-sessions, got %v", tags)
	}
	del := session["delete"].(map[string]interface{})
	if _, ok := del["responses"].(map[string]interface{})["204"]; !ok {
		t.Error("expected 204 response on delete")
	}

	link := paths["/api/v1/qr/link"]["post"].(map[string]interface{})
	if link["summary"] != "Issue a link token" {
		t.Errorf("expected summary, got %v", link["summary"])
	}
	if _, ok := link["requestBody"]; !ok {
		t.Error("expected request body on POST")
	}
	if _, ok := link["security"]; ok {
		t.Error("expected protected route to inherit global security")
	}

	health := paths["/health"]["get"].(map[string]interface{})
	if sec, ok := health["security"].([]interface{}); !ok || len(sec) != 0 {
		t.Errorf("expected empty security on public route, got %v", health["security"])
	}
	if tags := health["tags"].([]string); tags[0] != "health" {
		t.Errorf("expected tag health, got %v", tags)
	}
}

func TestGenerateDocument_Tags(t *testing.T) {
	e := testEcho()
	doc := NewGenerator("1.0.0", "").GenerateDocument(e.Routes())
	tags := doc["tags"].([]map[string]string)
	var names []string
	for _, tag := range tags {
		names = append(names, tag["name"])
	}
	want := []string{"health", "qr", "scan-sessions"}
	if len(names) != len(want) {
		t.Fatalf("expected tags %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected tag %q at %d, got %q", want[i], i, names[i])
		}
	}
}

func TestRegisterRoutes_ServesDocument(t *testing.T) {
	e := testEcho()
	NewGenerator("2.0.0", "http://example.test").RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Info.Version != "2.0.0" {
		t.Errorf("expected version 2.0.0, got %q", doc.Info.Version)
	}
	if _, ok := doc.Paths["/openapi.json"]; !ok {
		t.Error("expected the document to describe itself")
	}
}

func TestConvertPath(t *testing.T) {
	got, params := convertPath("/a/:x/b/:y")
	if got != "/a/{x}/b/{y}" {
		t.Errorf("expected /a/{x}/b/{y}, got %s", got)
	}
	if len(params) != 2 {
		t.Errorf("expected 2 params, got %d", len(params))
	}
}
