package openapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Generator builds an OpenAPI 3.0 document from the routes registered on an
// echo instance, so the document never drifts from the router.
type Generator struct {
	version string
	baseURL string
	// Public lists paths served without a bearer token.
	Public func(path string) bool
	// Summaries maps "METHOD path" to a one-line operation summary.
	Summaries map[string]string
}

func NewGenerator(version, baseURL string) *Generator {
	return &Generator{version: version, baseURL: baseURL, Summaries: map[string]string{}}
}

var documentedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// GenerateDocument produces the document for routes. Echo-internal and
// wildcard routes are skipped.
func (g *Generator) GenerateDocument(routes []*echo.Route) map[string]interface{} {
	paths := map[string]map[string]interface{}{}
	tagSet := map[string]bool{}

	sorted := append([]*echo.Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Method < sorted[j].Method
	})

	for _, r := range sorted {
		if r.Path == "" || strings.Contains(r.Path, "*") || !documentedMethods[r.Method] {
			continue
		}
		path, params := convertPath(r.Path)
		tag := tagFor(r.Path)
		tagSet[tag] = true

		op := map[string]interface{}{
			"tags":        []string{tag},
			"operationId": operationID(r.Method, r.Path),
			"responses":   responsesFor(r.Method),
		}
		if summary, ok := g.Summaries[r.Method+" "+r.Path]; ok {
			op["summary"] = summary
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			op["requestBody"] = map[string]interface{}{
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{
						"schema": map[string]interface{}{"type": "object"},
					},
				},
			}
		}
		if g.Public != nil && g.Public(r.Path) {
			op["security"] = []interface{}{}
		}

		if paths[path] == nil {
			paths[path] = map[string]interface{}{}
		}
		paths[path][strings.ToLower(r.Method)] = op
	}

	tags := make([]map[string]string, 0, len(tagSet))
	for _, name := range sortedKeys(tagSet) {
		tags = append(tags, map[string]string{"name": name})
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Clinic QR Identity API",
			"version":     g.version,
			"description": "Issue, decode and scan clinic QR identity tokens.",
		},
		"servers": []map[string]string{{"url": g.baseURL}},
		"tags":    tags,
		"paths":   paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
			"schemas": map[string]interface{}{
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"message": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

// convertPath rewrites echo's :param segments to OpenAPI {param} form and
// returns the matching parameter objects.
func convertPath(path string) (string, []map[string]interface{}) {
	segments := strings.Split(path, "/")
	var params []map[string]interface{}
	for i, seg := range segments {
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			segments[i] = "{" + name + "}"
			params = append(params, map[string]interface{}{
				"name":     name,
				"in":       "path",
				"required": true,
				"schema":   map[string]string{"type": "string"},
			})
		}
	}
	return strings.Join(segments, "/"), params
}

// tagFor groups routes by their first segment after /api/v1.
func tagFor(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1")
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "root"
	}
	return rest
}

func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, seg := range strings.Split(path, "/") {
		seg = strings.TrimPrefix(seg, ":")
		for _, part := range strings.FieldsFunc(seg, func(r rune) bool { return r == '-' || r == '_' || r == '.' }) {
			b.WriteString(strings.ToUpper(part[:1]) + part[1:])
		}
	}
	return b.String()
}

func responsesFor(method string) map[string]interface{} {
	errRef := map[string]interface{}{
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/Error"},
			},
		},
	}
	ok := "200"
	switch method {
	case http.MethodPost:
		ok = "2XX"
	case http.MethodDelete:
		ok = "204"
	}
	return map[string]interface{}{
		ok:    map[string]string{"description": "Success"},
		"4XX": mergeDescription(errRef, "Client error"),
		"5XX": mergeDescription(errRef, "Server error"),
	}
}

func mergeDescription(base map[string]interface{}, description string) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["description"] = description
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterRoutes serves the document for e's routes at /openapi.json. The
// document is generated per request so routes added later are included.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateDocument(e.Routes()))
	})
}
