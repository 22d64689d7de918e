package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=100000", MaxLimit, 0},
		{"?limit=-3&offset=-7", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := paramsFor(tt.query)
			if p.Limit != tt.limit {
				t.Errorf("expected limit %d, got %d", tt.limit, p.Limit)
			}
			if p.Offset != tt.offset {
				t.Errorf("expected offset %d, got %d", tt.offset, p.Offset)
			}
		})
	}
}

func TestPage_Slices(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	resp := Page(items, Params{Limit: 2, Offset: 1}, "/things")
	if len(resp.Data) != 2 || resp.Data[0] != 2 || resp.Data[1] != 3 {
		t.Errorf("expected [2 3], got %v", resp.Data)
	}
	if resp.Total != 5 {
		t.Errorf("expected total 5, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected has_more")
	}
	if resp.Next != "/things?offset=3&limit=2" {
		t.Errorf("expected next link, got %q", resp.Next)
	}
}

func TestPage_LastPage(t *testing.T) {
	resp := Page([]string{"a", "b", "c"}, Params{Limit: 2, Offset: 2}, "/things")
	if len(resp.Data) != 1 || resp.Data[0] != "c" {
		t.Errorf("expected [c], got %v", resp.Data)
	}
	if resp.HasMore || resp.Next != "" {
		t.Errorf("expected no further page, got has_more=%v next=%q", resp.HasMore, resp.Next)
	}
}

func TestPage_OffsetPastEnd(t *testing.T) {
	resp := Page([]int{1, 2}, Params{Limit: 10, Offset: 50}, "")
	if resp.Data == nil || len(resp.Data) != 0 {
		t.Errorf("expected empty non-nil page, got %v", resp.Data)
	}
	if resp.Total != 2 {
		t.Errorf("expected total 2, got %d", resp.Total)
	}
}

func TestPage_CopiesItems(t *testing.T) {
	items := []int{1, 2, 3}
	resp := Page(items, Params{Limit: 3}, "")
	resp.Data[0] = 99
	if items[0] != 1 {
		t.Error("expected page to own its slice")
	}
}
