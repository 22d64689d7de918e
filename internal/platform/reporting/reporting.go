package reporting

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eclinic/qrid/internal/domain/entityid"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/platform/auth"
	"github.com/eclinic/qrid/pkg/pagination"
)

// MeasureDefinition is an aggregate over the scan access trail.
type MeasureDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Outcome     scanaudit.Outcome `json:"outcome,omitempty"`

	groupBy func(e *scanaudit.Entry) string
}

// Row is one group of a measure report.
type Row struct {
	Key   string `json:"key"`
	Total int    `json:"total"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string     `json:"measure_id"`
	MeasureName string     `json:"measure_name"`
	GeneratedAt time.Time  `json:"generated_at"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	Total       int        `json:"total"`
	Results     []Row      `json:"results"`
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "scan-outcomes",
		Name:        "Scan Outcomes",
		Description: "Scan attempts grouped by accepted or rejected",
		groupBy:     func(e *scanaudit.Entry) string { return string(e.Outcome) },
	},
	{
		ID:          "scans-by-type",
		Name:        "Scans by Code Type",
		Description: "Accepted scans grouped by QR code type",
		Outcome:     scanaudit.OutcomeAccepted,
		groupBy:     func(e *scanaudit.Entry) string { return orUnknown(e.QRType) },
	},
	{
		ID:          "scans-by-role",
		Name:        "Scans by Scanner Role",
		Description: "Scan attempts grouped by the role of the scanning actor",
		groupBy:     func(e *scanaudit.Entry) string { return orUnknown(string(e.ScannedByRole)) },
	},
	{
		ID:          "rejections-by-kind",
		Name:        "Rejections by Error Kind",
		Description: "Rejected scans grouped by decode or authorization failure",
		Outcome:     scanaudit.OutcomeRejected,
		groupBy:     func(e *scanaudit.Entry) string { return orUnknown(e.ErrorKind) },
	},
	{
		ID:          "most-scanned",
		Name:        "Most Scanned Codes",
		Description: "Accepted scans grouped by subject or record ID",
		Outcome:     scanaudit.OutcomeAccepted,
		groupBy:     func(e *scanaudit.Entry) string { return orUnknown(e.QRID) },
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Evaluate runs m over the entries in [since, until). Rows are ordered by
// total, largest first, then by key.
func Evaluate(ctx context.Context, r scanaudit.Reader, m *MeasureDefinition, since, until time.Time) (*MeasureReport, error) {
	entries, err := r.List(ctx, scanaudit.Query{Outcome: m.Outcome, Since: since, Until: until})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for i := range entries {
		counts[m.groupBy(&entries[i])]++
	}
	rows := make([]Row, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, Row{Key: k, Total: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Key < rows[j].Key
	})
	report := &MeasureReport{
		MeasureID:   m.ID,
		MeasureName: m.Name,
		Total:       len(entries),
		Results:     rows,
	}
	if !since.IsZero() {
		report.Since = &since
	}
	if !until.IsZero() {
		report.Until = &until
	}
	return report, nil
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	reader scanaudit.Reader
	now    func() time.Time
}

func NewHandler(reader scanaudit.Reader) *Handler {
	return &Handler{reader: reader, now: time.Now}
}

// RegisterRoutes registers the reporting API routes. Measures are admin
// only; the access log is open to patients and scanners, scoped to their
// own identity.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports")
	g.GET("/measures", h.ListMeasures, auth.RequireRole(auth.RoleAdmin))
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure, auth.RequireRole(auth.RoleAdmin))

	logRoles := []string{"patient"}
	for _, r := range scanaudit.ScanRoles {
		logRoles = append(logRoles, string(r))
	}
	g.GET("/access-log", h.AccessLog, auth.RequireRole(logRoles...))
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	since, until, err := window(c)
	if err != nil {
		return err
	}
	report, err := Evaluate(c.Request().Context(), h.reader, measure, since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	report.GeneratedAt = h.now().UTC()
	return c.JSON(http.StatusOK, report)
}

// AccessLog lists who scanned what. Patients see scans of their own codes
// and of records issued for them;
// scanners see their own scans; admins may filter freely.
func (h *Handler) AccessLog(c echo.Context) error {
	since, until, err := window(c)
	if err != nil {
		return err
	}
	q := scanaudit.Query{
		QRID:      c.QueryParam("qr_id"),
		ScannedBy: c.QueryParam("scanned_by"),
		SessionID: c.QueryParam("session_id"),
		Outcome:   scanaudit.Outcome(c.QueryParam("outcome")),
		Since:     since,
		Until:     until,
	}
	if q.Outcome != "" && q.Outcome != scanaudit.OutcomeAccepted && q.Outcome != scanaudit.OutcomeRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be accepted or rejected")
	}

	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	roles := auth.RolesFromContext(ctx)
	switch {
	case auth.HasRole(roles, auth.RoleAdmin):
	case containsRole(roles, "patient"):
		// Record IDs only narrow the patient's own trail; another entity's
		// ID is refused outright.
		if entityid.IsValid(q.QRID) && q.QRID != userID {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only view scans of their own codes")
		}
		q.Patient = userID
	default:
		if q.ScannedBy != "" && q.ScannedBy != userID {
			return echo.NewHTTPError(http.StatusForbidden, "scanners may only view their own scans")
		}
		q.ScannedBy = userID
	}

	entries, err := h.reader.List(ctx, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	return c.JSON(http.StatusOK, pagination.Page(entries, pagination.FromContext(c), c.Request().URL.Path))
}

func containsRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func window(c echo.Context) (since, until time.Time, err error) {
	parse := func(name string) (time.Time, error) {
		v := c.QueryParam(name)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be RFC3339", name))
		}
		return t, nil
	}
	if since, err = parse("since"); err != nil {
		return
	}
	if until, err = parse("until"); err != nil {
		return
	}
	if !since.IsZero() && !until.IsZero() && !until.After(since) {
		err = echo.NewHTTPError(http.StatusBadRequest, "until must be after since")
	}
	return
}
