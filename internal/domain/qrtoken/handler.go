package qrtoken

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eclinic/qrid/internal/platform/auth"
)

// IssuerRoles may mint codes.
var IssuerRoles = []string{"patient", "doctor", "clinic", "lab", "pharmacy"}

type Handler struct {
	builder    *Builder
	codec      *Codec
	defaultTTL int
}

// NewHandler creates a Handler. A positive defaultTTL wraps every issued
// code that does not ask for its own ttl_hours.
func NewHandler(builder *Builder, codec *Codec, defaultTTL int) *Handler {
	return &Handler{builder: builder, codec: codec, defaultTTL: defaultTTL}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/qr", auth.RequireRole(IssuerRoles...))
	g.POST("/link", h.IssueLink)
	g.POST("/emergency", h.IssueEmergency)
	g.POST("/appointment", h.IssueAppointment)
	g.POST("/prescription", h.IssuePrescription)
	g.POST("/lab-report", h.IssueLabReport)
	g.POST("/decode", h.Decode)
}

type ttlRequest struct {
	TTLHours *int `json:"ttl_hours"`
}

type linkRequest struct {
	ttlRequest
	EntityID string `json:"entity_id"`
}

type emergencyRequest struct {
	ttlRequest
	EmergencyProfile
}

type appointmentRequest struct {
	ttlRequest
	RecordRef
	DoctorID    string     `json:"doctor_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type prescriptionRequest struct {
	ttlRequest
	RecordRef
	PrescriberID string     `json:"prescriber_id"`
	IssuedOn     *time.Time `json:"issued_on"`
}

type labReportRequest struct {
	ttlRequest
	RecordRef
	TestName   string     `json:"test_name"`
	ReportedOn *time.Time `json:"reported_on"`
}

type decodeRequest struct {
	Raw string `json:"raw"`
}

// IssueResponse carries the payload and the string to render as a QR code.
type IssueResponse struct {
	Type      Type       `json:"type"`
	SubjectID string     `json:"subject_id"`
	Payload   Payload    `json:"payload"`
	Encoded   string     `json:"encoded"`
	Expires   *time.Time `json:"expires,omitempty"`
}

type decodeFailure struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
}

func (h *Handler) IssueLink(c echo.Context) error {
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.builder.BuildLink(req.EntityID)
	if err != nil {
		return buildError(err)
	}
	return h.issue(c, p, req.ttlRequest)
}

func (h *Handler) IssueEmergency(c echo.Context) error {
	var req emergencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.builder.BuildEmergency(req.EmergencyProfile)
	if err != nil {
		return buildError(err)
	}
	return h.issue(c, p, req.ttlRequest)
}

func (h *Handler) IssueAppointment(c echo.Context) error {
	var req appointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.builder.BuildAppointment(req.RecordRef, req.DoctorID, req.ScheduledAt)
	if err != nil {
		return buildError(err)
	}
	return h.issue(c, p, req.ttlRequest)
}

func (h *Handler) IssuePrescription(c echo.Context) error {
	var req prescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.builder.BuildPrescription(req.RecordRef, req.PrescriberID, req.IssuedOn)
	if err != nil {
		return buildError(err)
	}
	return h.issue(c, p, req.ttlRequest)
}

func (h *Handler) IssueLabReport(c echo.Context) error {
	var req labReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.builder.BuildLabReport(req.RecordRef, req.TestName, req.ReportedOn)
	if err != nil {
		return buildError(err)
	}
	return h.issue(c, p, req.ttlRequest)
}

func (h *Handler) issue(c echo.Context, p Payload, ttl ttlRequest) error {
	hours := h.defaultTTL
	if ttl.TTLHours != nil {
		hours = *ttl.TTLHours
		if hours <= 0 {
			return buildError(ErrInvalidTTL)
		}
	}

	resp := IssueResponse{Type: p.Type(), SubjectID: p.SubjectKey()}
	if hours > 0 {
		tl, err := h.builder.WrapTimeLimited(p, hours)
		if err != nil {
			return buildError(err)
		}
		p = tl
		resp.Type = tl.Type()
		resp.Expires = &tl.Expires
	}

	encoded, err := h.codec.Encode(p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp.Payload = p
	resp.Encoded = encoded
	return c.JSON(http.StatusCreated, resp)
}

// Decode previews what a scanner would see for raw. It does not write to
// the access trail; scans go through scan sessions.
func (h *Handler) Decode(c echo.Context) error {
	var req decodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tok, err := h.codec.Decode(req.Raw)
	if err != nil {
		kind := KindOf(err)
		return c.JSON(http.StatusUnprocessableEntity, decodeFailure{ErrorKind: kind, Message: kind.Message()})
	}
	return c.JSON(http.StatusOK, tok)
}

func buildError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrIncompleteEmergencyProfile),
		errors.Is(err, ErrIncompleteRecord),
		errors.Is(err, ErrInvalidTTL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
