package qrtoken

import (
	"time"
)

// Type discriminates the payload variants.
type Type string

const (
	TypeLink         Type = "link"
	TypeEmergency    Type = "emergency"
	TypeAppointment  Type = "appointment"
	TypePrescription Type = "prescription"
	TypeLabReport    Type = "lab_report"
	TypeTimeLimited  Type = "time_limited"
)

// Payload is the logical content placed in a QR code. The set of
// implementations is closed to this package.
type Payload interface {
	Type() Type
	// SubjectKey is the entity ID or record ID a scanner resolves.
	SubjectKey() string
	isPayload()
}

// LinkPayload is a deep link to an entity's record view.
type LinkPayload struct {
	EntityID string `json:"entity_id"`
	URL      string `json:"url"`
}

func (LinkPayload) Type() Type           { return TypeLink }
func (p LinkPayload) SubjectKey() string { return p.EntityID }
func (LinkPayload) isPayload()           {}

// EmergencyPayload is a self-contained emergency card readable offline.
type EmergencyPayload struct {
	EntityID         string   `json:"entity_id"`
	Name             string   `json:"name,omitempty"`
	BloodGroup       string   `json:"blood_group"`
	EmergencyContact string   `json:"emergency_contact"`
	Allergies        []string `json:"allergies"`
}

func (EmergencyPayload) Type() Type           { return TypeEmergency }
func (p EmergencyPayload) SubjectKey() string { return p.EntityID }
func (EmergencyPayload) isPayload()           {}

// AppointmentPayload references an appointment for verification.
type AppointmentPayload struct {
	RecordID    string     `json:"record_id"`
	SubjectID   string     `json:"subject_id,omitempty"`
	DoctorID    string     `json:"doctor_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	URL         string     `json:"url"`
}

func (AppointmentPayload) Type() Type           { return TypeAppointment }
func (p AppointmentPayload) SubjectKey() string { return p.RecordID }
func (AppointmentPayload) isPayload()           {}

// PrescriptionPayload references a prescription for verification.
type PrescriptionPayload struct {
	RecordID     string     `json:"record_id"`
	SubjectID    string     `json:"subject_id,omitempty"`
	PrescriberID string     `json:"prescriber_id,omitempty"`
	IssuedOn     *time.Time `json:"issued_on,omitempty"`
	URL          string     `json:"url"`
}

func (PrescriptionPayload) Type() Type           { return TypePrescription }
func (p PrescriptionPayload) SubjectKey() string { return p.RecordID }
func (PrescriptionPayload) isPayload()           {}

// LabReportPayload references a lab report for verification.
type LabReportPayload struct {
	RecordID   string     `json:"record_id"`
	SubjectID  string     `json:"subject_id,omitempty"`
	TestName   string     `json:"test_name,omitempty"`
	ReportedOn *time.Time `json:"reported_on,omitempty"`
	URL        string     `json:"url"`
}

func (LabReportPayload) Type() Type           { return TypeLabReport }
func (p LabReportPayload) SubjectKey() string { return p.RecordID }
func (LabReportPayload) isPayload()           {}

// TimeLimitedPayload wraps another payload with a validity window.
type TimeLimitedPayload struct {
	Inner   Payload   `json:"inner"`
	Issued  time.Time `json:"issued"`
	Expires time.Time `json:"expires"`
}

func (TimeLimitedPayload) Type() Type { return TypeTimeLimited }
func (TimeLimitedPayload) isPayload() {}

func (p TimeLimitedPayload) SubjectKey() string {
	if p.Inner == nil {
		return ""
	}
	return p.Inner.SubjectKey()
}

// ExpiredAt reports whether the window has closed at now.
func (p TimeLimitedPayload) ExpiredAt(now time.Time) bool {
	return !now.Before(p.Expires)
}

// Format is the wire representation a token was read from.
type Format string

const (
	FormatURL  Format = "url"
	FormatJSON Format = "json"
)

// Token is the result of a successful decode.
type Token struct {
	Type      Type    `json:"type"`
	SubjectID string  `json:"subject_id"`
	Format    Format  `json:"format"`
	Payload   Payload `json:"payload"`
}

// Inner returns the payload with any time-limited wrapper removed.
func (t *Token) Inner() Payload {
	if tl, ok := t.Payload.(TimeLimitedPayload); ok {
		return tl.Inner
	}
	return t.Payload
}

// InnerType is the type of the unwrapped payload.
func (t *Token) InnerType() Type {
	if inner := t.Inner(); inner != nil {
		return inner.Type()
	}
	return t.Type
}

// OwnerID is the entity a code belongs to: the entity of a link or
// emergency card, or the subject a record was issued for. Record codes in
// URL form do not carry their subject and return "".
func (t *Token) OwnerID() string {
	switch p := t.Inner().(type) {
	case LinkPayload:
		return p.EntityID
	case EmergencyPayload:
		return p.EntityID
	case AppointmentPayload:
		return p.SubjectID
	case PrescriptionPayload:
		return p.SubjectID
	case LabReportPayload:
		return p.SubjectID
	}
	return ""
}

func newToken(p Payload, f Format) *Token {
	return &Token{Type: p.Type(), SubjectID: p.SubjectKey(), Format: f, Payload: p}
}
