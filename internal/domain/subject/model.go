package subject

import (
	"encoding/json"
	"time"
)

// Type is what a subject ID refers to.
type Type string

const (
	TypePatient      Type = "patient"
	TypeDoctor       Type = "doctor"
	TypeClinic       Type = "clinic"
	TypeAppointment  Type = "appointment"
	TypePrescription Type = "prescription"
	TypeLabReport    Type = "lab_report"
)

// IsEntity reports whether t is keyed by an entity identifier rather than an
// opaque record ID.
func (t Type) IsEntity() bool {
	return t == TypePatient || t == TypeDoctor || t == TypeClinic
}

// Record is the view a scanner is shown after a successful decode.
type Record struct {
	SubjectID   string          `json:"subject_id"`
	SubjectType Type            `json:"subject_type"`
	DisplayName string          `json:"display_name"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
