package qrtoken

import (
	"fmt"
	"strings"
	"time"

	"github.com/eclinic/qrid/internal/domain/entityid"
)

// Config carries the process-level settings the builder and codec need.
type Config struct {
	// BaseURL prefixes every link-style token, e.g. "https://eclinic.com".
	BaseURL string
}

func (c Config) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

var entityPaths = map[entityid.Kind]string{
	entityid.KindPatient: "patient/view",
	entityid.KindDoctor:  "doctor/view",
	entityid.KindClinic:  "clinic/view",
}

var recordPaths = map[Type]string{
	TypeAppointment:  "verify/appointment",
	TypePrescription: "verify/prescription",
	TypeLabReport:    "verify/lab-report",
}

func (c Config) entityURL(id entityid.ID) string {
	return c.base() + "/" + entityPaths[id.Kind()] + "/" + id.String()
}

func (c Config) recordURL(t Type, recordID string) string {
	return c.base() + "/" + recordPaths[t] + "/" + recordID
}

// MaxRecordIDLen bounds record IDs so every scanned code fits the access
// trail's qr_id column.
const MaxRecordIDLen = 64

// validRecordID reports whether id can be carried as a single URL path
// segment.
func validRecordID(id string) bool {
	if id == "" || len(id) > MaxRecordIDLen {
		return false
	}
	return !strings.ContainsAny(id, "/?#%\\ \t\r\n")
}

// Builder constructs payloads from entity and record data.
type Builder struct {
	cfg Config
	now func() time.Time
}

// NewBuilder creates a Builder. A nil clock defaults to time.Now.
func NewBuilder(cfg Config, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{cfg: cfg, now: now}
}

// BuildLink returns a deep-link payload for the entity.
func (b *Builder) BuildLink(entityID string) (LinkPayload, error) {
	id, err := entityid.Parse(entityID)
	if err != nil {
		return LinkPayload{}, err
	}
	return LinkPayload{EntityID: id.String(), URL: b.cfg.entityURL(id)}, nil
}

// EmergencyProfile is the subset of a patient profile printed on an
// emergency card.
type EmergencyProfile struct {
	EntityID         string   `json:"entity_id"`
	Name             string   `json:"name"`
	BloodGroup       string   `json:"blood_group"`
	EmergencyContact string   `json:"emergency_contact"`
	Allergies        []string `json:"allergies"`
}

// BuildEmergency returns a self-contained emergency payload.
func (b *Builder) BuildEmergency(p EmergencyProfile) (EmergencyPayload, error) {
	id, err := entityid.Parse(p.EntityID)
	if err != nil {
		return EmergencyPayload{}, err
	}
	blood := strings.TrimSpace(p.BloodGroup)
	contact := strings.TrimSpace(p.EmergencyContact)
	if blood == "" || contact == "" {
		return EmergencyPayload{}, ErrIncompleteEmergencyProfile
	}

	allergies := make([]string, 0, len(p.Allergies))
	for _, a := range p.Allergies {
		if a = strings.TrimSpace(a); a != "" {
			allergies = append(allergies, a)
		}
	}

	return EmergencyPayload{
		EntityID:         id.String(),
		Name:             strings.TrimSpace(p.Name),
		BloodGroup:       blood,
		EmergencyContact: contact,
		Allergies:        allergies,
	}, nil
}

// RecordRef identifies a clinical record and the patient it belongs to.
type RecordRef struct {
	RecordID  string `json:"record_id"`
	SubjectID string `json:"subject_id"`
}

func (b *Builder) checkRecord(ref RecordRef) error {
	if !validRecordID(ref.RecordID) {
		return fmt.Errorf("%w: %q", ErrIncompleteRecord, ref.RecordID)
	}
	if !entityid.IsValid(ref.SubjectID) {
		return fmt.Errorf("subject: %w: %q", ErrInvalidIdentifier, ref.SubjectID)
	}
	return nil
}

func checkOptionalEntity(field, id string) error {
	if id != "" && !entityid.IsValid(id) {
		return fmt.Errorf("%s: %w: %q", field, ErrInvalidIdentifier, id)
	}
	return nil
}

// BuildAppointment returns a verification payload for an appointment.
func (b *Builder) BuildAppointment(ref RecordRef, doctorID string, scheduledAt *time.Time) (AppointmentPayload, error) {
	if err := b.checkRecord(ref); err != nil {
		return AppointmentPayload{}, err
	}
	if err := checkOptionalEntity("doctor", doctorID); err != nil {
		return AppointmentPayload{}, err
	}
	return AppointmentPayload{
		RecordID:    ref.RecordID,
		SubjectID:   ref.SubjectID,
		DoctorID:    doctorID,
		ScheduledAt: scheduledAt,
		URL:         b.cfg.recordURL(TypeAppointment, ref.RecordID),
	}, nil
}

// BuildPrescription returns a verification payload for a prescription.
func (b *Builder) BuildPrescription(ref RecordRef, prescriberID string, issuedOn *time.Time) (PrescriptionPayload, error) {
	if err := b.checkRecord(ref); err != nil {
		return PrescriptionPayload{}, err
	}
	if err := checkOptionalEntity("prescriber", prescriberID); err != nil {
		return PrescriptionPayload{}, err
	}
	return PrescriptionPayload{
		RecordID:     ref.RecordID,
		SubjectID:    ref.SubjectID,
		PrescriberID: prescriberID,
		IssuedOn:     issuedOn,
		URL:          b.cfg.recordURL(TypePrescription, ref.RecordID),
	}, nil
}

// BuildLabReport returns a verification payload for a lab report.
func (b *Builder) BuildLabReport(ref RecordRef, testName string, reportedOn *time.Time) (LabReportPayload, error) {
	if err := b.checkRecord(ref); err != nil {
		return LabReportPayload{}, err
	}
	return LabReportPayload{
		RecordID:   ref.RecordID,
		SubjectID:  ref.SubjectID,
		TestName:   strings.TrimSpace(testName),
		ReportedOn: reportedOn,
		URL:        b.cfg.recordURL(TypeLabReport, ref.RecordID),
	}, nil
}

// WrapTimeLimited bounds p to ttlHours from now. Wrapping a payload that is
// already time-limited replaces its window.
func (b *Builder) WrapTimeLimited(p Payload, ttlHours int) (TimeLimitedPayload, error) {
	if ttlHours <= 0 {
		return TimeLimitedPayload{}, fmt.Errorf("%w: got %d", ErrInvalidTTL, ttlHours)
	}
	if tl, ok := p.(TimeLimitedPayload); ok {
		p = tl.Inner
	}
	if p == nil {
		return TimeLimitedPayload{}, fmt.Errorf("payload is required")
	}
	now := b.now().UTC()
	return TimeLimitedPayload{
		Inner:   p,
		Issued:  now,
		Expires: now.Add(time.Duration(ttlHours) * time.Hour),
	}, nil
}
