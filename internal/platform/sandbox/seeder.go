// Package sandbox generates synthetic subject records for sandbox and demo
// environments. Output is reproducible for a given seed and every entity ID
// it mints is valid under the entityid grammar, so generated records can be
// issued as QR tokens and scanned end to end.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eclinic/qrid/internal/domain/entityid"
	"github.com/eclinic/qrid/internal/domain/subject"
	"github.com/eclinic/qrid/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MaxSeedSubjects bounds a single seeding request.
const MaxSeedSubjects = 1000

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	Patients          int   `json:"patients"`
	Doctors           int   `json:"doctors"`
	Clinics           int   `json:"clinics"`
	RecordsPerPatient int   `json:"records_per_patient"`
	Seed              int64 `json:"seed"`
}

// DefaultSeedConfig returns the volume used when SANDBOX_SEED is on.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Patients:          25,
		Doctors:           5,
		Clinics:           2,
		RecordsPerPatient: 2,
	}
}

func (c SeedConfig) validate() error {
	if c.Patients < 0 || c.Doctors < 0 || c.Clinics < 0 || c.RecordsPerPatient < 0 {
		return fmt.Errorf("seed counts must be non-negative")
	}
	if total := c.Patients + c.Doctors + c.Clinics + c.Patients*c.RecordsPerPatient; total > MaxSeedSubjects {
		return fmt.Errorf("seed would generate %d subjects, limit is %d", total, MaxSeedSubjects)
	}
	return nil
}

// SeedResult summarises a generation run.
type SeedResult struct {
	Patients      int           `json:"patients"`
	Doctors       int           `json:"doctors"`
	Clinics       int           `json:"clinics"`
	Appointments  int           `json:"appointments"`
	Prescriptions int           `json:"prescriptions"`
	LabReports    int           `json:"lab_reports"`
	Total         int           `json:"total"`
	Loaded        int           `json:"loaded"`
	Duration      time.Duration `json:"duration_ns"`
}

// ---------------------------------------------------------------------------
// Summaries stored on generated records
// ---------------------------------------------------------------------------

// PatientSummary carries what an emergency card and a scanning doctor need.
type PatientSummary struct {
	Gender           string   `json:"gender"`
	BirthDate        string   `json:"birth_date"`
	BloodGroup       string   `json:"blood_group"`
	EmergencyContact string   `json:"emergency_contact"`
	Allergies        []string `json:"allergies"`
	ClinicID         string   `json:"clinic_id,omitempty"`
}

type DoctorSummary struct {
	Specialty string `json:"specialty"`
	ClinicID  string `json:"clinic_id,omitempty"`
}

type ClinicSummary struct {
	City  string `json:"city"`
	Phone string `json:"phone"`
}

type RecordSummary struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id,omitempty"`
	Detail    string    `json:"detail"`
	Date      time.Time `json:"date"`
}

// ---------------------------------------------------------------------------
// Reference data
// ---------------------------------------------------------------------------

var (
	firstNames  = []string{"Asha", "Ravi", "Meera", "Arjun", "Priya", "Kabir", "Nisha", "Vikram", "Sara", "Omar", "Lena", "Tomas"}
	lastNames   = []string{"Rao", "Iyer", "Khan", "Patel", "Singh", "Das", "Mehta", "Nair", "Fernandes", "Gupta"}
	cities      = []string{"Pune", "Chennai", "Kochi", "Jaipur", "Indore", "Mysuru"}
	bloodGroups = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
	allergens   = []string{"Penicillin", "Sulfa drugs", "Peanuts", "Latex", "Shellfish", "Aspirin"}
	specialties = []string{"General Medicine", "Pediatrics", "Cardiology", "Dermatology", "Orthopedics"}
	medications = []string{"Amoxicillin 500mg", "Metformin 500mg", "Atorvastatin 10mg", "Salbutamol inhaler", "Paracetamol 650mg"}
	labTests    = []string{"CBC", "Lipid Panel", "HbA1c", "Thyroid Profile", "Liver Function Test"}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic subject records.
type DataGenerator struct {
	rng      *rand.Rand
	sequence int
	base     time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng:  rand.New(rand.NewSource(seed)),
		base: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDay(minYear, maxYear int) time.Time {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := time.Month(1 + g.rng.Intn(12))
	d := 1 + g.rng.Intn(28) // valid in every month
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("+91%d%09d", 6+g.rng.Intn(4), g.rng.Intn(1000000000))
}

// EntityID mints a well-formed identifier of the given kind. Sequence numbers
// are unique per generator.
func (g *DataGenerator) EntityID(kind entityid.Kind) string {
	g.sequence++
	issued := g.randomDay(2019, 2025)
	return fmt.Sprintf("%s-%s-%06d-%04d", kind.Prefix(), issued.Format("20060102"), g.sequence, g.rng.Intn(10000))
}

func (g *DataGenerator) recordID(prefix string) string {
	g.sequence++
	return fmt.Sprintf("%s-%06d-%04X", prefix, g.sequence, g.rng.Intn(1<<16))
}

func (g *DataGenerator) fullName() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

func newRecord(id string, t subject.Type, name string, summary any) *subject.Record {
	raw, _ := json.Marshal(summary)
	return &subject.Record{SubjectID: id, SubjectType: t, DisplayName: name, Summary: raw}
}

// GenerateClinic produces a clinic record.
func (g *DataGenerator) GenerateClinic() *subject.Record {
	city := g.pick(cities)
	return newRecord(g.EntityID(entityid.KindClinic), subject.TypeClinic, city+" Family Clinic",
		ClinicSummary{City: city, Phone: g.randomPhone()})
}

// GenerateDoctor produces a doctor record attached to clinicID (may be empty).
func (g *DataGenerator) GenerateDoctor(clinicID string) *subject.Record {
	return newRecord(g.EntityID(entityid.KindDoctor), subject.TypeDoctor, "Dr. "+g.fullName(),
		DoctorSummary{Specialty: g.pick(specialties), ClinicID: clinicID})
}

// GeneratePatient produces a patient record whose summary is complete enough
// to print an emergency card.
func (g *DataGenerator) GeneratePatient(clinicID string) *subject.Record {
	gender := "female"
	if g.rng.Intn(2) == 0 {
		gender = "male"
	}
	allergies := []string{}
	for i, n := 0, g.rng.Intn(3); i < n; i++ {
		allergies = append(allergies, g.pick(allergens))
	}
	return newRecord(g.EntityID(entityid.KindPatient), subject.TypePatient, g.fullName(), PatientSummary{
		Gender:           gender,
		BirthDate:        g.randomDay(1945, 2015).Format("2006-01-02"),
		BloodGroup:       g.pick(bloodGroups),
		EmergencyContact: g.randomPhone(),
		Allergies:        allergies,
		ClinicID:         clinicID,
	})
}

// GenerateClinicalRecord produces an appointment, prescription or lab report
// for patientID, rotating through the three kinds by n.
func (g *DataGenerator) GenerateClinicalRecord(n int, patientID, doctorID string) *subject.Record {
	date := g.base.AddDate(0, 0, g.rng.Intn(365)).Add(time.Duration(9+g.rng.Intn(8)) * time.Hour)
	switch n % 3 {
	case 0:
		return newRecord(g.recordID("APT"), subject.TypeAppointment, "Consultation on "+date.Format("02 Jan 2006"),
			RecordSummary{PatientID: patientID, DoctorID: doctorID, Detail: "consultation", Date: date})
	case 1:
		med := g.pick(medications)
		return newRecord(g.recordID("RX"), subject.TypePrescription, med,
			RecordSummary{PatientID: patientID, DoctorID: doctorID, Detail: med, Date: date})
	default:
		test := g.pick(labTests)
		return newRecord(g.recordID("LAB"), subject.TypeLabReport, test+" report",
			RecordSummary{PatientID: patientID, Detail: test, Date: date})
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Upserter stores subject records. subject.Service satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, r *subject.Record) error
}

// TxRunner runs fn inside a transaction carried on ctx. A nil TxRunner runs
// fn directly.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Seeder orchestrates generation of a complete synthetic data set.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	mu        sync.RWMutex
	records   []*subject.Record
}

// NewSeeder creates a new Seeder with the given config.
func NewSeeder(config SeedConfig) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
	}
}

// Generate builds the data set, replacing anything generated earlier.
func (s *Seeder) Generate() (*SeedResult, error) {
	if err := s.config.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.generator
	result := &SeedResult{}
	var records []*subject.Record

	var clinicIDs, doctorIDs []string
	for i := 0; i < s.config.Clinics; i++ {
		r := g.GenerateClinic()
		clinicIDs = append(clinicIDs, r.SubjectID)
		records = append(records, r)
	}
	result.Clinics = s.config.Clinics

	doctors := s.config.Doctors
	if doctors == 0 && s.config.RecordsPerPatient > 0 && s.config.Patients > 0 {
		doctors = 1
	}
	for i := 0; i < doctors; i++ {
		r := g.GenerateDoctor(roundRobin(clinicIDs, i))
		doctorIDs = append(doctorIDs, r.SubjectID)
		records = append(records, r)
	}
	result.Doctors = doctors

	for i := 0; i < s.config.Patients; i++ {
		p := g.GeneratePatient(roundRobin(clinicIDs, i))
		records = append(records, p)

		for j := 0; j < s.config.RecordsPerPatient; j++ {
			r := g.GenerateClinicalRecord(i+j, p.SubjectID, roundRobin(doctorIDs, i))
			switch r.SubjectType {
			case subject.TypeAppointment:
				result.Appointments++
			case subject.TypePrescription:
				result.Prescriptions++
			case subject.TypeLabReport:
				result.LabReports++
			}
			records = append(records, r)
		}
	}
	result.Patients = s.config.Patients

	s.records = records
	result.Total = len(records)
	result.Duration = time.Since(start)
	return result, nil
}

func roundRobin(ids []string, i int) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[i%len(ids)]
}

// Records returns generated records of type t, or all of them when t is
// empty.
func (s *Seeder) Records(t subject.Type) []*subject.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*subject.Record{}
	for _, r := range s.records {
		if t == "" || r.SubjectType == t {
			out = append(out, r)
		}
	}
	return out
}

// Load upserts every generated record into store. With a TxRunner the whole
// set is written atomically.
func (s *Seeder) Load(ctx context.Context, store Upserter, inTx TxRunner) (int, error) {
	records := s.Records("")
	write := func(ctx context.Context) error {
		for _, r := range records {
			if err := store.Upsert(ctx, r); err != nil {
				return fmt.Errorf("seed %s %s: %w", r.SubjectType, r.SubjectID, err)
			}
		}
		return nil
	}
	var err error
	if inTx != nil {
		err = inTx(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ExportNDJSON writes records of type t (all when empty) as newline-delimited
// JSON.
func (s *Seeder) ExportNDJSON(w io.Writer, t subject.Type) error {
	enc := json.NewEncoder(w)
	for _, r := range s.Records(t) {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding %s: %w", r.SubjectID, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeedHandler: echo HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP for sandbox deployments.
type SeedHandler struct {
	store  Upserter
	inTx   TxRunner
	logger zerolog.Logger
	mu     sync.Mutex
	seeder *Seeder
}

// NewSeedHandler creates a handler that loads generated data into store.
// seeder may be nil or a Seeder that already ran at startup.
func NewSeedHandler(store Upserter, inTx TxRunner, seeder *Seeder, logger zerolog.Logger) *SeedHandler {
	return &SeedHandler{store: store, inTx: inTx, seeder: seeder, logger: logger}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/subjects", h.handleListSubjects)
	g.GET("/export/ndjson", h.handleExportNDJSON)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	cfg.Patients = 10
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	seeder := NewSeeder(cfg)
	result, err := seeder.Generate()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loaded, err := seeder.Load(c.Request().Context(), h.store, h.inTx)
	if err != nil {
		h.logger.Error().Err(err).Msg("sandbox seed failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "seeding failed")
	}
	result.Loaded = loaded
	h.seeder = seeder

	h.logger.Info().Int("subjects", loaded).Int64("seed", cfg.Seed).Msg("sandbox seeded")
	return c.JSON(http.StatusCreated, result)
}

func (h *SeedHandler) current() *Seeder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seeder
}

func (h *SeedHandler) handleListSubjects(c echo.Context) error {
	records := []*subject.Record{}
	if seeder := h.current(); seeder != nil {
		records = seeder.Records(subject.Type(c.QueryParam("type")))
	}
	return c.JSON(http.StatusOK, pagination.Page(records, pagination.FromContext(c), c.Request().URL.Path))
}

func (h *SeedHandler) handleExportNDJSON(c echo.Context) error {
	seeder := h.current()
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	if seeder == nil {
		return nil
	}
	return seeder.ExportNDJSON(c.Response().Writer, subject.Type(c.QueryParam("type")))
}
