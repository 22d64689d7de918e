package scanaudit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eclinic/qrid/internal/platform/db"
	"github.com/eclinic/qrid/migrations"
)

// newPGSink connects to DATABASE_URL and applies the schema. Tests using it
// are skipped when no database is configured.
func newPGSink(t *testing.T) *PGSink {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping postgres sink test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 4, AppName: "qrid-test"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPGSink(pool)
}

func TestPGSink_AppendWithoutDeviceOrLocation(t *testing.T) {
	sink := newPGSink(t)
	ctx := context.Background()

	qrID := "APT-" + uuid.NewString()[:8]
	e := &Entry{
		ID:            uuid.New(),
		QRType:        "appointment",
		QRID:          qrID,
		ScannedBy:     "DOC-20240101-0042-0001",
		ScannedByRole: RoleDoctor,
		ScanTime:      time.Now().UTC().Truncate(time.Microsecond),
		Outcome:       OutcomeAccepted,
	}
	if err := sink.Append(ctx, e); err != nil {
		t.Fatalf("expected entry without device info to be written, got %v", err)
	}

	got, err := sink.List(ctx, Query{QRID: qrID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].DeviceInfo != "" || got[0].Geolocation != nil || got[0].SubjectID != "" {
		t.Errorf("expected empty optional fields, got %+v", got[0])
	}
}

func TestPGSink_ListByPatient(t *testing.T) {
	sink := newPGSink(t)
	ctx := context.Background()

	// Unique per run so repeated runs against one database stay independent.
	patient := "PAT-test-" + uuid.NewString()
	record := "RX-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, e := range []*Entry{
		{QRType: "link", QRID: patient, SubjectID: patient},
		{QRType: "prescription", QRID: record, SubjectID: patient},
	} {
		e.ID = uuid.New()
		e.ScannedBy = "pharm-1"
		e.ScannedByRole = RolePharmacy
		e.ScanTime = now.Add(time.Duration(i) * time.Second)
		e.Outcome = OutcomeAccepted
		e.DeviceInfo = "Zebra TC52"
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := sink.List(ctx, Query{Patient: patient})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].QRID != record {
		t.Fatalf("expected newest-first entries for the patient, got %+v", got)
	}
	if got[0].SubjectID != patient {
		t.Errorf("expected subject %s, got %q", patient, got[0].SubjectID)
	}
}
