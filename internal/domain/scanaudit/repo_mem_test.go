package scanaudit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemSink_AppendAndList(t *testing.T) {
	sink, err := NewMemSink()
	if err != nil {
		t.Fatalf("NewMemSink() error: %v", err)
	}
	ctx := context.Background()

	later := &Entry{ID: uuid.New(), QRID: testPatientID, ScannedBy: "d1", SessionID: "s1", ScanTime: testNow.Add(time.Minute)}
	earlier := &Entry{ID: uuid.New(), QRID: testPatientID, ScannedBy: "d1", SessionID: "s1", ScanTime: testNow}
	other := &Entry{ID: uuid.New(), QRID: "RX-1", ScannedBy: "p1", ScanTime: testNow}

	for _, e := range []*Entry{later, earlier, other} {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	if sink.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", sink.Len())
	}

	got, err := sink.ListByQRID(testPatientID)
	if err != nil {
		t.Fatalf("ListByQRID() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != earlier.ID || got[1].ID != later.ID {
		t.Error("expected entries ordered by scan time")
	}

	bySession, err := sink.ListBySession("s1")
	if err != nil {
		t.Fatalf("ListBySession() error: %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("expected 2 entries for session, got %d", len(bySession))
	}
}

func TestMemSink_RejectsDuplicateID(t *testing.T) {
	sink, _ := NewMemSink()
	e := &Entry{ID: uuid.New(), QRID: testPatientID}

	if err := sink.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := sink.Append(context.Background(), e); err == nil {
		t.Error("expected error for duplicate entry id")
	}
	if sink.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", sink.Len())
	}
}

func TestMemSink_EmptyQRID(t *testing.T) {
	sink, _ := NewMemSink()
	if err := sink.Append(context.Background(), &Entry{ID: uuid.New()}); err != nil {
		t.Errorf("expected empty qr id to be stored, got %v", err)
	}
}

func TestMemSink_List(t *testing.T) {
	sink, _ := NewMemSink()
	ctx := context.Background()

	entries := []*Entry{
		{ID: uuid.New(), QRID: testPatientID, ScannedBy: "d1", ScanTime: testNow, Outcome: OutcomeAccepted},
		{ID: uuid.New(), QRID: testPatientID, ScannedBy: "l1", ScanTime: testNow.Add(time.Hour), Outcome: OutcomeRejected},
		{ID: uuid.New(), QRID: "RX-1", ScannedBy: "d1", ScanTime: testNow.Add(2 * time.Hour), Outcome: OutcomeAccepted},
		{ID: uuid.New(), ScannedBy: "d1", ScanTime: testNow.Add(3 * time.Hour), Outcome: OutcomeRejected},
	}
	for _, e := range entries {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	tests := []struct {
		name string
		q    Query
		want []*Entry
	}{
		{"all newest first", Query{}, []*Entry{entries[3], entries[2], entries[1], entries[0]}},
		{"by qr id", Query{QRID: testPatientID}, []*Entry{entries[1], entries[0]}},
		{"by scanner", Query{ScannedBy: "d1"}, []*Entry{entries[3], entries[2], entries[0]}},
		{"by outcome", Query{Outcome: OutcomeRejected}, []*Entry{entries[3], entries[1]}},
		{"window", Query{Since: testNow.Add(time.Hour), Until: testNow.Add(3 * time.Hour)}, []*Entry{entries[2], entries[1]}},
		{"limit", Query{Limit: 1}, []*Entry{entries[3]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sink.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i := range tt.want {
				if got[i].ID != tt.want[i].ID {
					t.Errorf("entry %d: expected %s, got %s", i, tt.want[i].ID, got[i].ID)
				}
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := sink.List(cancelled, Query{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
