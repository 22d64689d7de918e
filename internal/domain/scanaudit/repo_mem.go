package scanaudit

import (
	"context"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"
)

const memTable = "qr_scan_access_log"

// memRow indexes an entry by string keys; go-memdb indexers read struct
// fields by name.
type memRow struct {
	Key       string
	QRID      string
	ScannedBy string
	SessionID string
	Entry     Entry
}

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		memTable: {
			Name: memTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"qr_id": {
					Name:         "qr_id",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "QRID"},
				},
				"scanned_by": {
					Name:         "scanned_by",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "ScannedBy"},
				},
				"session_id": {
					Name:         "session_id",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "SessionID"},
				},
			},
		},
	},
}

// MemSink keeps the access trail in memory for development and tests.
type MemSink struct {
	db *memdb.MemDB
}

func NewMemSink() (*MemSink, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("create scan audit memdb: %w", err)
	}
	return &MemSink{db: db}, nil
}

func (s *MemSink) Append(_ context.Context, e *Entry) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	key := e.ID.String()
	existing, err := txn.First(memTable, "id", key)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("scan access log entry %s already written", key)
	}
	row := &memRow{Key: key, QRID: e.QRID, ScannedBy: e.ScannedBy, SessionID: e.SessionID, Entry: *e}
	if err := txn.Insert(memTable, row); err != nil {
		return fmt.Errorf("insert scan access log: %w", err)
	}
	txn.Commit()
	return nil
}

// ListByQRID returns entries for a subject or record ID ordered by scan time.
func (s *MemSink) ListByQRID(qrID string) ([]Entry, error) {
	return s.list("qr_id", qrID)
}

// ListBySession returns entries written by one scan session.
func (s *MemSink) ListBySession(sessionID string) ([]Entry, error) {
	return s.list("session_id", sessionID)
}

// Len is the number of stored entries.
func (s *MemSink) Len() int {
	txn := s.db.Txn(false)
	it, err := txn.Get(memTable, "id")
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

// List returns entries matching q, newest first.
func (s *MemSink) List(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index, args := "id", []interface{}{}
	switch {
	case q.QRID != "":
		index, args = "qr_id", []interface{}{q.QRID}
	case q.SessionID != "":
		index, args = "session_id", []interface{}{q.SessionID}
	case q.ScannedBy != "":
		index, args = "scanned_by", []interface{}{q.ScannedBy}
	}

	txn := s.db.Txn(false)
	it, err := txn.Get(memTable, index, args...)
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*memRow).Entry
		if q.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanTime.After(out[j].ScanTime) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemSink) list(index, value string) ([]Entry, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(memTable, index, value)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*memRow).Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanTime.Before(out[j].ScanTime) })
	return out, nil
}
