package subject

import (
	"context"
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"
)

const memTable = "subject_record"

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		memTable: {
			Name: memTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "SubjectID"},
				},
				"type": {
					Name:    "type",
					Indexer: &memdb.StringFieldIndex{Field: "SubjectType"},
				},
			},
		},
	},
}

type repoMem struct {
	db  *memdb.MemDB
	now func() time.Time
}

// NewRepoMem creates a repository held entirely in memory.
func NewRepoMem() (Repository, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("create subject memdb: %w", err)
	}
	return &repoMem{db: db, now: time.Now}, nil
}

func (r *repoMem) FetchBySubjectID(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := r.db.Txn(false)
	obj, err := txn.First(memTable, "id", id)
	if err != nil {
		return nil, fmt.Errorf("fetch subject record %s: %w", id, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := *obj.(*Record)
	return &rec, nil
}

func (r *repoMem) Upsert(_ context.Context, rec *Record) error {
	rec.UpdatedAt = r.now().UTC()
	stored := *rec

	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(memTable, &stored); err != nil {
		return fmt.Errorf("upsert subject record %s: %w", rec.SubjectID, err)
	}
	txn.Commit()
	return nil
}
