package subject

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclinic/qrid/internal/platform/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) FetchBySubjectID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var summary []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT subject_id, subject_type, display_name, summary, updated_at
		FROM subject_record WHERE subject_id = $1`, id).
		Scan(&rec.SubjectID, &rec.SubjectType, &rec.DisplayName, &summary, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch subject record %s: %w", id, err)
	}
	rec.Summary = summary
	return &rec, nil
}

func (r *repoPG) Upsert(ctx context.Context, rec *Record) error {
	summary := []byte(rec.Summary)
	if len(summary) == 0 {
		summary = []byte("{}")
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO subject_record (subject_id, subject_type, display_name, summary, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			subject_type = EXCLUDED.subject_type,
			display_name = EXCLUDED.display_name,
			summary = EXCLUDED.summary,
			updated_at = NOW()
		RETURNING updated_at`,
		rec.SubjectID, string(rec.SubjectType), rec.DisplayName, summary,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subject record %s: %w", rec.SubjectID, err)
	}
	return nil
}
