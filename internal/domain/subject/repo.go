package subject

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("subject record not found")

type Repository interface {
	FetchBySubjectID(ctx context.Context, id string) (*Record, error)
	Upsert(ctx context.Context, r *Record) error
}
