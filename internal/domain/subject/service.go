package subject

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eclinic/qrid/internal/domain/entityid"
)

var entityKinds = map[Type]entityid.Kind{
	TypePatient: entityid.KindPatient,
	TypeDoctor:  entityid.KindDoctor,
	TypeClinic:  entityid.KindClinic,
}

type Service struct {
	repo    Repository
	timeout time.Duration
}

// NewService wraps repo. A positive timeout bounds every lookup.
func NewService(repo Repository, timeout time.Duration) *Service {
	return &Service{repo: repo, timeout: timeout}
}

// FetchBySubjectID resolves a decoded subject or record ID.
func (s *Service) FetchBySubjectID(ctx context.Context, id string) (*Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty subject id", ErrNotFound)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.repo.FetchBySubjectID(ctx, id)
}

func (s *Service) Upsert(ctx context.Context, r *Record) error {
	if r.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if r.DisplayName == "" {
		return fmt.Errorf("display_name is required")
	}
	if kind, ok := entityKinds[r.SubjectType]; ok {
		id, err := entityid.Parse(r.SubjectID)
		if err != nil {
			return err
		}
		if id.Kind() != kind {
			return fmt.Errorf("subject %s is a %s, not a %s", r.SubjectID, id.Kind(), kind)
		}
	} else {
		switch r.SubjectType {
		case TypeAppointment, TypePrescription, TypeLabReport:
		default:
			return fmt.Errorf("unknown subject_type %q", r.SubjectType)
		}
	}
	return s.repo.Upsert(ctx, r)
}
