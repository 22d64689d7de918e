package phi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eclinic/qrid/internal/domain/subject"
)

// sealedSummary is how an encrypted summary is stored. It stays valid JSON
// so jsonb columns accept it.
type sealedSummary struct {
	Sealed string `json:"phi_sealed"`
}

// Repository seals each record's clinical summary before handing it to the
// wrapped repository and opens it again on fetch. Identity fields stay in
// the clear so lookups by subject ID keep working.
type Repository struct {
	next   subject.Repository
	cipher *Cipher
}

func NewRepository(next subject.Repository, c *Cipher) *Repository {
	return &Repository{next: next, cipher: c}
}

func (r *Repository) Upsert(ctx context.Context, rec *subject.Record) error {
	if rec == nil || len(rec.Summary) == 0 {
		return r.next.Upsert(ctx, rec)
	}
	sealed, err := r.cipher.Seal(rec.Summary)
	if err != nil {
		return fmt.Errorf("seal summary for %s: %w", rec.SubjectID, err)
	}
	envelope, err := json.Marshal(sealedSummary{Sealed: sealed})
	if err != nil {
		return err
	}
	cp := *rec
	cp.Summary = envelope
	if err := r.next.Upsert(ctx, &cp); err != nil {
		return err
	}
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

// FetchBySubjectID returns the record with its summary decrypted. Summaries
// written before encryption was enabled are returned unchanged.
func (r *Repository) FetchBySubjectID(ctx context.Context, id string) (*subject.Record, error) {
	rec, err := r.next.FetchBySubjectID(ctx, id)
	if err != nil || rec == nil {
		return rec, err
	}
	sealed, ok := unwrap(rec.Summary)
	if !ok {
		return rec, nil
	}
	plaintext, err := r.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open summary for %s: %w", id, err)
	}
	cp := *rec
	cp.Summary = plaintext
	return &cp, nil
}

func unwrap(summary json.RawMessage) (string, bool) {
	if len(summary) == 0 || summary[0] != '{' {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(summary, &fields); err != nil || len(fields) != 1 {
		return "", false
	}
	var env sealedSummary
	if _, ok := fields["phi_sealed"]; !ok || json.Unmarshal(summary, &env) != nil {
		return "", false
	}
	return env.Sealed, env.Sealed != ""
}
