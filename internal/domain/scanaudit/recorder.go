package scanaudit

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAuditWriteFailed = errors.New("scan audit write failed")
	ErrAccessDenied     = errors.New("access denied for this code type")
	ErrInvalidActor     = errors.New("invalid scanning actor")
)

// Error kinds recorded for rejections that are not decode failures.
const (
	KindAccessDenied = "access_denied"
	KindInternal     = "internal"
)

// QRTypeUnknown is recorded when the raw value never decoded.
const QRTypeUnknown = "unknown"

// maxRejectedQRID bounds how much of an undecodable value is kept.
const maxRejectedQRID = 128

// Recorder turns scan attempts into access-trail entries.
type Recorder struct {
	sink   Sink
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder creates a Recorder. A nil clock defaults to time.Now.
func NewRecorder(sink Sink, now func() time.Time, logger zerolog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, now: now, logger: logger}
}

// Scan carries the per-attempt context that is not part of the token.
type Scan struct {
	Actor     Actor
	SessionID string
}

// RecordScan writes an accepted entry for a decoded token. The entry is
// returned even when the sink fails, alongside ErrAuditWriteFailed.
func (r *Recorder) RecordScan(ctx context.Context, tok *qrtoken.Token, scan Scan) (*Entry, error) {
	if tok == nil {
		return nil, fmt.Errorf("record scan: token is required")
	}
	e := r.newEntry(scan)
	e.QRType = string(tok.InnerType())
	e.QRID = tok.SubjectID
	e.SubjectID = tok.OwnerID()
	e.Outcome = OutcomeAccepted
	return e, r.append(ctx, e)
}

// RecordRejected writes a rejected entry for a value that failed to decode.
func (r *Recorder) RecordRejected(ctx context.Context, raw string, cause error, scan Scan) (*Entry, error) {
	e := r.newEntry(scan)
	e.QRType = QRTypeUnknown
	e.QRID = truncate(raw, maxRejectedQRID)
	e.Outcome = OutcomeRejected
	e.ErrorKind = string(qrtoken.KindOf(cause))
	if e.ErrorKind == "" {
		e.ErrorKind = KindInternal
	}
	return e, r.append(ctx, e)
}

// RecordDenied writes a rejected entry for a decoded token the actor may not
// view.
func (r *Recorder) RecordDenied(ctx context.Context, tok *qrtoken.Token, scan Scan) (*Entry, error) {
	if tok == nil {
		return nil, fmt.Errorf("record denied: token is required")
	}
	e := r.newEntry(scan)
	e.QRType = string(tok.InnerType())
	e.QRID = tok.SubjectID
	e.SubjectID = tok.OwnerID()
	e.Outcome = OutcomeRejected
	e.ErrorKind = KindAccessDenied
	return e, r.append(ctx, e)
}

func (r *Recorder) newEntry(scan Scan) *Entry {
	return &Entry{
		ID:            uuid.New(),
		ScannedBy:     scan.Actor.ID,
		ScannedByRole: scan.Actor.Role,
		ScanTime:      r.now().UTC(),
		Geolocation:   scan.Actor.Geo,
		DeviceInfo:    scan.Actor.DeviceInfo,
		SessionID:     scan.SessionID,
	}
}

func (r *Recorder) append(ctx context.Context, e *Entry) error {
	if err := r.sink.Append(ctx, e); err != nil {
		r.logger.Error().Err(err).
			Str("entry_id", e.ID.String()).
			Str("qr_id", e.QRID).
			Str("scanned_by", e.ScannedBy).
			Str("outcome", string(e.Outcome)).
			Msg("scan audit write failed")
		return fmt.Errorf("%w: %w", ErrAuditWriteFailed, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
