package scanaudit

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Sink is the append-only destination of the access trail.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, e *Entry) error

func (f SinkFunc) Append(ctx context.Context, e *Entry) error {
	return f(ctx, e)
}

// MultiSink appends to every sink and reports all failures.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, e *Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink mirrors entries into the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that writes each entry as a log event.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, e *Entry) error {
	level := zerolog.InfoLevel
	if e.Outcome == OutcomeRejected {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("type", "qr_scan_audit").
		Str("entry_id", e.ID.String()).
		Str("qr_type", e.QRType).
		Str("qr_id", e.QRID).
		Str("scanned_by", e.ScannedBy).
		Str("scanned_by_role", string(e.ScannedByRole)).
		Str("outcome", string(e.Outcome)).
		Str("error_kind", e.ErrorKind).
		Str("session_id", e.SessionID).
		Str("subject_id", e.SubjectID).
		Time("scan_time", e.ScanTime).
		Msg("qr_scan")
	return nil
}
