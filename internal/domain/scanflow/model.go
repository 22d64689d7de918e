package scanflow

import (
	"context"
	"errors"
	"time"

	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/domain/subject"
)

// Status is the position of a session in the scan state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCapturing  Status = "capturing"
	StatusDecoding   Status = "decoding"
	StatusFetching   Status = "fetching"
	StatusPresenting Status = "presenting"
	StatusFailed     Status = "failed"
)

var (
	ErrRecordLookupFailed = errors.New("record lookup failed")
	ErrInvalidTransition  = errors.New("invalid scan session transition")
	ErrSessionClosed      = errors.New("scan session closed")
	ErrSessionNotFound    = errors.New("scan session not found")
	ErrSuperseded         = errors.New("scan superseded by a newer attempt")
	ErrCaptureUnavailable = errors.New("capture source unavailable")
	ErrManagerClosed      = errors.New("scan manager is shutting down")
	ErrTooManySessions    = errors.New("too many open scan sessions")
)

// Failure kinds beyond the decode kinds reported by qrtoken.
const (
	KindAccessDenied       = scanaudit.KindAccessDenied
	KindRecordLookupFailed = "record_lookup_failed"
	KindCaptureFailed      = "capture_failed"
	KindInternal           = scanaudit.KindInternal
)

func failureMessage(kind string) string {
	switch kind {
	case KindAccessDenied:
		return "Your role is not permitted to view this code."
	case KindRecordLookupFailed:
		return "The record for this code could not be loaded. Try again."
	case KindCaptureFailed:
		return "The camera could not read a code."
	default:
		return qrtoken.ErrorKind(kind).Message()
	}
}

// CaptureSource is the camera or other device feeding raw strings. Open is
// called once when a session starts and Close once when it ends.
type CaptureSource interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (string, error)
	Close() error
}

type Decoder interface {
	Decode(raw string) (*qrtoken.Token, error)
}

type Lookup interface {
	FetchBySubjectID(ctx context.Context, id string) (*subject.Record, error)
}

type Auditor interface {
	RecordScan(ctx context.Context, tok *qrtoken.Token, scan scanaudit.Scan) (*scanaudit.Entry, error)
	RecordRejected(ctx context.Context, raw string, cause error, scan scanaudit.Scan) (*scanaudit.Entry, error)
	RecordDenied(ctx context.Context, tok *qrtoken.Token, scan scanaudit.Scan) (*scanaudit.Entry, error)
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Closed       bool            `json:"closed,omitempty"`
	ActorID      string          `json:"actor_id"`
	ActorRole    scanaudit.Role  `json:"actor_role"`
	Raw          string          `json:"raw,omitempty"`
	Token        *qrtoken.Token  `json:"token,omitempty"`
	Record       *subject.Record `json:"record,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Message      string          `json:"message,omitempty"`
	AuditWarning string          `json:"audit_warning,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Topic is the event topic carrying a session's state changes.
func Topic(sessionID string) string {
	return "scan-session/" + sessionID
}
