package scanflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/domain/subject"
)

const auditWarningText = "The scan was shown but could not be written to the access log."

// Session is one scanning interaction. Every unit of work (a capture or a
// submitted value) carries a generation; results from a generation that is
// no longer current are discarded.
type Session struct {
	id      string
	actor   scanaudit.Actor
	mgr     *Manager
	source  CaptureSource
	created time.Time

	mu           sync.Mutex
	status       Status
	raw          string
	token        *qrtoken.Token
	record       *subject.Record
	errKind      string
	auditWarning string
	gen          uint64
	cancel       context.CancelFunc
	closed       bool
	updated      time.Time
	active       time.Time

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Actor() scanaudit.Actor { return s.actor }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		Status:       s.status,
		Closed:       s.closed,
		ActorID:      s.actor.ID,
		ActorRole:    s.actor.Role,
		Raw:          s.raw,
		Token:        s.token,
		Record:       s.record,
		ErrorKind:    s.errKind,
		AuditWarning: s.auditWarning,
		CreatedAt:    s.created,
		UpdatedAt:    s.updated,
	}
	if s.errKind != "" {
		snap.Message = failureMessage(s.errKind)
	}
	return snap
}

// setStatusLocked moves to st and notifies observers.
func (s *Session) setStatusLocked(st Status) {
	s.status = st
	s.updated = s.mgr.now().UTC()
	s.active = s.updated
	s.mgr.publish(s.snapshotLocked())
}

// touch marks the session as in use by its owner.
func (s *Session) touch() {
	s.mu.Lock()
	s.active = s.mgr.now().UTC()
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) failLocked(kind string) {
	s.errKind = kind
	s.setStatusLocked(StatusFailed)
}

func (s *Session) resetLocked() {
	s.raw = ""
	s.token = nil
	s.record = nil
	s.errKind = ""
	s.auditWarning = ""
}

// beginLocked supersedes any in-flight work and returns the context and
// generation for the new unit.
func (s *Session) beginLocked(ctx context.Context) (context.Context, uint64) {
	s.cancelLocked()
	s.gen++
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return wctx, s.gen
}

func (s *Session) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// finish releases the context of gen if it is still the current unit.
func (s *Session) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancelLocked()
	}
}

// commit applies fn only when gen is still current and the session is open.
func (s *Session) commit(gen uint64, fn func()) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.snapshotLocked(), ErrSessionClosed
	}
	if s.gen != gen {
		return s.snapshotLocked(), ErrSuperseded
	}
	fn()
	return s.snapshotLocked(), nil
}

// Submit decodes raw, authorizes and audits it, and resolves the record to
// present. A Submit supersedes any capture or submit still in flight.
func (s *Session) Submit(ctx context.Context, raw string) (Snapshot, error) {
	return s.submit(ctx, raw, 0)
}

// submit starts processing raw. A non-zero expect requires that generation
// to still be current.
func (s *Session) submit(ctx context.Context, raw string, expect uint64) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if expect != 0 && s.gen != expect {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrSuperseded
	}
	switch s.status {
	case StatusCapturing, StatusDecoding, StatusFetching:
	default:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot scan while %s", ErrInvalidTransition, snap.Status)
	}
	wctx, gen := s.beginLocked(ctx)
	s.resetLocked()
	s.raw = raw
	s.setStatusLocked(StatusDecoding)
	s.mu.Unlock()

	defer s.finish(gen)
	return s.process(wctx, gen, raw)
}

func (s *Session) process(ctx context.Context, gen uint64, raw string) (Snapshot, error) {
	scan := scanaudit.Scan{Actor: s.actor, SessionID: s.id}

	tok, err := s.mgr.decoder.Decode(raw)
	if err != nil {
		s.mgr.dispatchAudit(ctx, s, gen, func(actx context.Context) error {
			_, aerr := s.mgr.auditor.RecordRejected(actx, raw, err, scan)
			return aerr
		})
		kind := string(qrtoken.KindOf(err))
		if kind == "" {
			kind = KindInternal
		}
		return s.commit(gen, func() { s.failLocked(kind) })
	}

	if err := scanaudit.Authorize(s.actor, tok); err != nil {
		s.mgr.dispatchAudit(ctx, s, gen, func(actx context.Context) error {
			_, aerr := s.mgr.auditor.RecordDenied(actx, tok, scan)
			return aerr
		})
		return s.commit(gen, func() {
			s.token = tok
			s.failLocked(KindAccessDenied)
		})
	}

	s.mgr.dispatchAudit(ctx, s, gen, func(actx context.Context) error {
		_, aerr := s.mgr.auditor.RecordScan(actx, tok, scan)
		return aerr
	})

	if snap, err := s.commit(gen, func() {
		s.token = tok
		s.setStatusLocked(StatusFetching)
	}); err != nil {
		return snap, err
	}

	rec, err := s.mgr.resolve(ctx, tok)
	if err != nil {
		snap, cerr := s.commit(gen, func() { s.failLocked(KindRecordLookupFailed) })
		if cerr == nil {
			s.mgr.logger.Warn().Err(err).
				Str("session_id", s.id).
				Str("subject_id", tok.SubjectID).
				Msg("scan record lookup failed")
		}
		return snap, cerr
	}
	return s.commit(gen, func() {
		s.record = rec
		s.setStatusLocked(StatusPresenting)
	})
}

// Capture waits for the capture source to produce a value and submits it.
func (s *Session) Capture(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if s.status != StatusCapturing {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot capture while %s", ErrInvalidTransition, snap.Status)
	}
	wctx, gen := s.beginLocked(ctx)
	s.mu.Unlock()

	raw, err := s.source.Next(wctx)
	cancelled := wctx.Err() != nil
	s.finish(gen)

	if err != nil {
		if cancelled {
			snap, cerr := s.commit(gen, func() {})
			if cerr != nil {
				return snap, cerr
			}
			return snap, ctx.Err()
		}
		s.mgr.logger.Warn().Err(err).Str("session_id", s.id).Msg("scan capture failed")
		return s.commit(gen, func() { s.failLocked(KindCaptureFailed) })
	}
	return s.submit(ctx, raw, gen)
}

// Rescan leaves Presenting to capture another code.
func (s *Session) Rescan() (Snapshot, error) {
	return s.restart(StatusPresenting)
}

// Retry leaves Failed to capture again.
func (s *Session) Retry() (Snapshot, error) {
	return s.restart(StatusFailed)
}

func (s *Session) restart(from Status) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrSessionClosed
	}
	if s.status != from {
		return s.snapshotLocked(), fmt.Errorf("%w: expected %s, session is %s", ErrInvalidTransition, from, s.status)
	}
	s.cancelLocked()
	s.gen++
	s.resetLocked()
	s.setStatusLocked(StatusCapturing)
	return s.snapshotLocked(), nil
}

// Close ends the session from any state, cancelling in-flight work. The
// capture source is released exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancelLocked()
		s.gen++
		s.updated = s.mgr.now().UTC()
		s.mgr.publish(s.snapshotLocked())
	}
	s.mu.Unlock()

	s.mgr.forget(s.id)
	s.closeOnce.Do(func() {
		s.closeErr = s.source.Close()
	})
	return s.closeErr
}

// noteAuditFailure records a failed audit write against gen without
// changing the session's status.
func (s *Session) noteAuditFailure(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return
	}
	s.auditWarning = auditWarningText
	s.updated = s.mgr.now().UTC()
	s.mgr.publish(s.snapshotLocked())
}
