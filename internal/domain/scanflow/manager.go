package scanflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/domain/subject"
	"github.com/eclinic/qrid/internal/platform/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultAuditTimeout = 5 * time.Second
	defaultIdleTimeout  = 15 * time.Minute
	defaultMaxPerActor  = 8
)

type Config struct {
	// AuditTimeout bounds each asynchronous audit write.
	AuditTimeout time.Duration
	// IdleTimeout is how long a session may go untouched before it is closed
	// and its capture source released.
	IdleTimeout time.Duration
	// MaxPerActor caps the sessions one actor may hold open.
	MaxPerActor int
}

// Deps are the collaborators a Manager drives. Publisher may be nil.
type Deps struct {
	Decoder   Decoder
	Auditor   Auditor
	Lookup    Lookup
	Publisher websocket.EventPublisher
}

// Manager owns the open scan sessions.
type Manager struct {
	deps    Deps
	decoder Decoder
	auditor Auditor
	lookup  Lookup
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	reaperStop chan struct{}
	reaperDone chan struct{}

	auditMu      sync.Mutex
	auditPending int
	auditIdle    []chan struct{}
}

// NewManager starts the idle-session reaper. Call Shutdown to stop it.
func NewManager(deps Deps, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = defaultAuditTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxPerActor <= 0 {
		cfg.MaxPerActor = defaultMaxPerActor
	}
	m := &Manager{
		deps:       deps,
		decoder:    deps.Decoder,
		auditor:    deps.Auditor,
		lookup:     deps.Lookup,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scanflow").Logger(),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop(reapInterval(cfg.IdleTimeout))
	return m
}

func reapInterval(idle time.Duration) time.Duration {
	return min(max(idle/4, time.Second), time.Minute)
}

func (m *Manager) reapLoop(every time.Duration) {
	defer close(m.reaperDone)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-t.C:
			m.ReapIdle()
		}
	}
}

// ReapIdle closes every session untouched for longer than the idle timeout
// and returns how many were closed.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().UTC().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.lastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.id).Msg("release capture source")
		}
		m.logger.Info().
			Str("session_id", s.id).
			Str("actor_id", s.actor.ID).
			Msg("idle scan session closed")
	}
	return len(idle)
}

// Open acquires src and starts a session in Capturing for actor.
func (m *Manager) Open(ctx context.Context, actor scanaudit.Actor, src CaptureSource) (*Session, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no source", ErrCaptureUnavailable)
	}
	if err := src.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	now := m.now().UTC()
	s := &Session{
		id:      uuid.New().String(),
		actor:   actor,
		mgr:     m,
		source:  src,
		created: now,
		status:  StatusIdle,
		updated: now,
	}

	m.mu.Lock()
	var refuse error
	switch {
	case m.closed:
		refuse = ErrManagerClosed
	case m.countLocked(actor.ID) >= m.cfg.MaxPerActor:
		refuse = fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.cfg.MaxPerActor)
	}
	if refuse != nil {
		m.mu.Unlock()
		if err := src.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("release capture source")
		}
		return nil, refuse
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.setStatusLocked(StatusCapturing)
	s.mu.Unlock()

	m.logger.Info().
		Str("session_id", s.id).
		Str("actor_id", actor.ID).
		Str("role", string(actor.Role)).
		Msg("scan session opened")
	return s, nil
}

// Get returns the session when it belongs to actorID and marks it active.
func (m *Manager) Get(id, actorID string) (*Session, error) {
	s, err := m.owned(id, actorID)
	if err != nil {
		return nil, err
	}
	s.touch()
	return s, nil
}

// owned looks the session up without taking its lock; the websocket hub
// calls CanObserve while holding its own.
func (m *Manager) owned(id, actorID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.actor.ID != actorID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close ends the session id owned by actorID.
func (m *Manager) Close(id, actorID string) error {
	s, err := m.Get(id, actorID)
	if err != nil {
		return err
	}
	return s.Close()
}

// CanObserve reports whether actorID may subscribe to the session's events.
func (m *Manager) CanObserve(sessionID, actorID string) bool {
	_, err := m.owned(sessionID, actorID)
	return err == nil
}

func (m *Manager) countLocked(actorID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.actor.ID == actorID {
			n++
		}
	}
	return n
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown refuses new sessions, closes every open one and waits for
// outstanding audit writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		close(m.reaperStop)
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.id).Msg("release capture source")
		}
	}
	select {
	case <-m.reaperDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Drain(ctx)
}

// Drain waits for in-flight audit writes or ctx, whichever ends first.
func (m *Manager) Drain(ctx context.Context) error {
	m.auditMu.Lock()
	if m.auditPending == 0 {
		m.auditMu.Unlock()
		return nil
	}
	done := make(chan struct{})
	m.auditIdle = append(m.auditIdle, done)
	m.auditMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// dispatchAudit runs write on its own goroutine so a slow sink never gates
// the session. The write outlives cancellation of ctx.
func (m *Manager) dispatchAudit(ctx context.Context, s *Session, gen uint64, write func(ctx context.Context) error) {
	m.auditMu.Lock()
	m.auditPending++
	m.auditMu.Unlock()

	go func() {
		defer m.auditFinished()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AuditTimeout)
		defer cancel()
		if err := write(actx); err != nil {
			s.noteAuditFailure(gen)
		}
	}()
}

func (m *Manager) auditFinished() {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	m.auditPending--
	if m.auditPending == 0 {
		for _, ch := range m.auditIdle {
			close(ch)
		}
		m.auditIdle = nil
	}
}

// resolve finds the record to present. Emergency cards carry their own
// content and never touch the store.
func (m *Manager) resolve(ctx context.Context, tok *qrtoken.Token) (*subject.Record, error) {
	if em, ok := tok.Inner().(qrtoken.EmergencyPayload); ok {
		return emergencyRecord(em)
	}
	rec, err := m.lookup.FetchBySubjectID(ctx, tok.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordLookupFailed, err)
	}
	return rec, nil
}

func emergencyRecord(p qrtoken.EmergencyPayload) (*subject.Record, error) {
	summary, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = p.EntityID
	}
	return &subject.Record{
		SubjectID:   p.EntityID,
		SubjectType: subject.TypePatient,
		DisplayName: name,
		Summary:     summary,
	}, nil
}

func (m *Manager) publish(snap Snapshot) {
	if m.deps.Publisher == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", snap.ID).Msg("marshal scan session event")
		return
	}
	eventType := "scan-session." + string(snap.Status)
	if snap.Closed {
		eventType = "scan-session.closed"
	}
	evt := websocket.Event{
		Type:      eventType,
		Topic:     Topic(snap.ID),
		SessionID: snap.ID,
		Timestamp: snap.UpdatedAt,
		Data:      data,
	}
	if err := m.deps.Publisher.Publish(context.Background(), evt); err != nil {
		m.logger.Warn().Err(err).Str("session_id", snap.ID).Msg("publish scan session event")
	}
}
