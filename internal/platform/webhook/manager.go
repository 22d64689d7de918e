// Package webhook pushes signed scan events to endpoints registered by
// clinic integrations. Deliveries run on background workers with retries so
// the scan path never waits on a remote system.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"

	EventTest = "webhook.test"
)

// Endpoint is a registered delivery target.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (ep *Endpoint) clone() *Endpoint {
	cp := *ep
	cp.Events = append([]string(nil), ep.Events...)
	return &cp
}

// Redacted returns a copy without the signing secret.
func (ep *Endpoint) Redacted() *Endpoint {
	cp := ep.clone()
	cp.Secret = ""
	return cp
}

// Event is the body POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SubjectID string          `json:"subject_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func NewEvent(eventType, subjectID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal webhook event: %w", err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SubjectID: subjectID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Delivery records one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// eventMatches reports whether eventType matches a subscription pattern:
// "*", an exact type, or a prefix wildcard such as "scan.*".
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetryDelays sets the waits between attempts. An event is tried
// len(delays)+1 times.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = delays }
}

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// Manager owns endpoint registration and the delivery workers.
type Manager struct {
	store       *Store
	client      *http.Client
	logger      zerolog.Logger
	retryDelays []time.Duration
	workers     int
	queueSize   int

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64
}

// NewManager starts the delivery workers. Call Close to stop them.
func NewManager(store *Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		workers:     2,
		queueSize:   256,
	}
	for _, o := range opts {
		o(m)
	}
	m.queue = make(chan Event, m.queueSize)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return m
}

func (m *Manager) Store() *Store { return m.store }

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// Register validates and stores an endpoint. An empty secret is replaced
// with a random one; no events subscribes to everything.
func (m *Manager) Register(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// SetStatus pauses or resumes an endpoint.
func (m *Manager) SetStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return fmt.Errorf("unknown endpoint status %q", status)
	}
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

// Publish queues ev for delivery. It never blocks; it returns false when
// the queue is full or the manager is closed.
func (m *Manager) Publish(ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- ev:
		return true
	default:
		n := m.dropped.Add(1)
		m.logger.Warn().Str("event_type", ev.Type).Int64("dropped_total", n).Msg("webhook queue full, event dropped")
		return false
	}
}

// Dropped is the number of events discarded because the queue was full.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

func (m *Manager) work() {
	defer m.wg.Done()
	for ev := range m.queue {
		m.Deliver(m.ctx, ev)
	}
}

// Deliver sends ev to every active subscribed endpoint, retrying each
// independently, and returns the final attempt per endpoint.
func (m *Manager) Deliver(ctx context.Context, ev Event) []Delivery {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list webhook endpoints")
		return nil
	}
	var results []Delivery
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !ep.subscribes(ev.Type) {
			continue
		}
		results = append(results, m.deliverWithRetry(ctx, ep, ev))
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) Delivery {
	payload, err := json.Marshal(ev)
	if err != nil {
		return m.record(ctx, Delivery{EndpointID: ep.ID, EventID: ev.ID, EventType: ev.Type, Attempt: 1, Status: DeliveryFailed, Error: err.Error()})
	}

	var d Delivery
	for attempt := 1; ; attempt++ {
		d = m.deliverOnce(ctx, ep, ev, payload, attempt)
		if d.Status == DeliverySuccess || !retryable(d.StatusCode) || attempt > len(m.retryDelays) {
			break
		}
		t := time.NewTimer(m.retryDelays[attempt-1])
		select {
		case <-ctx.Done():
			t.Stop()
			return d
		case <-t.C:
		}
	}
	if d.Status != DeliverySuccess {
		m.logger.Warn().Str("endpoint_id", ep.ID).Str("event_type", ev.Type).
			Int("attempts", d.Attempt).Str("error", d.Error).Msg("webhook delivery failed")
	}
	return d
}

// retryable reports whether a response status is worth retrying. Zero
// means the request never got a response.
func retryable(status int) bool {
	switch {
	case status == 0, status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func (m *Manager) deliverOnce(ctx context.Context, ep *Endpoint, ev Event, payload []byte, attempt int) Delivery {
	now := time.Now().UTC()
	d := Delivery{
		EndpointID: ep.ID,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Attempt:    attempt,
		CreatedAt:  now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		return m.record(ctx, d)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		return m.record(ctx, d)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	d.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Status = DeliveryFailed
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return m.record(ctx, d)
}

func (m *Manager) record(ctx context.Context, d Delivery) Delivery {
	d.ID = uuid.NewString()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := m.store.RecordDelivery(context.WithoutCancel(ctx), &d); err != nil {
		m.logger.Error().Err(err).Msg("record webhook delivery")
	}
	return d
}

// Test sends a synthetic event to one endpoint, once, without retries.
func (m *Manager) Test(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	ev, err := NewEvent(EventTest, "", map[string]bool{"test": true})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	d := m.deliverOnce(ctx, ep, ev, payload, 1)
	return &d, nil
}

// Close stops accepting events and waits for queued deliveries. When ctx
// expires first, in-flight deliveries are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("webhook drain: %w", ctx.Err())
	}
}
