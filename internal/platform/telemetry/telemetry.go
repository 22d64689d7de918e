// Package telemetry collects process metrics for the QR identity server and
// serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are latency boundaries in seconds.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled series
// ---------------------------------------------------------------------------

// series is a metric family keyed by its ordered label values.
type series[T any] struct {
	labels []string
	mu     sync.RWMutex
	items  map[string]T
	create func() T
}

func newSeries[T any](create func() T, labels ...string) *series[T] {
	return &series[T]{labels: labels, items: make(map[string]T), create: create}
}

func (s *series[T]) with(values ...string) T {
	key := strings.Join(values, "\x00")
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return item
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok = s.items[key]; !ok {
		item = s.create()
		s.items[key] = item
	}
	return item
}

func (s *series[T]) get(values ...string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.Join(values, "\x00")]
	return item, ok
}

// each visits series in label order so scrapes are stable.
func (s *series[T]) each(fn func(labels string, item T)) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	items := make(map[string]T, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		values := strings.Split(k, "\x00")
		pairs := make([]string, len(s.labels))
		for i, name := range s.labels {
			pairs[i] = fmt.Sprintf("%s=%q", name, values[i])
		}
		fn(strings.Join(pairs, ","), items[k])
	}
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the server's metrics. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	started  time.Time
	active   atomic.Int64
	requests *series[*histogram]
	scans    *series[*atomic.Int64]
	failures *series[*atomic.Int64]

	gaugeMu sync.RWMutex
	gauges  []gauge
}

func NewRegistry() *Registry {
	newCounter := func() *atomic.Int64 { return new(atomic.Int64) }
	return &Registry{
		started:  time.Now(),
		requests: newSeries(func() *histogram { return newHistogram(durationBuckets) }, "method", "route", "status_code"),
		scans:    newSeries(newCounter, "outcome", "qr_type", "role"),
		failures: newSeries(newCounter, "error_kind"),
	}
}

// GaugeFunc registers a gauge sampled on every scrape.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	r.gaugeMu.Lock()
	r.gauges = append(r.gauges, gauge{name: name, help: help, fn: fn})
	r.gaugeMu.Unlock()
}

// ObserveScan counts one audited scan. errorKind is empty for accepted
// scans.
func (r *Registry) ObserveScan(outcome, qrType, role, errorKind string) {
	if qrType == "" {
		qrType = "unknown"
	}
	r.scans.with(outcome, qrType, role).Add(1)
	if errorKind != "" {
		r.failures.with(errorKind).Add(1)
	}
}

// ScanCount returns the count for one scan series.
func (r *Registry) ScanCount(outcome, qrType, role string) int64 {
	n, ok := r.scans.get(outcome, qrType, role)
	if !ok {
		return 0
	}
	return n.Load()
}

// Middleware records request latency by route template. Unmatched routes
// are grouped under "unmatched" to bound cardinality.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.active.Add(1)
			defer r.active.Add(-1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" || (status == http.StatusNotFound && route == "/*") {
				route = "unmatched"
			}
			r.requests.with(c.Request().Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		r.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (r *Registry) write(b *strings.Builder) {
	header(b, "qrid_http_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
	r.requests.each(func(labels string, h *histogram) {
		writeHistogram(b, "qrid_http_request_duration_seconds", labels, h)
	})

	header(b, "qrid_http_active_requests", "Requests currently being served.", "gauge")
	fmt.Fprintf(b, "qrid_http_active_requests %d\n", r.active.Load())

	header(b, "qrid_scans_total", "Audited scans by outcome, QR type and scanner role.", "counter")
	r.scans.each(func(labels string, n *atomic.Int64) {
		fmt.Fprintf(b, "qrid_scans_total{%s} %d\n", labels, n.Load())
	})

	header(b, "qrid_scan_failures_total", "Rejected scans by error kind.", "counter")
	r.failures.each(func(labels string, n *atomic.Int64) {
		fmt.Fprintf(b, "qrid_scan_failures_total{%s} %d\n", labels, n.Load())
	})

	header(b, "qrid_uptime_seconds", "Seconds since the process started.", "gauge")
	fmt.Fprintf(b, "qrid_uptime_seconds %g\n", time.Since(r.started).Seconds())

	r.gaugeMu.RLock()
	gauges := append([]gauge(nil), r.gauges...)
	r.gaugeMu.RUnlock()
	for _, g := range gauges {
		header(b, g.name, g.help, "gauge")
		fmt.Fprintf(b, "%s %g\n", g.name, g.fn())
	}
}

func header(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
