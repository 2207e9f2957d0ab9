// Package telemetry records HTTP server metrics and request spans. Metrics
// are exported in Prometheus text format at /metrics; spans go through the
// global OpenTelemetry tracer provider, which is a no-op unless the host
// installs one.
package telemetry

import (
	"errors"
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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rxportal/rxportal/internal/platform/telemetry"

// defaultDurationBuckets are latency boundaries in seconds.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
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
	// Above every boundary: only the +Inf bucket, which equals count.
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
// Metrics
// ---------------------------------------------------------------------------

// routeKey labels a request series.
type routeKey struct {
	method, route, status string
}

// gauge is sampled at scrape time.
type gauge struct {
	name, help string
	read       func() int64
}

// Metrics holds the server's metric series. It is safe for concurrent use.
type Metrics struct {
	mu       sync.RWMutex
	requests map[routeKey]*histogram
	active   int64
	gauges   []gauge
	tracer   trace.Tracer
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{
		requests: make(map[routeKey]*histogram),
		tracer:   otel.Tracer(tracerName),
	}
}

// RegisterGauge adds a gauge read on every scrape, e.g. database pool usage.
func (m *Metrics) RegisterGauge(name, help string, read func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, read: read})
}

func (m *Metrics) observe(k routeKey, seconds float64) {
	m.mu.RLock()
	h, ok := m.requests[k]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.requests[k]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.requests[k] = h
		}
		m.mu.Unlock()
	}
	h.Observe(seconds)
}

// RequestCount returns how many requests were recorded for the series.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.requests[routeKey{method, route, strconv.Itoa(status)}]; ok {
		return h.Count()
	}
	return 0
}

// statusOf returns the status the client will see. An error still
// propagating up the chain has not been written yet.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Middleware records request latency by method, route pattern and status,
// and wraps the request in a server span. Paths starting with any of skip
// are not recorded.
func (m *Metrics) Middleware(skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, prefix := range skip {
				if strings.HasPrefix(req.URL.Path, prefix) {
					return next(c)
				}
			}

			atomic.AddInt64(&m.active, 1)
			defer atomic.AddInt64(&m.active, -1)

			ctx, span := m.tracer.Start(req.Context(), "HTTP "+req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.method", req.Method)))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := statusOf(c, err)
			span.SetName("HTTP " + req.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			m.observe(routeKey{req.Method, route, strconv.Itoa(status)}, elapsed)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves all series in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		keys := make([]routeKey, 0, len(m.requests))
		for k := range m.requests {
			keys = append(keys, k)
		}
		hists := make(map[routeKey]*histogram, len(m.requests))
		for k, h := range m.requests {
			hists[k] = h
		}
		gauges := append([]gauge(nil), m.gauges...)
		m.mu.RUnlock()

		sort.Slice(keys, func(i, j int) bool {
			a, z := keys[i], keys[j]
			if a.route != z.route {
				return a.route < z.route
			}
			if a.method != z.method {
				return a.method < z.method
			}
			return a.status < z.status
		})

		const name = "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		for _, k := range keys {
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", k.method, k.route, k.status)
			writeHistogram(&b, name, labels, hists[k])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %d\n\n", g.name, g.read())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}
