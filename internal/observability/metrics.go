package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "approval_relay"

// Metrics stores Prometheus collectors used by API, worker and resolution flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	requestsAdmittedTotal   *prometheus.CounterVec
	decisionsTotal          *prometheus.CounterVec
	fanOutDeliveriesTotal   *prometheus.CounterVec
	fanInUpdatesTotal       *prometheus.CounterVec
	privilegedActionsTotal  *prometheus.CounterVec
	transportCallDuration   *prometheus.HistogramVec
	fanInSweepReplayedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsAdmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_admitted_total",
				Help:      "Access requests admitted, split into first arrivals and re-arrivals.",
			},
			[]string{"kind"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Decision attempts grouped by resolution result.",
			},
			[]string{"result"},
		),
		fanOutDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fanout_deliveries_total",
				Help:      "Prompt deliveries to reviewer targets grouped by result.",
			},
			[]string{"result"},
		),
		fanInUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fanin_updates_total",
				Help:      "Edits of fanned-out prompts to the final outcome grouped by result.",
			},
			[]string{"result"},
		),
		privilegedActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "privileged_actions_total",
				Help:      "Grant/deny calls to the protected resource grouped by action and result.",
			},
			[]string{"action", "result"},
		),
		transportCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transport_call_duration_seconds",
				Help:      "Outbound bridge call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"op"},
		),
		fanInSweepReplayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fanin_sweep_replayed_total",
				Help:      "Resolved requests whose fan-in was completed by the sweeper.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.requestsAdmittedTotal,
		m.decisionsTotal,
		m.fanOutDeliveriesTotal,
		m.fanInUpdatesTotal,
		m.privilegedActionsTotal,
		m.transportCallDuration,
		m.fanInSweepReplayedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncRequestAdmitted(created bool) {
	if m == nil {
		return
	}
	kind := "rearrival"
	if created {
		kind = "new"
	}
	m.requestsAdmittedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDecision(result string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncFanOutDelivery(delivered bool) {
	if m == nil {
		return
	}
	m.fanOutDeliveriesTotal.WithLabelValues(resultLabel(delivered)).Inc()
}

func (m *Metrics) IncFanInUpdate(updated bool) {
	if m == nil {
		return
	}
	m.fanInUpdatesTotal.WithLabelValues(resultLabel(updated)).Inc()
}

func (m *Metrics) IncPrivilegedAction(action string, succeeded bool) {
	if m == nil {
		return
	}
	m.privilegedActionsTotal.WithLabelValues(normalizeLabel(action), resultLabel(succeeded)).Inc()
}

func (m *Metrics) ObserveTransportCall(op string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.transportCallDuration.WithLabelValues(normalizeLabel(op)).Observe(seconds)
}

func (m *Metrics) IncFanInSweepReplayed() {
	if m == nil {
		return
	}
	m.fanInSweepReplayedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
