package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertDownloadSpike     AlertType = "download_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector exports Prometheus metrics and tracks sliding windows
// over the audit stream for anomaly alerts. It observes the audit log, so
// every recorded event is counted whichever code path produced it.
type metricsCollector struct {
	mu sync.Mutex

	// Failed password and second-factor attempts, all clients together.
	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	downloads         []time.Time
	downloadWindow    time.Duration
	downloadThreshold int

	alertFn AlertFunc
	now     func() time.Time

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	alerts   *prometheus.CounterVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	build    *prometheus.GaugeVec
}

var _ auth.Observer = (*metricsCollector)(nil)

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultDownloadWindow        = 5 * time.Minute
	defaultDownloadThreshold     = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	m := &metricsCollector{
		loginWindow:       defaultLoginFailureWindow,
		loginThreshold:    defaultLoginFailureThreshold,
		downloadWindow:    defaultDownloadWindow,
		downloadThreshold: defaultDownloadThreshold,
		alertFn:           alertFn,
		now:               time.Now,
		registry:          prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lodge_security_events_total",
			Help: "Security events recorded, by kind.",
		}, []string{"kind"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lodge_security_alerts_total",
			Help: "Anomaly alerts raised, by type.",
		}, []string{"type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lodge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lodge_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lodge_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		build: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lodge_build_info",
			Help: "Build information.",
		}, []string{"version"}),
	}
	m.registry.MustRegister(
		m.events, m.alerts, m.requests, m.duration, m.inFlight, m.build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metricsCollector) setBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	m.build.WithLabelValues(version).Set(1)
}

func (m *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent counts e and updates the anomaly windows.
func (m *metricsCollector) ObserveEvent(e storage.SecurityEvent) {
	m.events.WithLabelValues(e.Kind).Inc()
	if m.alertFn == nil {
		return
	}
	switch auth.EventKind(e.Kind) {
	case auth.EventLoginFailed, auth.EventTwoFactorVerifyFailed:
		m.recordLoginFailure()
	case auth.EventDownloadGranted:
		m.recordDownload()
	}
}

func (m *metricsCollector) recordLoginFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.loginFailures = append(m.loginFailures, now)
	m.loginFailures = trimWindow(m.loginFailures, now, m.loginWindow)

	if len(m.loginFailures) >= m.loginThreshold {
		m.raise(AlertEvent{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(m.loginFailures),
			Threshold: m.loginThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.loginFailures = m.loginFailures[:0]
	}
}

func (m *metricsCollector) recordDownload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.downloads = append(m.downloads, now)
	m.downloads = trimWindow(m.downloads, now, m.downloadWindow)

	if len(m.downloads) >= m.downloadThreshold {
		m.raise(AlertEvent{
			Type:      AlertDownloadSpike,
			Message:   "document download rate exceeds threshold",
			Count:     len(m.downloads),
			Threshold: m.downloadThreshold,
			Timestamp: now,
		})
		m.downloads = m.downloads[:0]
	}
}

func (m *metricsCollector) raise(e AlertEvent) {
	m.alerts.WithLabelValues(string(e.Type)).Inc()
	m.alertFn(e)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// instrument records request count, latency and in-flight gauge, labelled
// by the matched route pattern.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := a.metrics
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, routePattern(r), strconv.Itoa(status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.duration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
