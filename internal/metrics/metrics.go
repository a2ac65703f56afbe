package metrics

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
)

const namespace = "panoguard"

// Counter keys carried in ScanCompleted event data.
var scanResultKeys = []string{"checked", "removed", "skipped", "indeterminate", "updated", "failed"}

// MetricsService exposes Prometheus metrics for PanoGuard
type MetricsService struct {
	eventBus *eventbus.EventBus
	registry *prometheus.Registry

	// Counters
	scansTotal         *prometheus.CounterVec
	locationsTotal     *prometheus.CounterVec
	resolverRequests   *prometheus.CounterVec
	locationChanges    *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec

	// Gauges
	activeScans prometheus.Gauge

	// Histograms
	scanDuration    *prometheus.HistogramVec
	resolverLatency *prometheus.HistogramVec

	// Internal tracking
	mu              sync.Mutex
	activeScanCount int
	dbRegistered    bool
}

// NewMetricsService creates the metrics and registers them on a private registry.
func NewMetricsService(eb *eventbus.EventBus) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		registry: prometheus.NewRegistry(),

		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of scans by mode and outcome",
			},
			[]string{"mode", "outcome"}, // completed, failed, interrupted
		),

		locationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_locations_total",
				Help:      "Locations visited by completed scans, by mode and result",
			},
			[]string{"mode", "result"},
		),

		resolverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_requests_total",
				Help:      "Street View metadata requests by method and status",
			},
			[]string{"method", "status"},
		),

		locationChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_changes_total",
				Help:      "Locations imported, restored or purged outside of scans",
			},
			[]string{"action"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications sent by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		activeScans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_scans",
				Help:      "Number of scans currently streaming",
			},
		),

		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of completed scans in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5hours
			},
			[]string{"mode"},
		),

		resolverLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_request_duration_seconds",
				Help:      "Latency of Street View metadata requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scansTotal,
		m.locationsTotal,
		m.resolverRequests,
		m.locationChanges,
		m.notificationsTotal,
		m.activeScans,
		m.scanDuration,
		m.resolverLatency,
	)

	return m
}

// RegisterDB adds connection pool statistics for db. Only the first call registers.
func (m *MetricsService) RegisterDB(db *sql.DB) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbRegistered {
		return nil
	}
	if err := m.registry.Register(collectors.NewDBStatsCollector(db, namespace)); err != nil {
		return err
	}
	m.dbRegistered = true
	return nil
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.ScanStarted, m.handleScanStarted)
	m.eventBus.Subscribe(domain.ScanCompleted, m.handleScanCompleted)
	m.eventBus.Subscribe(domain.ScanFailed, m.handleScanFailed)
	m.eventBus.Subscribe(domain.LocationsImported, m.handleLocationChange("imported"))
	m.eventBus.Subscribe(domain.LocationsRestored, m.handleLocationChange("restored"))
	m.eventBus.Subscribe(domain.LocationsPurged, m.handleLocationChange("purged"))
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.eventBus.Subscribe(domain.NotificationFailed, m.handleNotificationFailed)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the private registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveResolver records one resolver request. It matches the
// streetview.Observer signature.
func (m *MetricsService) ObserveResolver(method string, status domain.ResolutionStatus, elapsed time.Duration) {
	m.resolverRequests.WithLabelValues(method, status.String()).Inc()
	m.resolverLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Event handlers

func (m *MetricsService) handleScanStarted(event domain.Event) {
	m.mu.Lock()
	m.activeScanCount++
	m.activeScans.Set(float64(m.activeScanCount))
	m.mu.Unlock()
}

func (m *MetricsService) scanEnded() {
	m.mu.Lock()
	if m.activeScanCount > 0 {
		m.activeScanCount--
		m.activeScans.Set(float64(m.activeScanCount))
	}
	m.mu.Unlock()
}

func (m *MetricsService) handleScanCompleted(event domain.Event) {
	mode := event.GetStringOr("mode", "unknown")
	m.scansTotal.WithLabelValues(mode, "completed").Inc()

	for _, key := range scanResultKeys {
		if n, ok := event.GetInt64(key); ok && n > 0 {
			m.locationsTotal.WithLabelValues(mode, key).Add(float64(n))
		}
	}
	if ms, ok := event.GetInt64("duration_ms"); ok {
		m.scanDuration.WithLabelValues(mode).Observe(float64(ms) / 1000)
	}
	m.scanEnded()
}

func (m *MetricsService) handleScanFailed(event domain.Event) {
	outcome := "failed"
	switch event.GetStringOr("reason", "") {
	case "client_gone", "shutdown":
		outcome = "interrupted"
	}
	m.scansTotal.WithLabelValues(event.GetStringOr("mode", "unknown"), outcome).Inc()
	m.scanEnded()
}

func (m *MetricsService) handleLocationChange(action string) func(domain.Event) {
	return func(event domain.Event) {
		if n, ok := event.GetInt64("count"); ok && n > 0 {
			m.locationChanges.WithLabelValues(action).Add(float64(n))
		}
	}
}

func (m *MetricsService) handleNotificationSent(event domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(event domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}
