package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/eventbus"

	_ "modernc.org/sqlite"
)

func init() {
	config.SetForTesting(config.NewTestConfig())
}

func newTestMetrics(t *testing.T) (*MetricsService, *eventbus.EventBus) {
	t.Helper()
	eb := eventbus.NewEventBus()
	t.Cleanup(eb.Shutdown)
	return NewMetricsService(eb), eb
}

func scanEvent(typ domain.EventType, data map[string]interface{}) domain.Event {
	return domain.Event{AggregateType: "scan", AggregateID: "s-1", EventType: typ, EventData: data}
}

func TestNewMetricsService_PrivateRegistry(t *testing.T) {
	// Two services must not collide; the default registry is never touched.
	m1, _ := newTestMetrics(t)
	m2, _ := newTestMetrics(t)
	if m1.Registry() == m2.Registry() {
		t.Error("each service should own its registry")
	}
}

func TestMetricsService_Handler_ReturnsMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.scansTotal.WithLabelValues("availability", "completed").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Handler returned %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`panoguard_scans_total{mode="availability",outcome="completed"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q", want)
		}
	}
}

func TestHandleScanLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.handleScanStarted(scanEvent(domain.ScanStarted, nil))
	m.handleScanStarted(scanEvent(domain.ScanStarted, nil))
	if got := testutil.ToFloat64(m.activeScans); got != 2 {
		t.Errorf("active scans = %v, want 2", got)
	}

	m.handleScanCompleted(scanEvent(domain.ScanCompleted, map[string]interface{}{
		"mode":          "availability",
		"checked":       int64(7),
		"removed":       int64(2),
		"indeterminate": int64(0),
		"duration_ms":   int64(2500),
	}))
	m.handleScanFailed(scanEvent(domain.ScanFailed, map[string]interface{}{
		"mode":   "refresh",
		"reason": "client_gone",
	}))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"active", testutil.ToFloat64(m.activeScans), 0},
		{"completed", testutil.ToFloat64(m.scansTotal.WithLabelValues("availability", "completed")), 1},
		{"interrupted", testutil.ToFloat64(m.scansTotal.WithLabelValues("refresh", "interrupted")), 1},
		{"checked", testutil.ToFloat64(m.locationsTotal.WithLabelValues("availability", "checked")), 7},
		{"removed", testutil.ToFloat64(m.locationsTotal.WithLabelValues("availability", "removed")), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.scanDuration); n != 1 {
		t.Errorf("scan duration series = %d, want 1", n)
	}
}

func TestHandleScanFailed_Outcome(t *testing.T) {
	tests := []struct {
		reason  string
		outcome string
	}{
		{"client_gone", "interrupted"},
		{"shutdown", "interrupted"},
		{"storage", "failed"},
		{"", "failed"},
	}
	for _, tt := range tests {
		m, _ := newTestMetrics(t)
		m.handleScanFailed(scanEvent(domain.ScanFailed, map[string]interface{}{"mode": "availability", "reason": tt.reason}))
		if got := testutil.ToFloat64(m.scansTotal.WithLabelValues("availability", tt.outcome)); got != 1 {
			t.Errorf("reason %q: %s = %v, want 1", tt.reason, tt.outcome, got)
		}
	}
}

func TestActiveScans_NoNegative(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.handleScanFailed(scanEvent(domain.ScanFailed, nil))
	if got := testutil.ToFloat64(m.activeScans); got != 0 {
		t.Errorf("active scans = %v, want 0", got)
	}
}

func TestObserveResolver(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.ObserveResolver("check", domain.Resolved, 20*time.Millisecond)
	m.ObserveResolver("check", domain.NotFound, 10*time.Millisecond)
	m.ObserveResolver("check", domain.NotFound, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.resolverRequests.WithLabelValues("check", "not_found")); got != 2 {
		t.Errorf("not_found = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.resolverRequests.WithLabelValues("check", "resolved")); got != 1 {
		t.Errorf("resolved = %v, want 1", got)
	}
}

func TestRegisterDB(t *testing.T) {
	m, _ := newTestMetrics(t)
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := m.RegisterDB(db); err != nil {
		t.Fatalf("RegisterDB() error = %v", err)
	}
	if err := m.RegisterDB(db); err != nil {
		t.Errorf("second RegisterDB() error = %v, want nil", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "go_sql_open_connections") {
		t.Error("db stats missing from /metrics")
	}
}

func TestMetricsService_Start(t *testing.T) {
	m, eb := newTestMetrics(t)
	m.Start()

	_ = eb.Publish(scanEvent(domain.ScanStarted, map[string]interface{}{"mode": "availability"}))
	_ = eb.Publish(domain.Event{EventType: domain.LocationsImported, EventData: map[string]interface{}{"count": int64(5)}})
	_ = eb.Publish(domain.Event{EventType: domain.NotificationSent})

	deadline := time.Now().Add(2 * time.Second)
	for {
		imported := testutil.ToFloat64(m.locationChanges.WithLabelValues("imported"))
		sent := testutil.ToFloat64(m.notificationsTotal.WithLabelValues("sent"))
		active := testutil.ToFloat64(m.activeScans)
		if imported == 5 && sent == 1 && active == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("imported=%v sent=%v active=%v, want 5/1/1", imported, sent, active)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m, _ := newTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.handleScanStarted(domain.Event{})
			m.ObserveResolver("id", domain.TransientError, time.Millisecond)
			m.handleScanCompleted(domain.Event{EventData: map[string]interface{}{"mode": "refresh", "updated": int64(1)}})
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.activeScans); got != 0 {
		t.Errorf("active scans = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.locationsTotal.WithLabelValues("refresh", "updated")); got != 100 {
		t.Errorf("updated = %v, want 100", got)
	}
}
