package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
)

func collectAlerts() (AlertFunc, func() []AlertEvent) {
	var mu sync.Mutex
	var alerts []AlertEvent
	return func(e AlertEvent) {
			mu.Lock()
			alerts = append(alerts, e)
			mu.Unlock()
		}, func() []AlertEvent {
			mu.Lock()
			defer mu.Unlock()
			return append([]AlertEvent(nil), alerts...)
		}
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	fn, alerts := collectAlerts()
	collector := newMetricsCollector(fn)
	collector.loginThreshold = 5

	for range 3 {
		collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	}
	collector.ObserveEvent(storage.SecurityEvent{Kind: "2FA_VERIFY_FAILED"})
	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_SUCCESS"})
	assert.Empty(t, alerts(), "no alert below threshold")

	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	got := alerts()
	require.Len(t, got, 1)
	assert.Equal(t, AlertLoginFailureSpike, got[0].Type)
	assert.Equal(t, 5, got[0].Count)

	// The window resets after an alert.
	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	assert.Len(t, alerts(), 1)
}

func TestDownloadSpikeAlert(t *testing.T) {
	fn, alerts := collectAlerts()
	collector := newMetricsCollector(fn)
	collector.downloadThreshold = 3

	for range 2 {
		collector.ObserveEvent(storage.SecurityEvent{Kind: "DOWNLOAD_GRANTED"})
	}
	assert.Empty(t, alerts())
	collector.ObserveEvent(storage.SecurityEvent{Kind: "DOWNLOAD_GRANTED"})
	got := alerts()
	require.Len(t, got, 1)
	assert.Equal(t, AlertDownloadSpike, got[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.alerts.WithLabelValues(string(AlertDownloadSpike))))
}

func TestSlidingWindowExpiry(t *testing.T) {
	fn, alerts := collectAlerts()
	collector := newMetricsCollector(fn)
	collector.loginThreshold = 3
	collector.loginWindow = time.Minute

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }

	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	now = now.Add(2 * time.Minute)
	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	assert.Empty(t, alerts(), "old failures fall out of the window")
}

func TestNilAlertFuncStillCounts(t *testing.T) {
	collector := newMetricsCollector(nil)
	for range 3 {
		collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGIN_FAILED"})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.events.WithLabelValues("LOGIN_FAILED")))
	assert.Empty(t, collector.loginFailures)
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-3 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-30 * time.Second),
		now,
	}
	trimmed := trimWindow(times, now, 1*time.Minute)
	assert.Len(t, trimmed, 2)
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.setBuildInfo("1.2.3")
	collector.ObserveEvent(storage.SecurityEvent{Kind: "LOGOUT"})

	rec := httptest.NewRecorder()
	collector.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `lodge_security_events_total{kind="LOGOUT"} 1`)
	assert.Contains(t, body, `lodge_build_info{version="1.2.3"} 1`)
}
