package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestKeyExportSpikeAlert(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 3

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditKeyExportRequested)
	}
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditKeyExportRequested)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertKeyExportSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, 3, alerts[0].Threshold)

	// The counter resets after an alert.
	collector.recordEvent(AuditKeyExportRequested)
	assert.Len(t, rec.snapshot(), 1)
}

func TestRevocationAndDeniedAlerts(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.revocations.threshold = 2
	collector.denials.threshold = 2

	collector.recordEvent(AuditCertRevoked)
	collector.recordEvent(AuditPermissionDenied)
	collector.recordEvent(AuditCertRevoked)
	collector.recordEvent(AuditAuthFailure)

	alerts := rec.snapshot()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
	assert.Equal(t, AlertDeniedSpike, alerts[1].Type)
}

func TestAlertWindowExpiry(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 2

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.recordEvent(AuditKeyExportRequested)

	now = now.Add(defaultExportWindow + time.Second)
	collector.recordEvent(AuditKeyExportRequested)
	assert.Empty(t, rec.snapshot(), "events outside the window do not count")
}

func TestUnrelatedEventsIgnored(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 1
	collector.revocations.threshold = 1
	collector.denials.threshold = 1

	for _, e := range []AuditEvent{AuditCertIssued, AuditCRLServed, AuditKeyExportDownloaded} {
		collector.recordEvent(e)
	}
	assert.Empty(t, rec.snapshot())

	var nilCollector *metricsCollector
	nilCollector.recordEvent(AuditKeyExportRequested)
}

func TestAuditLoggerFeedsMetrics(t *testing.T) {
	var rec alertRecorder
	al := newAuditLogger(discardLogger())
	al.metrics = newMetricsCollector(rec.record)
	al.metrics.exports.threshold = 1

	al.logEvent(AuditKeyExportRequested, httptest.NewRequest("POST", "/", nil), "alice")
	require.Len(t, rec.snapshot(), 1)
}

func TestAuditFailureLevel(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.logFailure(AuditPermissionDenied, httptest.NewRequest("POST", "/certificates/x/revoke", nil), "denied")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "permission_denied", entry["event"])
	assert.Equal(t, "/certificates/x/revoke", entry["path"])
	assert.Equal(t, "audit", entry["component"])
}
