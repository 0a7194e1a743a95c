package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertKeyExportSpike  AlertType = "key_export_spike"
	AlertRevocationSpike AlertType = "revocation_spike"
	AlertDeniedSpike     AlertType = "denied_spike"
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

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	exports     *slidingWindow
	revocations *slidingWindow
	denials     *slidingWindow

	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultExportWindow        = 5 * time.Minute
	defaultExportThreshold     = 10
	defaultRevocationWindow    = 5 * time.Minute
	defaultRevocationThreshold = 20
	defaultDeniedWindow        = 1 * time.Minute
	defaultDeniedThreshold     = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		exports: &slidingWindow{
			window:    defaultExportWindow,
			threshold: defaultExportThreshold,
			alert:     AlertKeyExportSpike,
			message:   "private key export rate exceeds threshold",
		},
		revocations: &slidingWindow{
			window:    defaultRevocationWindow,
			threshold: defaultRevocationThreshold,
			alert:     AlertRevocationSpike,
			message:   "revocation rate exceeds threshold",
		},
		denials: &slidingWindow{
			window:    defaultDeniedWindow,
			threshold: defaultDeniedThreshold,
			alert:     AlertDeniedSpike,
			message:   "denied and unauthenticated request rate exceeds threshold",
		},
		now:     time.Now,
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditKeyExportRequested:
		m.record(m.exports)
	case AuditCertRevoked:
		m.record(m.revocations)
	case AuditPermissionDenied, AuditAuthFailure:
		m.record(m.denials)
	}
}

func (m *metricsCollector) record(w *slidingWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.events = append(w.events, now)
	w.events = trimWindow(w.events, now, w.window)

	if len(w.events) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.events),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.events = w.events[:0]
	}
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
