package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertTOTPFailureSpike  AlertType = "totp_failure_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
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

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultTOTPFailureWindow     = 5 * time.Minute
	defaultTOTPFailureThreshold  = 20
	defaultRateLimitWindow       = 1 * time.Minute
	defaultRateLimitThreshold    = 200
)

// slidingWindow counts event timestamps within a trailing window.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	times     []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures *slidingWindow
	totpFailures  *slidingWindow
	rateLimited   *slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: &slidingWindow{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		totpFailures: &slidingWindow{
			alert:     AlertTOTPFailureSpike,
			message:   "two-factor failure rate exceeds threshold",
			window:    defaultTOTPFailureWindow,
			threshold: defaultTOTPFailureThreshold,
		},
		rateLimited: &slidingWindow{
			alert:     AlertRateLimitSpike,
			message:   "rate-limited request count exceeds threshold",
			window:    defaultRateLimitWindow,
			threshold: defaultRateLimitThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(m.loginFailures)
	case AuditTOTPFailure, AuditFreshTOTPFailure:
		m.record(m.totpFailures)
	case AuditRateLimited:
		m.record(m.rateLimited)
	}
}

func (m *metricsCollector) record(w *slidingWindow) {
	m.mu.Lock()
	now := m.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.window)

	var alert *AlertEvent
	if len(w.times) >= w.threshold {
		alert = &AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
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
