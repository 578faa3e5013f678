package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	// Override threshold for fast testing.
	collector.loginFailures.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
}

func TestTOTPFailureSpikeCountsBothFlavours(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.totpFailures.threshold = 3

	collector.recordEvent(AuditTOTPFailure)
	collector.recordEvent(AuditFreshTOTPFailure)
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditTOTPFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTOTPFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestRateLimitSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.rateLimited.threshold = 2

	collector.recordEvent(AuditRateLimited)
	collector.recordEvent(AuditLoginSuccess)
	assert.Empty(t, sink.snapshot(), "unrelated events are not counted")

	collector.recordEvent(AuditRateLimited)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRateLimitSpike, alerts[0].Type)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	assert.NotPanics(t, func() { collector.recordEvent(AuditLoginFailure) })
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	assert.NotPanics(t, func() { collector.recordEvent(AuditLoginFailure) })
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.loginFailures.threshold = 5
	collector.loginFailures.window = time.Minute

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}

	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, sink.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.loginFailures.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, sink.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.snapshot(), 2, "second alert triggered")
}
