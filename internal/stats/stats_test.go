package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	su := NewStatsUpdater()
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.registry, "expected registry to be initialized")
	assert.NotNil(t, su.gauges, "expected gauges to be initialized")
	assert.NotNil(t, su.counters, "expected counters to be initialized")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	su := NewStatsUpdater()
	su.RegisterMetric(ActiveConnections)
	su.RegisterMetric(ActiveConnections)

	su.Incr(ActiveConnections)
	su.Incr(ActiveConnections)
	su.Decr(ActiveConnections)

	rr := httptest.NewRecorder()
	su.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gochat_active_connections 1")
	assert.Contains(t, rr.Body.String(), "gochat_uptime_seconds")
}

func scrape(t *testing.T, su *StatsUpdater) string {
	rr := httptest.NewRecorder()
	su.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestStatsUpdater_Counters(t *testing.T) {
	tcases := []struct {
		name   string
		metric string
		want   string
	}{
		{name: "messages sent", metric: MessagesSent, want: "gochat_messages_sent_total 2"},
		{name: "publish failures", metric: PublishFailures, want: "gochat_publish_failures_total 2"},
		{name: "broadcasts", metric: Broadcasts, want: "gochat_broadcasts_total 2"},
		{name: "dispatch failures", metric: DispatchFailures, want: "gochat_dispatch_failures_total 2"},
		{name: "user events", metric: UserEventsProcessed, want: "gochat_user_events_processed_total 2"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			su := NewStatsUpdater()
			su.RegisterMetric(tc.metric)

			su.Incr(tc.metric)
			su.Incr(tc.metric)
			su.Decr(tc.metric)

			body := scrape(t, su)
			assert.Contains(t, body, tc.want, "expected Decr to leave the counter untouched")
			assert.Contains(t, body, "# TYPE gochat_"+tc.metric+"_total counter")
		})
	}
}

func TestStatsUpdater_UnregisteredMetric(t *testing.T) {
	su := NewStatsUpdater()

	assert.NotPanics(t, func() {
		su.Incr("late_metric")
		su.Decr("never_registered")
		su.Incr("not a valid-name")
	})

	assert.Contains(t, scrape(t, su), "gochat_late_metric_total 1", "expected the metric to be registered on first use")
}
