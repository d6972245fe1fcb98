package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New()

	m.RecordTransition("active", "manual", "ok")
	m.RecordTransition("active", "manual", "ok")
	m.RecordRestart("ok")
	m.RecordOrphanPurged()
	m.RecordTrigger("daily_start")
	m.RecordSweep("health", "ran", 0.1)
	m.RecordSweep("health", "skipped", 0)
	m.SetArmedTriggers(4)
	m.SetActiveSessions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues("active", "manual", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphansPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepsTotal.WithLabelValues("health", "skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ArmedTriggers))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("inactive", "manual", "ok")
		m.RecordSweep("reconcile", "ran", 1)
		m.SetArmedTriggers(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordTrigger("onetime_start")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "streamhib_trigger_firings_total")
}
