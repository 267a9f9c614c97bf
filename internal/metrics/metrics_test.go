package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservationsAreRecorded(t *testing.T) {
	m := New()
	m.ObserveTick(2 * time.Second)
	m.ObserveEvaluation("ok")
	m.ObserveEvaluation("failed")
	m.ObserveEvaluation("ok")
	m.ObserveDecision("SELL_NOW", "stop-loss")
	m.ObserveDelivery("slack", false)
	m.SetPositions(4, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("SELL_NOW", "stop-loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("slack", "failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PositionsMonitored))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTick(time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "exitwatch_ticks_total 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(time.Second)
		m.ObserveDecision("HOLD", "")
		m.SetMarketOpen(true)
	})
	assert.Nil(t, m.Registry())
}
