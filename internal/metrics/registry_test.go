package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestRegistry_Decisions(t *testing.T) {
	r := NewRegistry()
	r.RecordDecision("PICK", "primary")
	r.RecordDecision("PICK", "secondary")
	r.RecordDecision("NO_BET", "")

	assert.Equal(t, 2.0, counterValue(t, r.Decisions.WithLabelValues("PICK")))
	assert.Equal(t, 1.0, counterValue(t, r.Decisions.WithLabelValues("NO_BET")))
	assert.Equal(t, 1.0, counterValue(t, r.FallbackLevels.WithLabelValues("secondary")))
}

func TestRegistry_ProviderFetch(t *testing.T) {
	r := NewRegistry()
	r.ObserveProviderFetch("espn", true, 120*time.Millisecond, 9)
	r.ObserveProviderFetch("odds", false, time.Second, 0)

	assert.Equal(t, 1.0, counterValue(t, r.ProviderFetches.WithLabelValues("espn", ResultSuccess)))
	assert.Equal(t, 1.0, counterValue(t, r.ProviderFetches.WithLabelValues("odds", ResultError)))
	assert.Equal(t, 9.0, counterValue(t, r.ProviderRecords.WithLabelValues("espn")))
}

func TestRegistry_HardStopAndRuns(t *testing.T) {
	r := NewRegistry()
	r.SetHardStop(true)
	assert.Equal(t, 1.0, counterValue(t, r.HardStopActive))
	r.SetHardStop(false)
	assert.Equal(t, 0.0, counterValue(t, r.HardStopActive))

	q := 0.82
	r.RecordRun("completed", &q)
	assert.Equal(t, 0.82, counterValue(t, r.LastQuality))

	r.RunStarted()
	r.RunStarted()
	r.RunFinished()
	assert.Equal(t, 1.0, counterValue(t, r.ActiveRuns))
}

func TestPhaseTimer(t *testing.T) {
	r := NewRegistry()
	d := r.StartPhase("ingestion").Stop(ResultSuccess)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Equal(t, 1.0, counterValue(t, r.PhaseRuns.WithLabelValues("ingestion", ResultSuccess)))

	var nilReg *Registry
	assert.NotPanics(t, func() {
		nilReg.StartPhase("x").Stop(ResultError)
		nilReg.RecordDecision("PICK", "primary")
		nilReg.ObserveProviderFetch("espn", true, 0, 0)
	})
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.RecordAlert("slack", true)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `pickrun_alerts_total{channel="slack",result="success"} 1`)
}
