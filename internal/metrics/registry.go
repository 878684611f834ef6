// Package metrics exposes the pipeline's Prometheus metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Step results used as label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultTimeout = "timeout"
)

// Registry holds all pickrun metrics on its own Prometheus registry
type Registry struct {
	reg *prometheus.Registry

	// Phase metrics
	PhaseDuration *prometheus.HistogramVec
	PhaseRuns     *prometheus.CounterVec

	// Run metrics
	Runs        *prometheus.CounterVec
	RunErrors   *prometheus.CounterVec
	ActiveRuns  prometheus.Gauge
	LastQuality prometheus.Gauge

	// Decision metrics
	Decisions      *prometheus.CounterVec
	FallbackLevels *prometheus.CounterVec

	// Provider metrics
	ProviderFetches  *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	ProviderRecords  *prometheus.GaugeVec

	// Risk metrics
	HardStopActive prometheus.Gauge
	DriftScore     *prometheus.GaugeVec

	// Best-effort side effects
	CacheInvalidations *prometheus.CounterVec
	Alerts             *prometheus.CounterVec
}

// NewRegistry creates and registers every metric
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pickrun_phase_duration_seconds",
				Help:    "Duration of each pipeline phase in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase", "result"},
		),
		PhaseRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_phases_total",
				Help: "Total number of pipeline phases executed",
			},
			[]string{"phase", "result"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_runs_total",
				Help: "Daily runs by final pipeline status",
			},
			[]string{"status"},
		),
		RunErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_run_errors_total",
				Help: "Errors recorded into daily runs by phase",
			},
			[]string{"phase"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pickrun_active_runs",
				Help: "Number of daily runs currently executing",
			},
		),
		LastQuality: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pickrun_last_run_data_quality",
				Help: "Run-level data quality score of the most recent run",
			},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_decisions_total",
				Help: "Policy decisions by status",
			},
			[]string{"status"},
		),
		FallbackLevels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_fallback_final_level_total",
				Help: "Predictions by the fallback level that resolved them",
			},
			[]string{"level"},
		),
		ProviderFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_provider_fetches_total",
				Help: "Provider fetches by outcome",
			},
			[]string{"provider", "result"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pickrun_provider_fetch_seconds",
				Help:    "Provider fetch latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		ProviderRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pickrun_provider_records",
				Help: "Records returned by the last fetch of each provider",
			},
			[]string{"provider"},
		),
		HardStopActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pickrun_hard_stop_active",
				Help: "1 while the hard stop is in force",
			},
		),
		DriftScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pickrun_drift_score",
				Help: "Latest confidence drift score per model version",
			},
			[]string{"model_version"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_cache_invalidations_total",
				Help: "Decision cache invalidations by outcome",
			},
			[]string{"result"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickrun_alerts_total",
				Help: "Alerts sent by channel and outcome",
			},
			[]string{"channel", "result"},
		),
	}

	r.reg.MustRegister(
		r.PhaseDuration,
		r.PhaseRuns,
		r.Runs,
		r.RunErrors,
		r.ActiveRuns,
		r.LastQuality,
		r.Decisions,
		r.FallbackLevels,
		r.ProviderFetches,
		r.ProviderDuration,
		r.ProviderRecords,
		r.HardStopActive,
		r.DriftScore,
		r.CacheInvalidations,
		r.Alerts,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry for tests and handlers
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// PhaseTimer tracks execution time for one pipeline phase
type PhaseTimer struct {
	metrics *Registry
	phase   string
	start   time.Time
}

// StartPhase begins timing a pipeline phase. A nil registry yields a timer
// that only measures.
func (r *Registry) StartPhase(phase string) *PhaseTimer {
	return &PhaseTimer{metrics: r, phase: phase, start: time.Now()}
}

// Stop records the phase duration under the given result and returns it
func (t *PhaseTimer) Stop(result string) time.Duration {
	d := time.Since(t.start)
	if t.metrics != nil {
		t.metrics.PhaseDuration.WithLabelValues(t.phase, result).Observe(d.Seconds())
		t.metrics.PhaseRuns.WithLabelValues(t.phase, result).Inc()
	}
	log.Debug().
		Str("phase", t.phase).
		Str("result", result).
		Dur("duration", d).
		Msg("Pipeline phase completed")
	return d
}

// ObserveProviderFetch records one provider fetch
func (r *Registry) ObserveProviderFetch(provider string, success bool, d time.Duration, records int) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	r.ProviderFetches.WithLabelValues(provider, result).Inc()
	r.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
	r.ProviderRecords.WithLabelValues(provider).Set(float64(records))
}

// RecordDecision counts a persisted decision
func (r *Registry) RecordDecision(status, fallbackLevel string) {
	if r == nil {
		return
	}
	r.Decisions.WithLabelValues(status).Inc()
	if fallbackLevel != "" {
		r.FallbackLevels.WithLabelValues(fallbackLevel).Inc()
	}
}

// RecordRun counts a finished run
func (r *Registry) RecordRun(status string, quality *float64) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(status).Inc()
	if quality != nil {
		r.LastQuality.Set(*quality)
	}
}

// RecordRunError counts an error recorded into a run
func (r *Registry) RecordRunError(phase string) {
	if r == nil {
		return
	}
	r.RunErrors.WithLabelValues(phase).Inc()
	log.Warn().Str("phase", phase).Msg("Pipeline error recorded")
}

// RunStarted and RunFinished track concurrently executing runs
func (r *Registry) RunStarted() {
	if r != nil {
		r.ActiveRuns.Inc()
	}
}

func (r *Registry) RunFinished() {
	if r != nil {
		r.ActiveRuns.Dec()
	}
}

// SetHardStop mirrors the hard-stop flag
func (r *Registry) SetHardStop(active bool) {
	if r == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	r.HardStopActive.Set(v)
}

// SetDrift records a drift measurement
func (r *Registry) SetDrift(modelVersion string, score float64) {
	if r == nil {
		return
	}
	r.DriftScore.WithLabelValues(modelVersion).Set(score)
}

// RecordCacheInvalidation counts one invalidation attempt
func (r *Registry) RecordCacheInvalidation(ok bool) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if !ok {
		result = ResultError
	}
	r.CacheInvalidations.WithLabelValues(result).Inc()
}

// RecordAlert counts one alert delivery attempt
func (r *Registry) RecordAlert(channel string, ok bool) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if !ok {
		result = ResultError
	}
	r.Alerts.WithLabelValues(channel, result).Inc()
}
