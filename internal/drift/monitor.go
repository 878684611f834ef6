// Package drift scores how far a model's recent confidence distribution has
// moved from its validation baseline using the population stability index.
package drift

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/registry"
)

const bins = 10

// epsilon keeps empty bins out of the logarithm
const epsilon = 1e-4

// ConfidenceSource supplies recent confidences for a model version
type ConfidenceSource interface {
	RecentConfidences(ctx context.Context, modelVersion string, since time.Time, limit int) ([]float64, error)
}

// Config controls the drift window
type Config struct {
	Window     time.Duration `yaml:"window"`
	MinSamples int           `yaml:"min_samples"`
	MaxSamples int           `yaml:"max_samples"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Window:     14 * 24 * time.Hour,
		MinSamples: 30,
		MaxSamples: 500,
	}
}

// Validate checks the window settings
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("drift window must be positive")
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("drift min_samples must be at least 1")
	}
	if c.MaxSamples < c.MinSamples {
		return fmt.Errorf("drift max_samples %d below min_samples %d", c.MaxSamples, c.MinSamples)
	}
	return nil
}

// Result is one drift measurement
type Result struct {
	ModelVersion string    `json:"modelVersion"`
	Score        float64   `json:"score"`
	Samples      int       `json:"samples"`
	Available    bool      `json:"available"`
	Reason       string    `json:"reason,omitempty"`
	MeasuredAt   time.Time `json:"measuredAt"`
}

// Monitor computes drift per model version and memoizes results for a
// configurable TTL so one run reads each model's history once
type Monitor struct {
	config Config
	source ConfidenceSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]Result
}

// NewMonitor creates a drift monitor
func NewMonitor(config Config, source ConfidenceSource) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid drift config: %w", err)
	}
	return &Monitor{
		config: config,
		source: source,
		ttl:    10 * time.Minute,
		now:    time.Now,
		cache:  make(map[string]Result),
	}, nil
}

// WithClock overrides the monitor's time source
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Score returns the drift score for a model. A missing baseline or a failed
// history read yields an unavailable result; too few samples yields score 0.
func (m *Monitor) Score(ctx context.Context, model registry.ModelInfo) Result {
	now := m.now()

	m.mu.Lock()
	if cached, ok := m.cache[model.Version]; ok && now.Sub(cached.MeasuredAt) < m.ttl {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	res := m.measure(ctx, model, now)
	if res.Available {
		m.mu.Lock()
		m.cache[model.Version] = res
		m.mu.Unlock()
	}
	return res
}

// Invalidate drops memoized results
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]Result)
}

func (m *Monitor) measure(ctx context.Context, model registry.ModelInfo, now time.Time) Result {
	res := Result{ModelVersion: model.Version, MeasuredAt: now}

	if len(model.BaselineConfidence) != bins {
		res.Reason = "model has no confidence baseline"
		return res
	}

	samples, err := m.source.RecentConfidences(ctx, model.Version, now.Add(-m.config.Window), m.config.MaxSamples)
	if err != nil {
		res.Reason = fmt.Sprintf("failed to read recent confidences: %v", err)
		log.Warn().Err(err).Str("model_version", model.Version).Msg("Drift measurement unavailable")
		return res
	}

	res.Samples = len(samples)
	res.Available = true
	if len(samples) < m.config.MinSamples {
		res.Reason = fmt.Sprintf("only %d samples, need %d", len(samples), m.config.MinSamples)
		return res
	}

	res.Score = PSI(model.BaselineConfidence, Histogram(samples))
	log.Debug().
		Str("model_version", model.Version).
		Int("samples", res.Samples).
		Float64("psi", res.Score).
		Msg("Drift measured")
	return res
}

// Histogram buckets confidences in [0,1] into decile shares
func Histogram(values []float64) []float64 {
	out := make([]float64, bins)
	if len(values) == 0 {
		return out
	}
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		idx := int(v * bins)
		if idx < 0 {
			idx = 0
		}
		if idx >= bins {
			idx = bins - 1
		}
		out[idx]++
		n++
	}
	if n == 0 {
		return out
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// PSI is the population stability index between two share distributions
func PSI(expected, actual []float64) float64 {
	if len(expected) != len(actual) {
		return math.Inf(1)
	}
	var psi float64
	for i := range expected {
		e := math.Max(expected[i], epsilon)
		a := math.Max(actual[i], epsilon)
		psi += (a - e) * math.Log(a/e)
	}
	return psi
}
