package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures one provider's circuit breaker
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ErrorRateThreshold  float64       `yaml:"error_rate_threshold"` // percent
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig returns conservative defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Minute,
		Timeout:             5 * time.Minute,
		ErrorRateThreshold:  50,
		ConsecutiveFailures: 3,
	}
}

// BreakerStatus is an operator view of one breaker
type BreakerStatus struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	Requests            uint32  `json:"requests"`
	ErrorRate           float64 `json:"errorRate"`
	ConsecutiveFailures uint32  `json:"consecutiveFailures"`
}

// BreakerManager owns one breaker per provider
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(provider string, from, to gobreaker.State)
}

// NewBreakerManager creates an empty manager
func NewBreakerManager() *BreakerManager {
	return &BreakerManager{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// OnStateChange registers a hook called on every breaker transition
func (m *BreakerManager) OnStateChange(fn func(provider string, from, to gobreaker.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Register creates the breaker for a provider
func (m *BreakerManager) Register(provider string, cfg BreakerConfig) {
	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: tripCondition(cfg),
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker changed state")
			m.mu.RLock()
			hook := m.onChange
			m.mu.RUnlock()
			if hook != nil {
				hook(name, from, to)
			}
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[provider] = gobreaker.NewCircuitBreaker(settings)
}

func tripCondition(cfg BreakerConfig) func(counts gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests >= 10 {
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			if errorRate >= cfg.ErrorRateThreshold {
				return true
			}
		}
		return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
	}
}

// Execute runs fn through the provider's breaker. An open breaker returns
// gobreaker.ErrOpenState without calling fn.
func (m *BreakerManager) Execute(provider string, fn func() ([]Record, error)) ([]Record, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[provider]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("circuit breaker not found for provider: %s", provider)
	}
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	records, _ := result.([]Record)
	return records, nil
}

// Status returns the breaker state of every provider
func (m *BreakerManager) Status() []BreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BreakerStatus, 0, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.Counts()
		var errorRate float64
		if counts.Requests > 0 {
			errorRate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
		}
		out = append(out, BreakerStatus{
			Name:                name,
			State:               b.State().String(),
			Requests:            counts.Requests,
			ErrorRate:           errorRate,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	return out
}
