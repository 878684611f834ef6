package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/models"
)

// FetchObserver receives one observation per provider fetch
type FetchObserver interface {
	ObserveProviderFetch(provider string, success bool, duration time.Duration, records int)
}

// ProviderMetadata describes one provider fetch
type ProviderMetadata struct {
	Version        string        `json:"version"`
	Endpoint       string        `json:"endpoint"`
	FetchedAt      time.Time     `json:"fetchedAt"`
	Duration       time.Duration `json:"duration"`
	RecordCount    int           `json:"recordCount"`
	RejectedCount  int           `json:"rejectedCount"`
	QualityScore   float64       `json:"qualityScore"`
	Error          string        `json:"error,omitempty"`
	CircuitBreaker string        `json:"circuitBreaker"`
}

// ProviderResult is one provider's outcome for a run
type ProviderResult struct {
	Success  bool             `json:"success"`
	Records  []Record         `json:"-"`
	Metadata ProviderMetadata `json:"metadata"`
}

// Summary counts provider outcomes
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Result aggregates every provider's outcome
type Result struct {
	Date       time.Time                 `json:"date"`
	ByProvider map[string]ProviderResult `json:"byProvider"`
	Data       []Record                  `json:"-"`
	Summary    Summary                   `json:"summary"`
}

// Errors lists one message per failed provider, sorted by provider
func (r Result) Errors() []string {
	var out []string
	for _, name := range r.providerNames() {
		pr := r.ByProvider[name]
		if !pr.Success {
			out = append(out, fmt.Sprintf("provider %s failed: %s", name, pr.Metadata.Error))
		}
	}
	return out
}

// Fingerprints returns the audit fingerprint of every provider
func (r Result) Fingerprints() models.Fingerprints {
	out := make(models.Fingerprints, 0, len(r.ByProvider))
	for _, name := range r.providerNames() {
		pr := r.ByProvider[name]
		fp := models.DataSourceFingerprint{
			Provider:     name,
			Version:      pr.Metadata.Version,
			Success:      pr.Success,
			RecordCount:  pr.Metadata.RecordCount,
			QualityScore: pr.Metadata.QualityScore,
			FetchedAt:    pr.Metadata.FetchedAt,
			Endpoint:     pr.Metadata.Endpoint,
			Error:        pr.Metadata.Error,
		}
		if pr.Metadata.RejectedCount > 0 {
			fp.Extra = map[string]string{"rejected": fmt.Sprintf("%d", pr.Metadata.RejectedCount)}
		}
		out = append(out, fp)
	}
	return out
}

func (r Result) providerNames() []string {
	names := make([]string, 0, len(r.ByProvider))
	for name := range r.ByProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service fans out to every configured provider
type Service struct {
	providers []Provider
	breakers  *BreakerManager
	timeout   time.Duration
	observer  FetchObserver
	now       func() time.Time
}

// NewService registers a breaker per provider. A zero timeout means the
// caller's context alone bounds each fetch.
func NewService(providers []Provider, breakerCfg BreakerConfig, timeout time.Duration) *Service {
	breakers := NewBreakerManager()
	for _, p := range providers {
		breakers.Register(p.Name(), breakerCfg)
	}
	return &Service{
		providers: providers,
		breakers:  breakers,
		timeout:   timeout,
		now:       time.Now,
	}
}

// WithObserver attaches a fetch observer
func (s *Service) WithObserver(o FetchObserver) *Service {
	s.observer = o
	return s
}

// Breakers exposes breaker state
func (s *Service) Breakers() *BreakerManager {
	return s.breakers
}

// Providers returns the configured provider names
func (s *Service) Providers() []string {
	out := make([]string, len(s.providers))
	for i, p := range s.providers {
		out[i] = p.Name()
	}
	return out
}

// IngestFromAll fetches every provider concurrently and waits for all of
// them. Provider failures are recorded in the result, never returned.
func (s *Service) IngestFromAll(ctx context.Context, date time.Time) Result {
	result := Result{
		Date:       date,
		ByProvider: make(map[string]ProviderResult, len(s.providers)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range s.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			pr := s.fetchOne(ctx, p, date)

			mu.Lock()
			result.ByProvider[p.Name()] = pr
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	for _, name := range result.providerNames() {
		pr := result.ByProvider[name]
		result.Summary.Total++
		if pr.Success {
			result.Summary.Successful++
			result.Data = append(result.Data, pr.Records...)
		} else {
			result.Summary.Failed++
		}
	}

	log.Info().
		Time("date", date).
		Int("providers", result.Summary.Total).
		Int("successful", result.Summary.Successful).
		Int("failed", result.Summary.Failed).
		Int("records", len(result.Data)).
		Msg("Ingestion completed")
	return result
}

func (s *Service) fetchOne(ctx context.Context, p Provider, date time.Time) ProviderResult {
	fetchCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	records, err := s.breakers.Execute(p.Name(), func() ([]Record, error) {
		return p.Fetch(fetchCtx, date)
	})
	duration := time.Since(start)

	pr := ProviderResult{
		Metadata: ProviderMetadata{
			Version:   p.Version(),
			Endpoint:  p.Endpoint(),
			FetchedAt: s.now(),
			Duration:  duration,
		},
	}
	for _, st := range s.breakers.Status() {
		if st.Name == p.Name() {
			pr.Metadata.CircuitBreaker = st.State
		}
	}

	if err != nil {
		pr.Metadata.Error = err.Error()
		log.Warn().Err(err).Str("provider", p.Name()).Dur("duration", duration).Msg("Provider fetch failed")
		s.observe(p.Name(), false, duration, 0)
		return pr
	}

	valid := make([]Record, 0, len(records))
	for _, r := range records {
		if verr := r.Validate(); verr != nil {
			pr.Metadata.RejectedCount++
			log.Debug().Err(verr).Str("provider", p.Name()).Msg("Rejected provider record")
			continue
		}
		if r.Provider == "" {
			r.Provider = p.Name()
		}
		if r.FetchedAt.IsZero() {
			r.FetchedAt = pr.Metadata.FetchedAt
		}
		valid = append(valid, r)
	}

	pr.Success = true
	pr.Records = valid
	pr.Metadata.RecordCount = len(valid)
	if total := len(records); total > 0 {
		pr.Metadata.QualityScore = float64(len(valid)) / float64(total)
	} else {
		pr.Metadata.QualityScore = 1.0
	}
	s.observe(p.Name(), true, duration, len(valid))
	return pr
}

func (s *Service) observe(provider string, success bool, d time.Duration, records int) {
	if s.observer != nil {
		s.observer.ObserveProviderFetch(provider, success, d, records)
	}
}
