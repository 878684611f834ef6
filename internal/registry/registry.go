// Package registry resolves model identifiers to model metadata for the
// fallback chain and the drift monitor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrModelNotFound is returned for unknown or retired models
var ErrModelNotFound = errors.New("model not found")

// ModelStatus is the lifecycle stage of a registered model
type ModelStatus string

const (
	ModelActive    ModelStatus = "active"
	ModelValidated ModelStatus = "validated"
	ModelRetired   ModelStatus = "retired"
)

// FeatureRange bounds a feature value for schema validation
type FeatureRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the range
func (r FeatureRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ModelInfo describes a servable model
type ModelInfo struct {
	ID               string                  `yaml:"id" json:"id"`
	Version          string                  `yaml:"version" json:"version"`
	ServiceModelType string                  `yaml:"service_model_type" json:"serviceModelType"`
	Status           ModelStatus             `yaml:"status" json:"status"`
	RequiredSources  []string                `yaml:"required_sources" json:"requiredSources"`
	RequiredFeatures []string                `yaml:"required_features" json:"requiredFeatures"`
	FeatureRanges    map[string]FeatureRange `yaml:"feature_ranges" json:"featureRanges"`
	MaxStaleness     time.Duration           `yaml:"max_staleness" json:"maxStaleness"`
	// BaselineConfidence is the validation-time share of predictions per
	// confidence decile, used for drift scoring
	BaselineConfidence []float64 `yaml:"baseline_confidence" json:"baselineConfidence"`
	ValidatedAt        time.Time `yaml:"validated_at" json:"validatedAt"`
}

// Validate checks a model definition before it is registered
func (m ModelInfo) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("model %s: version is required", m.ID)
	}
	switch m.Status {
	case ModelActive, ModelValidated, ModelRetired:
	default:
		return fmt.Errorf("model %s: invalid status %q", m.ID, m.Status)
	}
	if m.MaxStaleness < 0 {
		return fmt.Errorf("model %s: max_staleness cannot be negative", m.ID)
	}
	for name, r := range m.FeatureRanges {
		if r.Min > r.Max {
			return fmt.Errorf("model %s: feature %s range min %.3f exceeds max %.3f", m.ID, name, r.Min, r.Max)
		}
	}
	if n := len(m.BaselineConfidence); n != 0 && n != 10 {
		return fmt.Errorf("model %s: baseline_confidence needs 10 deciles, got %d", m.ID, n)
	}
	return nil
}

// Registry is the read-side contract consumed by the pipeline
type Registry interface {
	GetModel(ctx context.Context, id string) (*ModelInfo, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// MemoryRegistry is a registry seeded from configuration
type MemoryRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

// NewMemoryRegistry validates and registers the given models
func NewMemoryRegistry(models []ModelInfo) (*MemoryRegistry, error) {
	r := &MemoryRegistry{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a model definition
func (r *MemoryRegistry) Register(m ModelInfo) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("failed to register model: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
	return nil
}

// GetModel returns the model with the given id. Retired models are not
// servable and resolve to ErrModelNotFound.
func (r *MemoryRegistry) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok || m.Status == ModelRetired {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return &m, nil
}

// ListModels returns all registered models sorted by id
func (r *MemoryRegistry) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByVersion returns the first non-retired model with the given version
func (r *MemoryRegistry) FindByVersion(ctx context.Context, version string) (*ModelInfo, error) {
	models, err := r.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range models {
		if models[i].Version == version && models[i].Status != ModelRetired {
			return &models[i], nil
		}
	}
	return nil, fmt.Errorf("%w: version %s", ErrModelNotFound, version)
}
