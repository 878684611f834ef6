package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModels() []ModelInfo {
	return []ModelInfo{
		{ID: "nba-v3-2025", Version: "v3.2025", ServiceModelType: "2025", Status: ModelActive, MaxStaleness: 6 * time.Hour},
		{ID: "nba-v3-global", Version: "v3.global", ServiceModelType: "global", Status: ModelValidated, MaxStaleness: 6 * time.Hour},
		{ID: "nba-v2", Version: "v2", ServiceModelType: "v2", Status: ModelRetired},
	}
}

func TestMemoryRegistry_GetModel(t *testing.T) {
	reg, err := NewMemoryRegistry(testModels())
	require.NoError(t, err)
	ctx := context.Background()

	m, err := reg.GetModel(ctx, "nba-v3-2025")
	require.NoError(t, err)
	assert.Equal(t, "v3.2025", m.Version)

	_, err = reg.GetModel(ctx, "missing")
	assert.True(t, errors.Is(err, ErrModelNotFound))

	_, err = reg.GetModel(ctx, "nba-v2")
	assert.True(t, errors.Is(err, ErrModelNotFound), "retired models must not resolve")
}

func TestMemoryRegistry_ListModelsSorted(t *testing.T) {
	reg, err := NewMemoryRegistry(testModels())
	require.NoError(t, err)

	models, err := reg.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "nba-v2", models[0].ID)
	assert.Equal(t, "nba-v3-global", models[2].ID)
}

func TestMemoryRegistry_FindByVersion(t *testing.T) {
	reg, err := NewMemoryRegistry(testModels())
	require.NoError(t, err)

	m, err := reg.FindByVersion(context.Background(), "v3.global")
	require.NoError(t, err)
	assert.Equal(t, "nba-v3-global", m.ID)

	_, err = reg.FindByVersion(context.Background(), "v2")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestModelInfo_Validate(t *testing.T) {
	tests := []struct {
		name    string
		model   ModelInfo
		wantErr string
	}{
		{"missing_id", ModelInfo{Version: "v1", Status: ModelActive}, "id is required"},
		{"missing_version", ModelInfo{ID: "m", Status: ModelActive}, "version is required"},
		{"bad_status", ModelInfo{ID: "m", Version: "v1", Status: "live"}, "invalid status"},
		{"inverted_range", ModelInfo{ID: "m", Version: "v1", Status: ModelActive,
			FeatureRanges: map[string]FeatureRange{"elo_diff": {Min: 10, Max: -10}}}, "exceeds max"},
		{"short_baseline", ModelInfo{ID: "m", Version: "v1", Status: ModelActive,
			BaselineConfidence: []float64{0.5, 0.5}}, "10 deciles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.model.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMemoryRegistry_CancelledContext(t *testing.T) {
	reg, err := NewMemoryRegistry(testModels())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = reg.GetModel(ctx, "nba-v3-2025")
	assert.ErrorIs(t, err, context.Canceled)
}
