package fallback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/registry"
)

// scoredAssessor returns a fixed overall score per model id
type scoredAssessor map[string]float64

func (s scoredAssessor) Assess(_ models.PredictionInput, m registry.ModelInfo) models.DataQualityAssessment {
	score := s[m.ID]
	a := models.DataQualityAssessment{OverallScore: score, Passed: score >= 0.6, FailedChecks: []string{}}
	if !a.Passed {
		a.FailedChecks = append(a.FailedChecks, models.CheckOverallScore)
	}
	return a
}

func testRegistry(t *testing.T) *registry.MemoryRegistry {
	t.Helper()
	reg, err := registry.NewMemoryRegistry([]registry.ModelInfo{
		{ID: "primary-model", Version: "v3", Status: registry.ModelActive},
		{ID: "secondary-model", Version: "v2", Status: registry.ModelActive},
		{ID: "validated-model", Version: "v1", Status: registry.ModelValidated},
	})
	require.NoError(t, err)
	return reg
}

func testLevels() []LevelConfig {
	return []LevelConfig{
		{Level: models.LevelPrimary, ModelID: "primary-model"},
		{Level: models.LevelSecondary, ModelID: "secondary-model"},
		{Level: models.LevelLastValidated, ModelID: "validated-model"},
	}
}

func TestChain_SecondaryPasses(t *testing.T) {
	chain, err := NewChain(testLevels(), testRegistry(t), scoredAssessor{
		"primary-model": 0.35, "secondary-model": 0.72, "validated-model": 0.9,
	})
	require.NoError(t, err)

	res := chain.Evaluate(context.Background(), models.PredictionInput{MatchID: "m1", RawConfidence: 0.9})

	assert.Equal(t, models.LevelSecondary, res.FinalLevel)
	assert.Equal(t, models.StatusPick, res.Decision.Status)
	assert.True(t, res.Decision.Eligible)
	assert.Len(t, res.Attempts, 2)
	assert.False(t, res.WasForcedNoBet)
	assert.InDelta(t, 0.72, res.QualityScore, 1e-9)
	assert.Equal(t, "secondary-model", res.Decision.Model.ID)
	assert.Equal(t, res.Attempts, res.Decision.Context.Attempts)
}

func TestChain_AllLevelsFailForcesNoBet(t *testing.T) {
	chain, err := NewChain(testLevels(), testRegistry(t), scoredAssessor{
		"primary-model": 0.15, "secondary-model": 0.45, "validated-model": 0.30,
	})
	require.NoError(t, err)

	res := chain.Evaluate(context.Background(), models.PredictionInput{MatchID: "m1", RawConfidence: 0.9})

	assert.Equal(t, models.LevelForceNoBet, res.FinalLevel)
	assert.Equal(t, models.StatusNoBet, res.Decision.Status)
	assert.False(t, res.Decision.Eligible)
	assert.Nil(t, res.Decision.Model)
	assert.Equal(t, models.NoBetReasonDegradedDataQuality, res.Decision.NoBetReason)
	assert.Len(t, res.Attempts, 4)
	assert.Equal(t, models.LevelForceNoBet, res.Attempts[3].Level)
	assert.True(t, res.WasForcedNoBet)
	assert.Equal(t, 0.0, res.QualityScore)
	assert.Equal(t, 0.0, res.Decision.Context.QualityScore)
	assert.InDelta(t, 0.45, res.Decision.Context.BestAttemptedScore, 1e-9)
}

func TestChain_LookupFailureIsFailedAttempt(t *testing.T) {
	levels := testLevels()
	levels[0].ModelID = "retired-or-missing"
	chain, err := NewChain(levels, testRegistry(t), scoredAssessor{"secondary-model": 0.8})
	require.NoError(t, err)

	res := chain.Evaluate(context.Background(), models.PredictionInput{MatchID: "m1"})

	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Passed)
	assert.Nil(t, res.Attempts[0].Assessment)
	assert.Contains(t, res.Attempts[0].Error, "model not found")
	assert.Equal(t, models.LevelSecondary, res.FinalLevel)
}

func TestChain_Exhaustiveness(t *testing.T) {
	for _, score := range []float64{0, 0.2, 0.59, 0.6, 0.99} {
		chain, err := NewChain(testLevels(), testRegistry(t), scoredAssessor{
			"primary-model": score, "secondary-model": score, "validated-model": score,
		})
		require.NoError(t, err)
		res := chain.Evaluate(context.Background(), models.PredictionInput{})

		assert.Equal(t, res.FinalLevel == models.LevelForceNoBet, res.WasForcedNoBet)
		assert.Equal(t, res.Attempts[len(res.Attempts)-1].Level, res.FinalLevel)
		assert.Equal(t, res.FinalLevel, res.Decision.Context.FinalLevel)
		if res.WasForcedNoBet {
			assert.Equal(t, 0.0, res.QualityScore)
		}
	}
}

func TestNewChain_RejectsBadLevels(t *testing.T) {
	reg := testRegistry(t)
	a := scoredAssessor{}

	_, err := NewChain(nil, reg, a)
	assert.Error(t, err)

	_, err = NewChain([]LevelConfig{{Level: models.LevelForceNoBet, ModelID: "x"}}, reg, a)
	assert.ErrorContains(t, err, "invalid fallback level")

	_, err = NewChain([]LevelConfig{
		{Level: models.LevelSecondary, ModelID: "a"},
		{Level: models.LevelPrimary, ModelID: "b"},
	}, reg, a)
	assert.ErrorContains(t, err, "out of order")

	_, err = NewChain([]LevelConfig{{Level: models.LevelPrimary}}, reg, a)
	assert.ErrorContains(t, err, "model_id")
}
