// Package predict turns prediction inputs into persisted predictions: the
// fallback chain picks a model, the model-serving service scores the game and
// the result is shaped into a models.Prediction.
package predict

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/models"
)

// ServingDefaults are the values the model was trained with for missing
// inputs. They are only applied to the serving payload.
var ServingDefaults = map[string]float64{
	models.FeatureEloDiff:        0,
	models.FeatureEloDiffNorm:    0.5,
	models.FeatureHomeLast10Wins: 0.5,
	models.FeatureAwayLast10Wins: 0.5,
	models.FeatureSpread:         0,
	models.FeatureOverUnder:      220,
	models.FeatureMLHomeProb:     0.5,
	models.FeatureMLAwayProb:     0.5,
	models.FeatureRestDaysHome:   2,
	models.FeatureRestDaysAway:   2,
	models.FeatureSeasonNorm:     1,
}

// SingleRequest is the body of POST /predict/single
type SingleRequest struct {
	ModelType string             `json:"model_type"`
	Features  map[string]float64 `json:"features"`
}

// SingleResponse is the model-serving answer for one game
type SingleResponse struct {
	Prediction         int     `json:"prediction"`
	HomeWinProbability float64 `json:"home_win_probability"`
	Confidence         float64 `json:"confidence"`
	LatencyMs          float64 `json:"latency_ms"`
}

// Validate rejects responses that cannot be turned into a prediction
func (r SingleResponse) Validate() error {
	p := r.HomeWinProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("home_win_probability %v outside [0,1]", p)
	}
	return nil
}

// Serving scores one game with one model
type Serving interface {
	PredictSingle(ctx context.Context, modelType string, features models.Features) (*SingleResponse, error)
}

// Client talks to the model-serving HTTP service
type Client struct {
	baseURL string
	http    *httpclient.Client
}

// NewClient creates a serving client
func NewClient(baseURL string, http *httpclient.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http}
}

// PredictSingle posts the full feature vector, filling missing features with
// ServingDefaults
func (c *Client) PredictSingle(ctx context.Context, modelType string, features models.Features) (*SingleResponse, error) {
	req := SingleRequest{ModelType: modelType, Features: Payload(features)}

	var resp SingleResponse
	if err := c.http.PostJSON(ctx, c.baseURL+"/predict/single", req, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to call model service: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model service response: %w", err)
	}
	return &resp, nil
}

// Health checks that the serving service is up
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.http.GetJSON(ctx, c.baseURL+"/health", nil, &out); err != nil {
		return fmt.Errorf("model service health check failed: %w", err)
	}
	if out.Status != "healthy" {
		return fmt.Errorf("model service reports status %q", out.Status)
	}
	return nil
}

// Payload returns the serving feature vector. Non-finite values count as
// missing.
func Payload(features models.Features) map[string]float64 {
	out := make(map[string]float64, len(models.FeatureOrder))
	for _, name := range models.FeatureOrder {
		if features.Finite(name) {
			out[name] = features[name]
		} else {
			out[name] = ServingDefaults[name]
		}
	}
	return out
}
