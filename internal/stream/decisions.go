package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/pickrun/internal/models"
)

// TopicDecisionsPublished carries every persisted decision of a run
const TopicDecisionsPublished = "decisions.published"

// DecisionEvent is the published view of one decision
type DecisionEvent struct {
	DecisionID        string                `json:"decisionId"`
	PredictionID      string                `json:"predictionId"`
	RunID             string                `json:"runId"`
	MatchID           string                `json:"matchId"`
	TraceID           string                `json:"traceId"`
	Status            models.DecisionStatus `json:"status"`
	Gates             models.Gates          `json:"gates"`
	RecommendedAction *string               `json:"recommendedAction,omitempty"`
	RecommendedPick   *string               `json:"recommendedPick,omitempty"`
	NoBetReason       *string               `json:"noBetReason,omitempty"`
	HardStopReason    *string               `json:"hardStopReason,omitempty"`
	Confidence        float64               `json:"confidence"`
	Edge              float64               `json:"edge"`
	ModelVersion      string                `json:"modelVersion"`
	CommenceTime      time.Time             `json:"commenceTime"`
	PublishedAt       time.Time             `json:"publishedAt"`
}

// NewDecisionEvent builds the event for a decision and its prediction
func NewDecisionEvent(d models.PolicyDecision, p models.Prediction, publishedAt time.Time) DecisionEvent {
	return DecisionEvent{
		DecisionID:        d.ID,
		PredictionID:      d.PredictionID,
		RunID:             d.RunID,
		MatchID:           p.MatchID,
		TraceID:           d.TraceID,
		Status:            d.Status,
		Gates:             d.Gates,
		RecommendedAction: d.RecommendedAction,
		RecommendedPick:   d.RecommendedPick,
		NoBetReason:       d.NoBetReason,
		HardStopReason:    d.HardStopReason,
		Confidence:        p.Confidence,
		Edge:              p.Edge,
		ModelVersion:      p.ModelVersion,
		CommenceTime:      p.CommenceTime,
		PublishedAt:       publishedAt.UTC(),
	}
}

// DecisionPublisher publishes decision events on a bus
type DecisionPublisher struct {
	bus   Bus
	topic string
	now   func() time.Time
}

// NewDecisionPublisher creates a publisher on the default topic
func NewDecisionPublisher(bus Bus) *DecisionPublisher {
	return &DecisionPublisher{bus: bus, topic: TopicDecisionsPublished, now: time.Now}
}

// WithClock overrides the envelope timestamp source
func (p *DecisionPublisher) WithClock(now func() time.Time) *DecisionPublisher {
	p.now = now
	return p
}

// PublishDecision publishes one event keyed by match id
func (p *DecisionPublisher) PublishDecision(ctx context.Context, d models.PolicyDecision, pred models.Prediction) error {
	now := p.now()
	payload, err := json.Marshal(NewDecisionEvent(d, pred, now))
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	env := NewEnvelope(pred.MatchID, "pickrun.pipeline", payload, now)
	env.SetHeader("status", string(d.Status))
	env.SetHeader("trace_id", d.TraceID)
	return p.bus.Publish(ctx, p.topic, env)
}
