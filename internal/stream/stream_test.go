package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/pickrun/internal/models"
)

var publishedAt = time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)

func testDecision() (models.PolicyDecision, models.Prediction) {
	d := models.PolicyDecision{
		ID:                "d-1",
		PredictionID:      "p-1",
		RunID:             "r-1",
		Status:            models.StatusPick,
		Gates:             models.Gates{ConfidenceGate: true, EdgeGate: true, DriftGate: true, HardStopGate: true},
		RecommendedAction: models.StringPtr(models.ActionBetHome),
		RecommendedPick:   models.StringPtr("NY"),
		TraceID:           "t-1",
	}
	p := models.Prediction{ID: "p-1", MatchID: "20250314:BOS@NY", Confidence: 0.8, Edge: 0.07, ModelVersion: "v3"}
	return d, p
}

func TestEnvelope_Checksum(t *testing.T) {
	env := NewEnvelope("k", "src", []byte(`{"a":1}`), publishedAt)
	require.NoError(t, Validate(env))

	env.Payload = []byte(`{"a":2}`)
	assert.ErrorContains(t, Validate(env), "checksum mismatch")

	assert.ErrorContains(t, Validate(&Envelope{Source: "s"}), "key is empty")
}

func TestDecisionPublisher_Stub(t *testing.T) {
	bus := NewStubBus()
	pub := NewDecisionPublisher(bus).WithClock(func() time.Time { return publishedAt })
	d, p := testDecision()

	require.NoError(t, pub.PublishDecision(context.Background(), d, p))

	msgs := bus.Messages(TopicDecisionsPublished)
	require.Len(t, msgs, 1)
	assert.Equal(t, "20250314:BOS@NY", msgs[0].Key)
	assert.Equal(t, "PICK", msgs[0].Headers["status"])

	var ev DecisionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, "d-1", ev.DecisionID)
	assert.True(t, ev.Gates.EdgeGate)
	assert.Equal(t, "NY", *ev.RecommendedPick)
	assert.True(t, ev.PublishedAt.Equal(publishedAt))
}

func TestDecisionPublisher_BusError(t *testing.T) {
	bus := NewStubBus()
	bus.FailWith(errors.New("down"))
	d, p := testDecision()

	err := NewDecisionPublisher(bus).PublishDecision(context.Background(), d, p)
	assert.EqualError(t, err, "down")
}

func TestRedisBus_Publish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewRedisBus(db, 10000)
	env := NewEnvelope("k", "src", []byte(`{"a":1}`), publishedAt)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: TopicDecisionsPublished,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"envelope": string(data)},
	}).SetVal("1710432000000-0")

	require.NoError(t, bus.Publish(context.Background(), TopicDecisionsPublished, env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBus_PublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewRedisBus(db, 0)
	env := NewEnvelope("k", "src", []byte(`{}`), publishedAt)
	data, _ := json.Marshal(env)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "topic",
		Values: map[string]interface{}{"envelope": string(data)},
	}).SetErr(errors.New("READONLY"))

	err := bus.Publish(context.Background(), "topic", env)
	assert.ErrorContains(t, err, "failed to publish to stream topic")
}
