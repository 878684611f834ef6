package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus publishes envelopes to a topic
type Bus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// RedisBus appends envelopes to Redis streams, one stream per topic
type RedisBus struct {
	client *redis.Client
	maxLen int64
}

// NewRedisBus creates a bus. maxLen caps each stream approximately; zero
// leaves streams uncapped.
func NewRedisBus(client *redis.Client, maxLen int64) *RedisBus {
	return &RedisBus{client: client, maxLen: maxLen}
}

// Publish XADDs the envelope as a single "envelope" field
func (b *RedisBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"envelope": string(data)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", topic, err)
	}
	return nil
}

// StubBus keeps published envelopes in memory
type StubBus struct {
	mu       sync.Mutex
	messages map[string][]*Envelope
	err      error
}

// NewStubBus creates an in-memory bus
func NewStubBus() *StubBus {
	return &StubBus{messages: make(map[string][]*Envelope)}
}

// FailWith makes every later Publish return err
func (s *StubBus) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Publish records the envelope
func (s *StubBus) Publish(_ context.Context, topic string, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := Validate(env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	s.messages[topic] = append(s.messages[topic], env)
	return nil
}

// Messages returns the envelopes published to a topic
func (s *StubBus) Messages(topic string) []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Envelope(nil), s.messages[topic]...)
}
