// Package stream publishes decision events for downstream consumers
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the current envelope format
const EnvelopeVersion = 1

// Envelope wraps every published payload with integrity metadata
type Envelope struct {
	MessageID string            `json:"message_id"`
	Timestamp time.Time         `json:"ts"`
	Key       string            `json:"key"`    // partitioning key, the match id for decisions
	Source    string            `json:"source"` // producing component
	Payload   json.RawMessage   `json:"payload"`
	Checksum  string            `json:"checksum"` // sha256(payload||ts||key||source)
	Version   int               `json:"version"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// NewEnvelope creates a checksummed envelope
func NewEnvelope(key, source string, payload []byte, ts time.Time) *Envelope {
	e := &Envelope{
		MessageID: uuid.NewString(),
		Timestamp: ts.UTC(),
		Key:       key,
		Source:    source,
		Payload:   payload,
		Version:   EnvelopeVersion,
	}
	e.Checksum = e.ComputeChecksum()
	return e
}

// ComputeChecksum hashes payload, timestamp, key and source
func (e *Envelope) ComputeChecksum() string {
	input := fmt.Sprintf("%s||%d||%s||%s", string(e.Payload), e.Timestamp.UnixNano(), e.Key, e.Source)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SetHeader sets a header value
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Validate checks required fields and the checksum
func Validate(e *Envelope) error {
	if e.Key == "" {
		return fmt.Errorf("envelope key is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is zero")
	}
	if e.Version <= 0 {
		return fmt.Errorf("envelope version must be positive, got %d", e.Version)
	}
	if e.Checksum != "" && e.Checksum != e.ComputeChecksum() {
		return fmt.Errorf("envelope checksum mismatch")
	}
	return nil
}
