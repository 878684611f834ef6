package persistence

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_Contains(t *testing.T) {
	tr := TimeRange{
		From: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"start_inclusive", tr.From, true},
		{"end_inclusive", tr.To, true},
		{"inside", tr.From.Add(6 * time.Hour), true},
		{"before", tr.From.Add(-time.Second), false},
		{"after", tr.To.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Contains(tt.at))
		})
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("failed to insert decision: %w", ErrDuplicate)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.False(t, errors.Is(err, ErrNotFound))
}
