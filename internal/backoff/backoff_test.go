package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelaySequence(t *testing.T) {
	b := New(Default())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, b.Next(), "failure %d", i+1)
	}
	assert.Equal(t, len(want), b.Failures())

	b.Reset()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, time.Second, b.Next(), "Expected reset to restart at initial delay")
}

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		failures int
		want     time.Duration
	}{
		{"no failures", Default(), 0, 0},
		{"zero policy falls back to initial", Policy{}, 1, DefaultInitial},
		{"zero policy doubles", Policy{}, 3, 4 * time.Second},
		{"zero policy caps at default max", Policy{}, 7, DefaultMax},
		{"max below initial", Policy{Initial: 5 * time.Second, Max: time.Second}, 3, 5 * time.Second},
		{"large failure count stays capped", Default(), 1000, 30 * time.Second},
		{"custom", Policy{Initial: 100 * time.Millisecond, Max: time.Second}, 4, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.failures))
		})
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepElapses(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
