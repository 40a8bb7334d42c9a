package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequenceCapped(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 4 * time.Second, Jitter: 0})

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, got)
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterBounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Jitter: 0.5})
	d := b.Next()
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}

func TestBackoffWaitCancelled(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Wait(ctx))
}
