package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	const delta = float64(50 * time.Millisecond)
	b := Backoff{Min: time.Second, Max: 5 * time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore(), "first attempt is free")

	b.Failure()
	assert.InDelta(t, float64(1*time.Second), float64(b.DelayBefore()), delta)
	b.Failure()
	assert.InDelta(t, float64(2*time.Second), float64(b.DelayBefore()), delta)
	b.Failure()
	b.Failure()
	assert.InDelta(t, float64(5*time.Second), float64(b.DelayBefore()), delta, "limited by Max")

	b.Reset()
	assert.InDelta(t, float64(1*time.Second), float64(b.DelayBefore()), delta)
	assert.InDelta(t, float64(2*time.Second), float64(b.DelayAfter(false)), delta)
}

func TestBackoffElapsed(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Minute, Max: time.Hour, K: 2, Res: time.Second}
	b.Failure()
	assert.Equal(t, 59*time.Second, b.DelayBefore(), "rounded down to Res")
	b.last.SetTime(time.Now().Add(-2 * time.Minute))
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}
