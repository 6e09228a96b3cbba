package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayZeroOnFirstAttempt(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(500*time.Millisecond, 0))
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	d1 := backoffDelay(100*time.Millisecond, 1)
	d2 := backoffDelay(100*time.Millisecond, 3)
	assert.Greater(t, d2, d1/2) // jitter-tolerant: d2's base is 4x d1's
}
