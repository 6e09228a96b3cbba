package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitedReaderUnlimitedDoesNotBlock(t *testing.T) {
	r := newRateLimitedReader(0)
	start := time.Now()
	r.throttle(10 * 1024 * 1024)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimitedReaderCapsThroughput(t *testing.T) {
	r := newRateLimitedReader(1024) // 1 KiB/s
	start := time.Now()
	r.throttle(2048) // double the per-second budget in one shot
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRateLimitedReaderSetCap(t *testing.T) {
	r := newRateLimitedReader(1024)
	r.setCap(0)
	start := time.Now()
	r.throttle(1 << 20)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
