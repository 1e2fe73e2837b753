package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsBurstUpToLimit(t *testing.T) {
	rl := NewRateLimiter(5)
	start := time.Now()
	for i := 0; i < 5; i++ {
		rl.Wait()
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "first five calls within the window must not stall")
}

func TestRateLimiterStallsPastLimit(t *testing.T) {
	rl := NewRateLimiter(2)
	for i := 0; i < 2; i++ {
		rl.Wait()
	}
	start := time.Now()
	rl.Wait() // third call within the same second must stall, not error
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
