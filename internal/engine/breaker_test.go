package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/pkg/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int) (*Breakers, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second, HalfOpenMax: 1})
	b.now = clock.Now
	return b, clock
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3)
	boom := errors.New("502 bad gateway")

	assert.NoError(t, b.Allow("movie"))
	assert.False(t, b.Failure("movie", boom))
	assert.False(t, b.Failure("movie", boom))
	assert.True(t, b.Failure("movie", boom))
	assert.Equal(t, CircuitOpen, b.State("movie"))

	err := b.Allow("movie")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// other service types are independent
	assert.NoError(t, b.Allow("parking"))
	assert.Equal(t, "502 bad gateway", b.Stats("movie")["last_error"])
}

func TestBreakers_SuccessResets(t *testing.T) {
	b, _ := newTestBreakers(3)
	b.Failure("movie", nil)
	b.Failure("movie", nil)
	b.Success("movie")

	b.Failure("movie", nil)
	b.Failure("movie", nil)
	assert.Equal(t, CircuitClosed, b.State("movie"))
	assert.Equal(t, 2, b.Stats("movie")["failures"])
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreakers(1)
	b.Failure("movie", nil)
	require.Error(t, b.Allow("movie"))

	clock.Advance(11 * time.Second)
	assert.NoError(t, b.Allow("movie"), "first probe allowed")
	assert.Error(t, b.Allow("movie"), "second probe rejected")

	b.Success("movie")
	assert.Equal(t, CircuitClosed, b.State("movie"))
	assert.NoError(t, b.Allow("movie"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreakers(1)
	b.Failure("movie", nil)
	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow("movie"))

	assert.True(t, b.Failure("movie", nil))
	assert.Equal(t, CircuitOpen, b.State("movie"))
}

func TestBreakers_Defaults(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig(), b.config)
	assert.Equal(t, "closed", b.State("x").String())
}
