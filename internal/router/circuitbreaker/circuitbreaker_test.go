package circuitbreaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/paywall-orchestrator/internal/router/circuitbreaker"
)

const (
	testBackend    = "test-backend"
	anotherBackend = "another-backend"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(cfg circuitbreaker.Config) (*circuitbreaker.CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return circuitbreaker.NewCircuitBreakerWithConfig(cfg).WithClock(clock.Now), clock
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker()
	require.NotNil(t, cb)
	for i := 0; i < 4; i++ {
		cb.RecordFailure(testBackend)
	}
	assert.True(t, cb.AllowRequest(testBackend), "still closed after 4 failures")
	cb.RecordFailure(testBackend)
	assert.False(t, cb.AllowRequest(testBackend), "open after 5 failures")
	assert.Equal(t, circuitbreaker.Open, cb.GetState(testBackend))
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cfg := circuitbreaker.Config{
		FailureThreshold:         2,
		OpenStateTimeout:         time.Minute,
		HalfOpenSuccessThreshold: 2,
	}

	t.Run("Closed_To_Open", func(t *testing.T) {
		cb, _ := newBreaker(cfg)
		assert.True(t, cb.AllowRequest(testBackend))
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testBackend))

		cb.RecordFailure(testBackend)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testBackend))
		cb.RecordFailure(testBackend)
		assert.Equal(t, circuitbreaker.Open, cb.GetState(testBackend))
		assert.False(t, cb.AllowRequest(testBackend))
	})

	t.Run("SuccessResetsFailureCount", func(t *testing.T) {
		cb, _ := newBreaker(cfg)
		cb.RecordFailure(testBackend)
		cb.RecordSuccess(testBackend)
		cb.RecordFailure(testBackend)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testBackend))
	})

	t.Run("Open_To_HalfOpen_To_Closed", func(t *testing.T) {
		cb, clock := newBreaker(cfg)
		cb.RecordFailure(testBackend)
		cb.RecordFailure(testBackend)
		require.False(t, cb.AllowRequest(testBackend))

		clock.Advance(time.Minute + time.Second)
		assert.True(t, cb.AllowRequest(testBackend))
		assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(testBackend))

		cb.RecordSuccess(testBackend)
		assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(testBackend))
		cb.RecordSuccess(testBackend)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testBackend))
	})

	t.Run("HalfOpen_FailureReopens", func(t *testing.T) {
		cb, clock := newBreaker(cfg)
		cb.RecordFailure(testBackend)
		cb.RecordFailure(testBackend)
		clock.Advance(2 * time.Minute)
		require.True(t, cb.AllowRequest(testBackend))

		cb.RecordFailure(testBackend)
		assert.Equal(t, circuitbreaker.Open, cb.GetState(testBackend))
		assert.False(t, cb.AllowRequest(testBackend))
	})
}

func TestCircuitBreaker_BackendsAreIndependent(t *testing.T) {
	cb, _ := newBreaker(circuitbreaker.Config{FailureThreshold: 1})
	cb.RecordFailure(testBackend)
	assert.False(t, cb.AllowRequest(testBackend))
	assert.True(t, cb.AllowRequest(anotherBackend))

	snap := cb.Snapshot()
	assert.Equal(t, circuitbreaker.Open, snap[testBackend])
	assert.Equal(t, circuitbreaker.Closed, snap[anotherBackend])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", circuitbreaker.Closed.String())
	assert.Equal(t, "open", circuitbreaker.Open.String())
	assert.Equal(t, "half_open", circuitbreaker.HalfOpen.String())
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb, _ := newBreaker(circuitbreaker.Config{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.AllowRequest(testBackend)
			cb.RecordFailure(testBackend)
			cb.RecordSuccess(testBackend)
		}()
	}
	wg.Wait()
	assert.Equal(t, circuitbreaker.Closed, cb.GetState(testBackend))
}
