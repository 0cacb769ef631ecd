package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: threshold, SuccessThreshold: 1, Cooldown: cooldown})
	cb.now = clock.now
	return cb, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, clock := newTestBreaker(3, time.Minute)
	boom := fmt.Errorf("boom")

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(boom)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))

	clock.advance(time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, int64(4), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.InDelta(t, 75.0, stats.FailureRate(), 1e-9)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.Record(fmt.Errorf("down"))
	clock.advance(2 * time.Minute)

	require.NoError(t, cb.Allow())
	cb.Record(fmt.Errorf("still down"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Error(t, cb.Allow())
}

func TestBreakerDisabledWithZeroThreshold(t *testing.T) {
	cb, _ := newTestBreaker(0, time.Minute)
	for i := 0; i < 10; i++ {
		cb.Record(fmt.Errorf("fail"))
	}
	assert.NoError(t, cb.Allow())
	assert.Equal(t, CircuitClosed, cb.State())
}

// Property: a success in the closed state resets the failure streak, so the
// circuit opens only after threshold consecutive failures.
func TestProperty_BreakerOpensOnlyOnConsecutiveFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("open iff a run of threshold failures occurred", prop.ForAll(
		func(threshold int, outcomes []bool) bool {
			cb, _ := newTestBreaker(threshold, time.Hour)
			run := 0
			tripped := false
			for _, failed := range outcomes {
				if tripped {
					break
				}
				if failed {
					cb.Record(fmt.Errorf("x"))
					run++
				} else {
					cb.Record(nil)
					run = 0
				}
				if run >= threshold {
					tripped = true
				}
			}
			return (cb.State() == CircuitOpen) == tripped
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())
	a := r.Get("deepseek")
	assert.Same(t, a, r.Get("deepseek"))
	r.Get("anthropic")

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "anthropic", stats[0].Name)
	assert.Equal(t, "deepseek", stats[1].Name)

	a.Record(fmt.Errorf("x"))
	a.Record(fmt.Errorf("x"))
	a.Record(fmt.Errorf("x"))
	assert.Equal(t, CircuitOpen, a.State())
	assert.Equal(t, CircuitClosed, r.Get("anthropic").State())
}

func TestHealthMonitorReportsEachComponent(t *testing.T) {
	m := NewHealthMonitor(100*time.Millisecond, zerolog.Nop())
	m.Register("openai", "provider", func(ctx context.Context) error { return nil })
	m.Register("anthropic", "provider", func(ctx context.Context) error { return fmt.Errorf("401 unauthorized") })
	m.Register("deepseek", "provider", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Register("paper", "broker", func(ctx context.Context) error { panic("nil session") })

	health := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	require.Len(t, health.Components, 4)

	byName := map[string]ComponentHealth{}
	for _, c := range health.Components {
		byName[c.Name] = c
	}
	assert.Equal(t, HealthStatusHealthy, byName["openai"].Status)
	assert.Equal(t, HealthStatusUnhealthy, byName["anthropic"].Status)
	assert.Contains(t, byName["anthropic"].Message, "401")
	assert.Equal(t, HealthStatusUnhealthy, byName["deepseek"].Status)
	assert.Equal(t, HealthStatusUnhealthy, byName["paper"].Status)
	assert.Contains(t, byName["paper"].Message, "panic")

	// brokers sort before providers
	assert.Equal(t, "paper", health.Components[0].Name)

	last, ok := m.Last("anthropic")
	require.True(t, ok)
	assert.Equal(t, HealthStatusUnhealthy, last.Status)
}

func TestHealthMonitorEmptyIsUnknown(t *testing.T) {
	m := NewHealthMonitor(0, zerolog.Nop())
	assert.Equal(t, HealthStatusUnknown, m.Check(context.Background()).Status)
}
