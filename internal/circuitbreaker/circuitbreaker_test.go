package circuitbreaker

import (
	"testing"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := New(Config{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          time.Second,
	}, WithClock(clock.Now))
	return cb, clock
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb := New(DefaultConfig())

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), domain.ErrCircuitBreakerOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpensAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(1, 1)
	cb.RecordFailure()

	clock.Advance(999 * time.Millisecond)
	assert.ErrorIs(t, cb.Allow(), domain.ErrCircuitBreakerOpen)

	clock.Advance(time.Millisecond)
	assert.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_ClosesAfterProbeSuccesses(t *testing.T) {
	cb, clock := newTestBreaker(1, 2)
	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(1, 2)
	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()

	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), domain.ErrCircuitBreakerOpen)
}

func TestBreaker_ReportsTransitions(t *testing.T) {
	var seen []string
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second},
		WithClock(clock.Now),
		OnStateChange(func(from, to State) {
			seen = append(seen, from.String()+"->"+to.String())
		}),
	)

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, seen)
}
