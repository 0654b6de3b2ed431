package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("nlg")
	b.RecordFailure("nlg")
	assert.True(t, b.Allow("nlg"))

	b.RecordFailure("nlg")
	assert.False(t, b.Allow("nlg"))
	assert.Equal(t, StateOpen, b.State("nlg"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("nlg")
	b.RecordFailure("nlg")

	clock.advance(59 * time.Second)
	assert.False(t, b.Allow("nlg"))

	clock.advance(time.Second)
	assert.True(t, b.Allow("nlg"))
	assert.Equal(t, StateHalfOpen, b.State("nlg"))
	assert.False(t, b.Allow("nlg"), "only one probe while half-open")

	b.RecordSuccess("nlg")
	assert.Equal(t, StateClosed, b.State("nlg"))
	assert.True(t, b.Allow("nlg"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("nlg")
	b.RecordFailure("nlg")
	clock.advance(time.Minute)
	b.Allow("nlg")

	b.RecordFailure("nlg")
	assert.Equal(t, StateOpen, b.State("nlg"))
}

func TestBreaker_SuccessResetsAndKeysIndependent(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("a")
	b.RecordSuccess("a")
	b.RecordFailure("a")
	assert.True(t, b.Allow("a"))

	b.RecordFailure("b")
	b.RecordFailure("b")
	assert.False(t, b.Allow("b"))
	assert.True(t, b.Allow("a"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1)
	permanent := errors.New("bad request")
	transient := errors.New("503")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	err := b.Execute("nlg", isTransient, func() error { return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, StateClosed, b.State("nlg"))

	err = b.Execute("nlg", isTransient, func() error { return transient })
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, StateOpen, b.State("nlg"))

	called := false
	err = b.Execute("nlg", isTransient, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
