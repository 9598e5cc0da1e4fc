package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(threshold int) (*Breaker, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := New("src", threshold, time.Minute)
	b.now = clock.now
	var transitions []string
	b.OnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})
	return b, clock, &transitions
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(3)
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}
	assert.Equal(t, StateClosed, b.State(), "success resets the failure count")

	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	assert.Equal(t, []string{"CLOSED>OPEN"}, *transitions)
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock, transitions := newTestBreaker(1)
	require.NoError(t, b.Allow())
	b.Record(errors.New("boom"))
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "半开状态同一时间只放行一次")

	b.Record(errors.New("still down"))
	assert.Equal(t, StateOpen, b.State())

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>CLOSED"}, *transitions)
}
