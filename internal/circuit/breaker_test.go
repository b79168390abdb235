package circuit

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/errors"
)

var errBoom = stderrors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("test", Config{TripAfter: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Execute(ctx, ok))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{TripAfter: 3, Cooldown: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker rejects without invoking fn.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
	assert.False(t, called)
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", Config{TripAfter: 3})
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, ok)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New("test", Config{TripAfter: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// A successful probe closes the breaker.
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := New("test", Config{TripAfter: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, fail)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := New("test", Config{TripAfter: 1, Cooldown: 10 * time.Millisecond, MaxProbes: 1})
	ctx := context.Background()

	b.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe is admitted and held in flight; the second is rejected.
	release := make(chan struct{})
	started := make(chan struct{})
	go b.Execute(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	err := b.Execute(ctx, ok)
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
	close(release)
}

func TestBreakerReset(t *testing.T) {
	b := New("test", Config{TripAfter: 1, Cooldown: time.Hour})
	ctx := context.Background()

	b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(ctx, ok))
}

func TestBreakerNotifiesStateChanges(t *testing.T) {
	var transitions []string
	b := New("test", Config{
		TripAfter: 1,
		Cooldown:  time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.Execute(context.Background(), fail)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreakerCountsWindow(t *testing.T) {
	b := New("test", Config{TripAfter: 10})
	ctx := context.Background()

	b.Execute(ctx, ok)
	b.Execute(ctx, ok)
	b.Execute(ctx, fail)

	counts := b.Counts()
	assert.EqualValues(t, 3, counts.Requests)
	assert.EqualValues(t, 2, counts.TotalSuccesses)
	assert.EqualValues(t, 1, counts.TotalFailures)
	assert.EqualValues(t, 1, counts.ConsecutiveFailures)
}
