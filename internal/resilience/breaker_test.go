// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New("upload", 3, 30*time.Second, WithClock(clock))

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("upload", 3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "consecutive count restarts after a success")
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New("upload", 1, 10*time.Second, WithClock(clock))

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	clock.now = clock.now.Add(11 * time.Second)
	assert.True(t, b.Allow(), "first caller after the window becomes the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	// Failed probe reopens immediately.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// A later successful probe closes the breaker.
	clock.now = clock.now.Add(11 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestExecute(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New("upload", 2, 10*time.Second, WithClock(clock))

	boom := errors.New("connection refused")
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, b.State())

	require.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestDefaultsApplied(t *testing.T) {
	b := New("upload", 0, 0)
	assert.Equal(t, 3, b.threshold)
	assert.Equal(t, 30*time.Second, b.resetTimeout)
}
