package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerStartsClosed(t *testing.T) {
	b := New(DefaultConfig())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3, CooldownBase: 50 * time.Millisecond, CooldownCap: time.Second}
	b := New(cfg)

	for i := 0; i < 2; i++ {
		err := b.Execute(func() error { return errBoom })
		assert.Equal(t, errBoom, err)
		assert.Equal(t, StateClosed, b.State(), "fewer than threshold failures shouldn't trip")
	}

	err := b.Execute(func() error { return errBoom })
	assert.Equal(t, errBoom, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenBreakerRefusesAdmission(t *testing.T) {
	cfg := Config{FailureThreshold: 1, CooldownBase: time.Second, CooldownCap: 10 * time.Second}
	b := New(cfg)

	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.Equal(t, ErrOpen, err)
	assert.False(t, called, "fn must not run while breaker is open")
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	cfg := Config{FailureThreshold: 1, CooldownBase: 20 * time.Millisecond, CooldownCap: 100 * time.Millisecond}
	b := New(cfg)

	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	var wg sync.WaitGroup
	results := make([]error, 2)
	release := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = b.Execute(func() error { <-release; return nil })
	}()
	time.Sleep(5 * time.Millisecond) // ensure the first call is admitted before the second races in
	go func() {
		defer wg.Done()
		results[1] = b.Execute(func() error { return nil })
	}()
	time.Sleep(5 * time.Millisecond)
	close(release)
	wg.Wait()

	admitted, refused := 0, 0
	for _, err := range results {
		switch err {
		case nil:
			admitted++
		case ErrTooManyRequests:
			refused++
		}
	}
	assert.Equal(t, 1, admitted, "only one probe should be admitted in half-open")
	assert.Equal(t, 1, refused)
}

func TestCooldownDoublesOnRepeatedTripsAndRespectsCap(t *testing.T) {
	cfg := Config{FailureThreshold: 1, CooldownBase: 20 * time.Millisecond, CooldownCap: 50 * time.Millisecond}
	b := New(cfg)

	// First trip: cooldown stays at base.
	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, cfg.CooldownBase, b.cooldown)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Probe fails too: second consecutive trip doubles the cooldown.
	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, 40*time.Millisecond, b.cooldown)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Third consecutive trip would double past the cap; must clamp.
	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, cfg.CooldownCap, b.cooldown)
}

func TestResetReturnsCooldownToBaseOnlyWhenClosed(t *testing.T) {
	cfg := Config{FailureThreshold: 1, CooldownBase: 20 * time.Millisecond, CooldownCap: time.Second}
	b := New(cfg)

	require.Equal(t, errBoom, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateOpen, b.State(), "reset must not force a state transition")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())

	b.Reset()
	assert.Equal(t, cfg.CooldownBase, b.cooldown)
}
