package protocol

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/types"
)

func TestBackoffConfigNextCapped(t *testing.T) {
	b := BackoffConfig{Base: time.Second, Cap: 10 * time.Second}
	for attempt := 1; attempt <= 20; attempt++ {
		d := b.Next(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Cap)
	}
}

func TestRunnerRunStopsOnContextCancel(t *testing.T) {
	var connected atomic.Bool
	r := NewRunner("test-source", BackoffConfig{Base: time.Millisecond, Cap: 10 * time.Millisecond},
		func(ctx context.Context) error { connected.Store(true); return nil },
		func(ctx context.Context, onRecord OnRecord) error {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
				return nil
			}
		},
		func() error { return nil },
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, func(*types.ProtocolRecord) {}, nil) }()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, connected.Load())
	assert.Equal(t, StateRunning, r.Health().State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, StateStopped, r.Health().State)
}

func TestRunnerRunFailsPermanentlyOnClassifiedError(t *testing.T) {
	permanentErr := errs.Certificate("bad cert", nil)
	r := NewRunner("test-source", BackoffConfig{Base: time.Millisecond, Cap: time.Millisecond},
		func(ctx context.Context) error { return permanentErr },
		func(ctx context.Context, onRecord OnRecord) error { return nil },
		func() error { return nil },
		func(err error) (errs.Kind, bool) {
			if errors.Is(err, permanentErr) {
				return errs.KindCertificate, true
			}
			return "", false
		},
	)

	err := r.Run(context.Background(), func(*types.ProtocolRecord) {}, nil)
	require.Error(t, err)
	h := r.Health()
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, string(errs.KindCertificate), h.Kind)
}

func TestRunnerRunRetriesTransientConnectErrors(t *testing.T) {
	var attempts atomic.Int32
	r := NewRunner("test-source", BackoffConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond},
		func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		func(ctx context.Context, onRecord OnRecord) error {
			<-ctx.Done()
			return nil
		},
		func() error { return nil },
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, func(*types.ProtocolRecord) {}, nil) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRunnerEmitsRecordsAndCountsThem(t *testing.T) {
	rec, err := types.NewRecord("src", "endpoint", types.ProtocolModbus, "reg", types.NewFloat64Value(1), 0, "good", 1, 1, nil)
	require.NoError(t, err)

	var delivered atomic.Int32
	first := true
	r := NewRunner("test-source", BackoffConfig{Base: time.Millisecond, Cap: time.Millisecond},
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, onRecord OnRecord) error {
			if first {
				first = false
				onRecord(rec)
				return nil
			}
			<-ctx.Done()
			return nil
		},
		func() error { return nil },
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(*types.ProtocolRecord) { delivered.Add(1) }, nil)
	}()

	require.Eventually(t, func() bool { return r.Stats().RecordsEmitted == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), delivered.Load())
}
