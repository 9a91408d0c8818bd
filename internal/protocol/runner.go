package protocol

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/metrics"
	"github.com/otbridge/connector/internal/types"
)

// BackoffConfig parameterizes the capped exponential backoff with full
// jitter spec §4.2 requires for every client's reconnect loop.
type BackoffConfig struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Cap: 60 * time.Second}
}

// Next returns the backoff duration for the given attempt (1-indexed),
// full jitter: a uniform random duration in [0, min(cap, base*2^attempt)).
func (b BackoffConfig) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(b.Cap)
	exp := float64(b.Base) * float64(uint64(1)<<uint(minInt(attempt, 30)))
	if exp > ceiling {
		exp = ceiling
	}
	return time.Duration(rand.Float64() * exp)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// connectFunc opens the underlying transport and resumes subscriptions.
type connectFunc func(ctx context.Context) error

// pollFunc is one iteration of a running client's subscription/poll loop.
// It returns an error only on a transport-level failure serious enough to
// warrant a reconnect; callers are expected to have already handled (and
// counted) malformed individual readings internally.
type pollFunc func(ctx context.Context, onRecord OnRecord) error

// disconnectFunc tears down the transport.
type disconnectFunc func() error

// Runner drives the disconnected -> connecting -> connected -> running
// (<-> reconnecting) -> {failed|stopped} state machine shared by all three
// protocol clients, so each client only supplies connect/poll/disconnect.
type Runner struct {
	source  string
	backoff BackoffConfig

	connect    connectFunc
	poll       pollFunc
	disconnect disconnectFunc

	// isPermanent classifies an error from connect/poll as a permanent
	// configuration error (auth failure, unresolvable endpoint) rather
	// than a transient transport error.
	isPermanent func(error) (kind errs.Kind, permanent bool)

	mu           sync.Mutex
	state        State
	failCause    error
	failKind     string

	emitted    atomic.Uint64
	reconnects atomic.Uint64
}

func NewRunner(source string, backoff BackoffConfig, connect connectFunc, poll pollFunc, disconnect disconnectFunc, isPermanent func(error) (errs.Kind, bool)) *Runner {
	return &Runner{
		source:      source,
		backoff:     backoff,
		connect:     connect,
		poll:        poll,
		disconnect:  disconnect,
		isPermanent: isPermanent,
		state:       StateDisconnected,
	}
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) fail(kind errs.Kind, cause error) {
	r.mu.Lock()
	r.state = StateFailed
	r.failKind = string(kind)
	r.failCause = cause
	r.mu.Unlock()
}

// Health returns the current client health (spec §4.2).
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := Health{State: r.state}
	if r.state == StateFailed {
		h.Kind = r.failKind
		if r.failCause != nil {
			h.Cause = r.failCause.Error()
		}
	}
	return h
}

func (r *Runner) Stats() Stats {
	return Stats{
		RecordsEmitted: r.emitted.Load(),
		ReconnectCount: r.reconnects.Load(),
	}
}

// Run executes the full lifecycle until ctx is cancelled (orderly stop) or
// a permanent error is reached (failed).
func (r *Runner) Run(ctx context.Context, onRecord OnRecord, onStats OnStats) error {
	l := log.WithSource(r.source)
	attempt := 0

	defer func() {
		_ = r.disconnect()
	}()

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-statsTicker.C:
				if onStats != nil {
					onStats(r.Stats())
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.setState(StateStopped)
			return nil
		default:
		}

		r.setState(StateConnecting)
		if err := r.connect(ctx); err != nil {
			if kind, permanent := r.classify(err); permanent {
				r.fail(kind, err)
				l.Error().Err(err).Str("kind", string(kind)).Msg("permanent connect failure, client failed")
				return err
			}
			attempt++
			metrics.ReconnectAttempts.WithLabelValues(r.source).Inc()
			r.reconnects.Add(1)
			wait := r.backoff.Next(attempt)
			l.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("connect failed, retrying")
			r.setState(StateReconnecting)
			if !sleepCtx(ctx, wait) {
				r.setState(StateStopped)
				return nil
			}
			continue
		}

		r.setState(StateConnected)
		attempt = 0
		r.setState(StateRunning)

		runErr := r.runLoop(ctx, onRecord)
		if runErr == nil {
			r.setState(StateStopped)
			return nil
		}

		if kind, permanent := r.classify(runErr); permanent {
			r.fail(kind, runErr)
			l.Error().Err(runErr).Str("kind", string(kind)).Msg("permanent failure during run, client failed")
			return runErr
		}

		attempt++
		metrics.ReconnectAttempts.WithLabelValues(r.source).Inc()
		r.reconnects.Add(1)
		wait := r.backoff.Next(attempt)
		l.Warn().Err(runErr).Int("attempt", attempt).Dur("backoff", wait).Msg("transport error while running, reconnecting")
		r.setState(StateReconnecting)
		_ = r.disconnect()
		if !sleepCtx(ctx, wait) {
			r.setState(StateStopped)
			return nil
		}
	}
}

// runLoop polls until ctx is cancelled or poll returns a transport error.
// Ordering is best-effort only across reconnects: no gap marker is
// emitted, matching spec §4.2's common contract.
func (r *Runner) runLoop(ctx context.Context, onRecord OnRecord) error {
	counting := func(rec *types.ProtocolRecord) {
		onRecord(rec)
		r.emitted.Add(1)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.poll(ctx, counting); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) classify(err error) (errs.Kind, bool) {
	if r.isPermanent != nil {
		return r.isPermanent(err)
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
