// Package bridge is the connector's supervisor: it owns the queue, spool,
// batcher, sink, and the set of running protocol clients, and exposes the
// management operations spec §6 names (list/add/start/stop/remove a
// source, status, metrics). Grounded on the teacher's pkg/manager.Manager
// as the top-level object that owns every subsystem and wires them
// together at construction time.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/otbridge/connector/internal/batcher"
	"github.com/otbridge/connector/internal/breaker"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/metrics"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/protocol/modbus"
	"github.com/otbridge/connector/internal/protocol/mqtt"
	"github.com/otbridge/connector/internal/protocol/opcua"
	"github.com/otbridge/connector/internal/queue"
	"github.com/otbridge/connector/internal/sink"
	"github.com/otbridge/connector/internal/spool"
	"github.com/otbridge/connector/internal/types"
	"github.com/otbridge/connector/internal/wot"
)

// Config composes every subsystem's configuration, as read from the
// connector's YAML config file.
type Config struct {
	Sources []types.Source
	Queue   queue.Config
	Spool   spool.Config
	Batcher batcher.Config
	Sink    sink.Config

	ShutdownSoftTimeout time.Duration
	ShutdownHardTimeout time.Duration
}

// sourceRuntime tracks one running (or stopped) protocol client alongside
// the cancel function that stops its goroutine.
type sourceRuntime struct {
	source types.Source
	client protocol.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Bridge is the connector's top-level supervisor.
type Bridge struct {
	instanceID string

	mu      sync.RWMutex
	sources map[string]*sourceRuntime

	q       *queue.Queue
	sp      *spool.Spool
	batcher *batcher.Batcher
	snk     *sink.Sink

	group  *errgroup.Group
	groupCtx context.Context
	cancel func()
}

// New wires the queue, spool, batcher, and sink together, but starts no
// protocol clients yet — callers add sources via AddSource/StartSource or
// pass an initial Config to Start.
func New(cfg Config) (*Bridge, error) {
	instanceID := uuid.NewString()

	sp, err := spool.Open(cfg.Spool, instanceID)
	if err != nil {
		return nil, fmt.Errorf("bridge: open spool: %w", err)
	}

	q := queue.New(cfg.Queue, sp)

	snk, err := sink.New(cfg.Sink, sp)
	if err != nil {
		sp.Close()
		return nil, fmt.Errorf("bridge: init sink: %w", err)
	}

	b := &Bridge{
		instanceID: instanceID,
		sources:    map[string]*sourceRuntime{},
		q:          q,
		sp:         sp,
		snk:        snk,
	}
	b.batcher = batcher.New(cfg.Batcher, q, snk)
	return b, nil
}

// Start runs the batcher, spool drainer and process stats sampler, then
// starts every enabled
// source from cfg.Sources. It returns once startup is complete; the
// supervised goroutines keep running until Shutdown.
func (b *Bridge) Start(ctx context.Context, cfg Config) error {
	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	b.groupCtx = groupCtx
	b.cancel = cancel
	b.group = group

	sourceNames := make([]string, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sourceNames = append(sourceNames, s.Name)
	}

	group.Go(func() error {
		return b.batcher.Run(groupCtx)
	})
	group.Go(func() error {
		b.q.RunDrainer(groupCtx, sourceNames)
		return nil
	})
	if sampler, err := metrics.NewProcessSampler(10 * time.Second); err != nil {
		log.WithComponent("bridge").Warn().Err(err).Msg("process stats sampler unavailable")
	} else {
		group.Go(func() error {
			sampler.Run(groupCtx)
			return nil
		})
	}

	for _, s := range cfg.Sources {
		if !s.Enabled {
			continue
		}
		if err := b.StartSource(s); err != nil {
			log.WithComponent("bridge").Error().Err(err).Str("source", s.Name).Msg("failed to start source")
		}
	}

	return nil
}

// Shutdown stops every running source and the supervised goroutines,
// first politely (soft timeout) then forcibly (hard timeout), per spec's
// two-stage drain requirement.
func (b *Bridge) Shutdown(ctx context.Context, softTimeout, hardTimeout time.Duration) error {
	b.mu.RLock()
	names := make([]string, 0, len(b.sources))
	for name := range b.sources {
		names = append(names, name)
	}
	b.mu.RUnlock()
	for _, name := range names {
		_ = b.StopSource(name)
	}

	if b.cancel == nil {
		return b.sp.Close()
	}

	softCtx, softCancel := context.WithTimeout(ctx, softTimeout)
	defer softCancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- b.group.Wait() }()

	select {
	case err := <-waitErr:
		b.sp.Close()
		b.snk.Close()
		return err
	case <-softCtx.Done():
	}

	b.cancel()
	hardCtx, hardCancel := context.WithTimeout(ctx, hardTimeout)
	defer hardCancel()
	select {
	case err := <-waitErr:
		b.sp.Close()
		b.snk.Close()
		return err
	case <-hardCtx.Done():
		b.sp.Close()
		b.snk.Close()
		return fmt.Errorf("bridge: shutdown hard timeout exceeded")
	}
}

// ListSources reports every source the bridge currently knows about.
func (b *Bridge) ListSources() []types.Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Source, 0, len(b.sources))
	for _, rt := range b.sources {
		out = append(out, rt.source)
	}
	return out
}

// AddSource registers a source without starting it.
func (b *Bridge) AddSource(s types.Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.sources[s.Name]; exists {
		return fmt.Errorf("bridge: source %q already exists", s.Name)
	}
	s.ConnectorInstanceID = b.instanceID
	b.sources[s.Name] = &sourceRuntime{source: s}
	return nil
}

// StartSource constructs the appropriate protocol client for a source and
// starts its supervised goroutine.
func (b *Bridge) StartSource(s types.Source) error {
	s.ConnectorInstanceID = b.instanceID

	if s.Thing == nil && s.ThingDescription != "" {
		cfg, err := b.resolveThing(s.ThingDescription)
		if err != nil {
			log.WithSource(s.Name).Warn().Err(err).Msg("failed to resolve thing description; starting source without wot enrichment")
		} else {
			s.Thing = cfg
		}
	}

	client, err := newClient(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(b.ctxOrBackground())
	rt := &sourceRuntime{source: s, client: client, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	if existing, ok := b.sources[s.Name]; ok && existing.cancel != nil {
		running := true
		select {
		case <-existing.done:
			running = false // stopped or exited; safe to start again
		default:
		}
		if running {
			b.mu.Unlock()
			cancel()
			return fmt.Errorf("bridge: source %q already running", s.Name)
		}
	}
	b.sources[s.Name] = rt
	b.mu.Unlock()

	onRecord := protocol.OnRecord(func(rec *types.ProtocolRecord) {
		if !b.q.Offer(rec) {
			log.WithSource(s.Name).Debug().Msg("record dropped at queue admission")
		}
	})
	if s.Thing != nil {
		onRecord = wot.Decorate(s.Thing, onRecord)
	}

	go func() {
		defer close(rt.done)
		if err := client.Run(ctx, onRecord, nil); err != nil {
			log.WithSource(s.Name).Error().Err(err).Msg("source run loop exited with error")
		}
	}()

	return nil
}

// StopSource cancels a running source's context and waits for its
// goroutine to exit.
func (b *Bridge) StopSource(name string) error {
	b.mu.Lock()
	rt, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: unknown source %q", name)
	}
	if rt.cancel == nil {
		return nil // registered but never started
	}
	rt.cancel()
	<-rt.done
	return nil
}

// RemoveSource stops (if running) and forgets a source entirely.
func (b *Bridge) RemoveSource(name string) error {
	_ = b.StopSource(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sources, name)
	return nil
}

// SourceStatus is one source's health plus its run-time counters, for the
// management API's status report.
type SourceStatus struct {
	protocol.Health
	Stats protocol.Stats
}

// Status reports per-source health and stats for the management API.
func (b *Bridge) Status() map[string]SourceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]SourceStatus, len(b.sources))
	for name, rt := range b.sources {
		if rt.client != nil {
			out[name] = SourceStatus{Health: rt.client.Health(), Stats: rt.client.Stats()}
		} else {
			out[name] = SourceStatus{Health: protocol.Health{State: protocol.StateStopped}}
		}
	}
	return out
}

// QueueDepth reports the in-memory queue's current depth for the
// management API's status endpoint.
func (b *Bridge) QueueDepth() int {
	return b.q.Depth()
}

// EventsIngested reports the total count of records offered to the queue
// since startup, including records the queue refused or evicted.
func (b *Bridge) EventsIngested() uint64 {
	return b.q.Ingested()
}

// EventsSent reports the total count of records durably acknowledged by
// the ingest endpoint since startup.
func (b *Bridge) EventsSent() uint64 {
	return b.snk.Sent()
}

// SinkBreakerState reports the sink's circuit-breaker state for the
// management API's status endpoint.
func (b *Bridge) SinkBreakerState() breaker.State {
	return b.snk.BreakerState()
}

// TestSinkAuth exercises the sink's OAuth2 exchange without sending a
// batch, for the management API's test_auth operation.
func (b *Bridge) TestSinkAuth(ctx context.Context) error {
	return b.snk.TestAuth(ctx)
}

// resolveThing fetches and parses the Thing Description at tdURL, using
// the spool's bbolt-backed cache to avoid re-fetching on every restart; a
// freshly-fetched config is written back to the cache before it's
// returned.
func (b *Bridge) resolveThing(tdURL string) (*types.ThingConfig, error) {
	if cfg, ok := b.sp.ThingConfigGet(tdURL); ok {
		return cfg, nil
	}
	doc, err := wot.Fetch(b.ctxOrBackground(), tdURL)
	if err != nil {
		return nil, err
	}
	cfg, err := wot.Parse(doc)
	if err != nil {
		return nil, err
	}
	if err := b.sp.ThingConfigPut(tdURL, cfg); err != nil {
		log.WithComponent("bridge").Warn().Err(err).Str("td_url", tdURL).Msg("failed to cache thing description config")
	}
	return cfg, nil
}

func (b *Bridge) ctxOrBackground() context.Context {
	if b.groupCtx != nil {
		return b.groupCtx
	}
	return context.Background()
}

// newClient constructs the protocol.Client implementation for a source's
// configured protocol.
func newClient(s types.Source) (protocol.Client, error) {
	switch s.Protocol {
	case types.ProtocolOPCUA:
		return opcua.New(s)
	case types.ProtocolMQTT:
		return mqtt.New(s, "")
	case types.ProtocolModbus:
		return modbus.New(s)
	default:
		return nil, fmt.Errorf("bridge: unsupported protocol %q for source %q", s.Protocol, s.Name)
	}
}
