// Package queue implements the bounded FIFO backpressure queue (spec §4.4).
// Offer is non-blocking; Take blocks with a timeout. Overflow spills to an
// optional disk spool, and a background drainer refills the queue from
// spool once depth drops below a low watermark.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/otbridge/connector/internal/metrics"
	"github.com/otbridge/connector/internal/types"
)

// Spooler is the subset of internal/spool's interface the queue needs.
// Kept narrow so the queue package never imports the spool package's
// encryption/segment internals directly.
type Spooler interface {
	Write(source string, rec *types.ProtocolRecord) error
	// Drain reads up to max records from source's spool in (segment,
	// offset) order and removes them from the spool once the caller
	// reports them consumed via the returned commit function.
	Drain(source string, max int) (records []*types.ProtocolRecord, commit func() error, err error)
	Depth(source string) (int, error)
}

// Config holds pipeline-section parameters.
type Config struct {
	MaxSize          int
	DropPolicy       types.DropPolicy
	SpoolEnabled     bool
	HighWatermark    float64 // fraction of MaxSize, e.g. 0.9
	LowWatermark     float64 // fraction of MaxSize, e.g. 0.5
	DrainInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:       10000,
		DropPolicy:    types.DropNewest,
		SpoolEnabled:  false,
		HighWatermark: 0.9,
		LowWatermark:  0.5,
		DrainInterval: 200 * time.Millisecond,
	}
}

// Queue is the single shared mutable structure across all sources; every
// mutation is serialized internally by mu.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	items   *list.List
	notEmpty chan struct{}

	spool Spooler
	seq   uint64

	droppedNewest map[string]uint64
	droppedOldest map[string]uint64
	ingested      uint64
}

// New constructs a Queue. spool may be nil when spool is disabled.
func New(cfg Config, spool Spooler) *Queue {
	q := &Queue{
		cfg:           cfg,
		items:         list.New(),
		notEmpty:      make(chan struct{}, 1),
		spool:         spool,
		droppedNewest: map[string]uint64{},
		droppedOldest: map[string]uint64{},
	}
	return q
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Offer is the non-blocking enqueue operation clients call from on_record.
// It never blocks the caller: on overflow it applies the configured drop
// policy or spills to spool, and always returns quickly.
func (q *Queue) Offer(rec *types.ProtocolRecord) (accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// This is the queue-admission clock spec §3's data model distinguishes
	// from a record's source-clock event_time_us; it's stamped here, once,
	// regardless of which branch below a record ultimately takes.
	rec = rec.WithIngestTime(time.Now().UnixMicro())
	q.ingested++
	metrics.RecordsIngested.WithLabelValues(rec.SourceName, string(rec.ProtocolKind)).Inc()

	q.seq++
	rec = rec.WithSeq(q.seq)

	depth := q.items.Len()
	highWatermark := int(float64(q.cfg.MaxSize) * q.cfg.HighWatermark)

	if q.cfg.SpoolEnabled && q.spool != nil && depth >= highWatermark && depth < q.cfg.MaxSize {
		// Still room in memory but over the high watermark: prefer the
		// spool for the new record so the in-memory queue drains toward
		// the low watermark instead of filling further.
		if err := q.spool.Write(rec.SourceName, rec); err == nil {
			metrics.QueueDepth.Set(float64(q.items.Len()))
			return true
		}
		// Spool write failed: fall through to normal admission logic.
	}

	if depth < q.cfg.MaxSize {
		q.items.PushBack(rec)
		q.signal()
		metrics.QueueDepth.Set(float64(q.items.Len()))
		return true
	}

	// At capacity: apply drop policy.
	switch q.cfg.DropPolicy {
	case types.DropOldest:
		front := q.items.Front()
		if front != nil {
			evicted := front.Value.(*types.ProtocolRecord)
			q.items.Remove(front)
			q.droppedOldest[evicted.SourceName]++
			metrics.DroppedOldest.WithLabelValues(evicted.SourceName).Inc()
			if q.cfg.SpoolEnabled && q.spool != nil {
				_ = q.spool.Write(evicted.SourceName, evicted)
			}
		}
		q.items.PushBack(rec)
		q.signal()
		metrics.QueueDepth.Set(float64(q.items.Len()))
		return true
	default: // DropNewest
		if q.cfg.SpoolEnabled && q.spool != nil {
			if err := q.spool.Write(rec.SourceName, rec); err == nil {
				return true
			}
		}
		q.droppedNewest[rec.SourceName]++
		metrics.DroppedNewest.WithLabelValues(rec.SourceName).Inc()
		return false
	}
}

// Take blocks until a record is available, ctx is cancelled, or timeout
// elapses, whichever comes first.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (*types.ProtocolRecord, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		front := q.items.Front()
		if front != nil {
			q.items.Remove(front)
			metrics.QueueDepth.Set(float64(q.items.Len()))
			q.mu.Unlock()
			return front.Value.(*types.ProtocolRecord), true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notEmpty:
			timer.Stop()
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
	}
}

// Depth returns the current in-memory queue size.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Ingested returns the total count of records offered through Offer since
// the queue was created, regardless of which path (memory, spool
// spillover, drop-oldest eviction, or drop-newest refusal) the record
// ultimately took; refused records are counted too.
func (q *Queue) Ingested() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ingested
}

// DroppedNewest returns the dropped-newest count for a source.
func (q *Queue) DroppedNewest(source string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedNewest[source]
}

// DroppedOldest returns the dropped-oldest count for a source.
func (q *Queue) DroppedOldest(source string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedOldest[source]
}

// RunDrainer periodically reinjects spooled records once depth falls below
// the low watermark, ahead of new production for the same source — the
// operator-sensible default spec.md's open question pins down.
func (q *Queue) RunDrainer(ctx context.Context, sources []string) {
	if q.spool == nil {
		return
	}
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainOnce(sources)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) drainOnce(sources []string) {
	lowWatermark := int(float64(q.cfg.MaxSize) * q.cfg.LowWatermark)
	if q.Depth() >= lowWatermark {
		return
	}
	for _, src := range sources {
		budget := lowWatermark - q.Depth()
		if budget <= 0 {
			return
		}
		recs, commit, err := q.spool.Drain(src, budget)
		if err != nil || len(recs) == 0 {
			continue
		}
		q.mu.Lock()
		tmp := list.New()
		for _, r := range recs {
			q.seq++
			tmp.PushBack(r.WithSeq(q.seq))
		}
		q.items.PushFrontList(tmp)
		q.signal()
		metrics.QueueDepth.Set(float64(q.items.Len()))
		q.mu.Unlock()
		if commit != nil {
			_ = commit()
		}
	}
}
