// Package batcher assembles queued records into bounded batches and rate
// limits delivery to the sink (spec §4.5). A batch closes on whichever of
// size or age comes first, the way a teacher reconciler loop bounds a
// single work pass by a tick interval rather than an item count alone.
package batcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/queue"
	"github.com/otbridge/connector/internal/types"
)

// Config holds the pipeline's batching and rate-limit parameters.
type Config struct {
	BatchSize           int
	BatchMaxAge         time.Duration
	MaxSendRecordsPerSec float64
	TakeTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:            500,
		BatchMaxAge:          time.Second,
		MaxSendRecordsPerSec: 2000,
		TakeTimeout:          200 * time.Millisecond,
	}
}

// Sender is what the batcher hands completed batches to; internal/sink
// implements it.
type Sender interface {
	Send(ctx context.Context, batch *types.Batch) error
}

// Batcher pulls from a queue, groups records into size/age-bounded
// batches, rate limits them, and forwards each to a Sender.
type Batcher struct {
	cfg     Config
	q       *queue.Queue
	limiter *rate.Limiter
	sender  Sender
}

func New(cfg Config, q *queue.Queue, sender Sender) *Batcher {
	return &Batcher{
		cfg:     cfg,
		q:       q,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxSendRecordsPerSec), cfg.BatchSize),
		sender:  sender,
	}
}

// Run assembles and forwards batches until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) error {
	l := log.WithComponent("batcher")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch := b.collect(ctx)
		if batch.Len() == 0 {
			continue
		}

		if err := b.limiter.WaitN(ctx, batch.Len()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Warn().Err(err).Msg("rate limiter wait failed")
			continue
		}

		if err := b.sender.Send(ctx, batch); err != nil {
			l.Warn().Err(err).Int("records", batch.Len()).Msg("batch send failed")
		}
	}
}

// collect pulls records off the queue until the batch fills, the max-age
// window elapses, or ctx is cancelled — whichever comes first.
func (b *Batcher) collect(ctx context.Context) *types.Batch {
	batch := &types.Batch{}
	deadline := time.Now().Add(b.cfg.BatchMaxAge)

	for len(batch.Records) < b.cfg.BatchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timeout := remaining
		if b.cfg.TakeTimeout < timeout {
			timeout = b.cfg.TakeTimeout
		}
		rec, ok := b.q.Take(ctx, timeout)
		if !ok {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch
}
