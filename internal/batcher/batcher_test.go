package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/queue"
	"github.com/otbridge/connector/internal/types"
)

type fakeSender struct {
	mu      sync.Mutex
	batches []*types.Batch
}

func (f *fakeSender) Send(ctx context.Context, batch *types.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestRecord(t *testing.T, seq int) *types.ProtocolRecord {
	t.Helper()
	rec, err := types.NewRecord("src", "endpoint", types.ProtocolMQTT, "topic", types.NewInt64Value(int64(seq)), 0, "good", 0, 0, nil)
	require.NoError(t, err)
	return rec
}

func TestBatcherClosesBatchOnSize(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 100, DropPolicy: types.DropNewest}, nil)
	for i := 0; i < 3; i++ {
		assert.True(t, q.Offer(newTestRecord(t, i)))
	}

	sender := &fakeSender{}
	cfg := Config{BatchSize: 3, BatchMaxAge: time.Minute, MaxSendRecordsPerSec: 1000, TakeTimeout: 50 * time.Millisecond}
	b := New(cfg, q, sender)

	batch := b.collect(context.Background())
	assert.Equal(t, 3, batch.Len())
}

func TestBatcherClosesBatchOnAge(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 100, DropPolicy: types.DropNewest}, nil)
	assert.True(t, q.Offer(newTestRecord(t, 1)))

	cfg := Config{BatchSize: 500, BatchMaxAge: 50 * time.Millisecond, MaxSendRecordsPerSec: 1000, TakeTimeout: 20 * time.Millisecond}
	b := New(cfg, q, &fakeSender{})

	start := time.Now()
	batch := b.collect(context.Background())
	assert.Equal(t, 1, batch.Len())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBatcherRunForwardsToSender(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 100, DropPolicy: types.DropNewest}, nil)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Offer(newTestRecord(t, i)))
	}

	sender := &fakeSender{}
	cfg := Config{BatchSize: 5, BatchMaxAge: 100 * time.Millisecond, MaxSendRecordsPerSec: 1000, TakeTimeout: 20 * time.Millisecond}
	b := New(cfg, q, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = b.Run(ctx)

	assert.GreaterOrEqual(t, sender.count(), 1)
}
