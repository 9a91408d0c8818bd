package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/types"
)

// fakeSpooler is an in-memory stand-in for internal/spool's Spool, enough
// to exercise the queue's high-watermark spillover and drain paths without
// touching disk.
type fakeSpooler struct {
	bySource map[string][]*types.ProtocolRecord
	failWrite bool
}

func newFakeSpooler() *fakeSpooler {
	return &fakeSpooler{bySource: map[string][]*types.ProtocolRecord{}}
}

func (f *fakeSpooler) Write(source string, rec *types.ProtocolRecord) error {
	if f.failWrite {
		return fmt.Errorf("fakeSpooler: write refused")
	}
	f.bySource[source] = append(f.bySource[source], rec)
	return nil
}

func (f *fakeSpooler) Drain(source string, max int) ([]*types.ProtocolRecord, func() error, error) {
	recs := f.bySource[source]
	if len(recs) > max {
		recs = recs[:max]
	}
	n := len(recs)
	commit := func() error {
		f.bySource[source] = f.bySource[source][n:]
		return nil
	}
	return recs, commit, nil
}

func (f *fakeSpooler) Depth(source string) (int, error) {
	return len(f.bySource[source]), nil
}

func rec(t *testing.T, source string, n int) *types.ProtocolRecord {
	t.Helper()
	r, err := types.NewRecord(source, "ep", types.ProtocolMQTT, "topic", types.NewFloat64Value(float64(n)), 0, "good", 1, 0, nil)
	require.NoError(t, err)
	return r
}

func TestOfferAcceptsUntilMaxSize(t *testing.T) {
	q := New(Config{MaxSize: 3, DropPolicy: types.DropNewest}, nil)
	for i := 0; i < 3; i++ {
		assert.True(t, q.Offer(rec(t, "s1", i)))
	}
	assert.Equal(t, 3, q.Depth())
}

func TestOfferStampsIngestTimeOnce(t *testing.T) {
	q := New(Config{MaxSize: 10, DropPolicy: types.DropNewest}, nil)
	r := rec(t, "s1", 0)
	require.Zero(t, r.IngestTimeUS)

	before := time.Now().UnixMicro()
	require.True(t, q.Offer(r))
	after := time.Now().UnixMicro()

	out, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	assert.GreaterOrEqual(t, out.IngestTimeUS, before)
	assert.LessOrEqual(t, out.IngestTimeUS, after)
	assert.Equal(t, uint64(1), q.Ingested())
}

func TestDropNewestRefusesWhenFull(t *testing.T) {
	q := New(Config{MaxSize: 2, DropPolicy: types.DropNewest}, nil)
	require.True(t, q.Offer(rec(t, "s1", 0)))
	require.True(t, q.Offer(rec(t, "s1", 1)))

	accepted := q.Offer(rec(t, "s1", 2))
	assert.False(t, accepted)
	assert.Equal(t, uint64(1), q.DroppedNewest("s1"))

	// The original two records stay, in order: drop_newest keeps the
	// existing prefix and refuses the new tail element.
	first, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	second, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 0.0, *first.ValueNum)
	assert.Equal(t, 1.0, *second.ValueNum)
}

func TestDropOldestEvictsFrontAndKeepsSuffix(t *testing.T) {
	q := New(Config{MaxSize: 2, DropPolicy: types.DropOldest}, nil)
	require.True(t, q.Offer(rec(t, "s1", 0)))
	require.True(t, q.Offer(rec(t, "s1", 1)))

	accepted := q.Offer(rec(t, "s1", 2))
	assert.True(t, accepted, "drop_oldest always admits the new record")
	assert.Equal(t, uint64(1), q.DroppedOldest("s1"))
	assert.Equal(t, 2, q.Depth())

	first, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	second, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 1.0, *first.ValueNum)
	assert.Equal(t, 2.0, *second.ValueNum)
}

func TestHighWatermarkSpillsToSpoolBeforeMaxSize(t *testing.T) {
	sp := newFakeSpooler()
	q := New(Config{MaxSize: 10, HighWatermark: 0.5, DropPolicy: types.DropNewest, SpoolEnabled: true}, sp)

	for i := 0; i < 5; i++ {
		require.True(t, q.Offer(rec(t, "s1", i)))
	}
	// Depth is 5 == high watermark (0.5 * 10); the 6th record should spill
	// to spool instead of growing the in-memory queue further.
	require.True(t, q.Offer(rec(t, "s1", 5)))

	assert.Equal(t, 5, q.Depth())
	assert.Len(t, sp.bySource["s1"], 1)
}

func TestDrainOnceRefillsFromSpoolBelowLowWatermark(t *testing.T) {
	sp := newFakeSpooler()
	for i := 0; i < 3; i++ {
		require.NoError(t, sp.Write("s1", rec(t, "s1", i)))
	}

	q := New(Config{MaxSize: 10, LowWatermark: 0.5, DropPolicy: types.DropNewest, SpoolEnabled: true}, sp)
	q.drainOnce([]string{"s1"})

	assert.Equal(t, 3, q.Depth())
	assert.Empty(t, sp.bySource["s1"])
}

func TestIngestedCountsEveryAdmissionPath(t *testing.T) {
	sp := newFakeSpooler()
	q := New(Config{MaxSize: 1, HighWatermark: 1, DropPolicy: types.DropNewest, SpoolEnabled: true}, sp)

	require.True(t, q.Offer(rec(t, "s1", 0))) // fills the only memory slot
	require.True(t, q.Offer(rec(t, "s1", 1))) // over capacity, spills to spool

	assert.Equal(t, uint64(2), q.Ingested())
}
