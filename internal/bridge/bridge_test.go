package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/batcher"
	"github.com/otbridge/connector/internal/breaker"
	"github.com/otbridge/connector/internal/queue"
	"github.com/otbridge/connector/internal/sink"
	"github.com/otbridge/connector/internal/spool"
	"github.com/otbridge/connector/internal/types"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	dir := t.TempDir()

	cfg := Config{
		Queue: queue.Config{MaxSize: 100, DropPolicy: types.DropNewest},
		Spool: spool.Config{
			Directory:         dir + "/spool",
			DLQDirectory:      dir + "/dlq",
			MaxSegmentBytes:   1 << 20,
			EncryptionEnabled: false,
		},
		Batcher: batcher.DefaultConfig(),
		Sink: sink.Config{
			Endpoint:           "localhost:1",
			TokenURL:           "http://localhost:1/token",
			ClientID:           "test",
			ClientSecret:       "test",
			MaxInflightRecords: 100,
			MaxRetries:         1,
			RetryBase:          10 * time.Millisecond,
			RetryCap:           100 * time.Millisecond,
			Breaker:            breaker.DefaultConfig(),
		},
	}

	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.sp.Close(); _ = b.snk.Close() })
	return b
}

func TestAddSourceRejectsDuplicate(t *testing.T) {
	b := newTestBridge(t)
	src := types.Source{Name: "line1", Protocol: types.ProtocolMQTT, Enabled: false}

	require.NoError(t, b.AddSource(src))
	assert.Error(t, b.AddSource(src))
}

func TestListSourcesReflectsAdditions(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.AddSource(types.Source{Name: "line1"}))
	require.NoError(t, b.AddSource(types.Source{Name: "line2"}))

	names := map[string]bool{}
	for _, s := range b.ListSources() {
		names[s.Name] = true
	}
	assert.True(t, names["line1"])
	assert.True(t, names["line2"])
}

func TestRemoveSourceForgetsIt(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.AddSource(types.Source{Name: "line1"}))
	require.NoError(t, b.RemoveSource("line1"))
	assert.Empty(t, b.ListSources())
}

func TestStopSourceOnUnknownNameErrors(t *testing.T) {
	b := newTestBridge(t)
	assert.Error(t, b.StopSource("does-not-exist"))
}

func TestStatusReportsStoppedForRegisteredButUnstartedSource(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.AddSource(types.Source{Name: "line1"}))

	status := b.Status()
	require.Contains(t, status, "line1")
	assert.Equal(t, "stopped", string(status["line1"].State))
}
