package spool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/types"
)

func testConfig(t *testing.T, encrypted bool) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Directory:         dir + "/spool",
		DLQDirectory:      dir + "/dlq",
		MaxSegmentBytes:   1 << 20,
		EncryptionEnabled: encrypted,
		FsyncEveryN:       1,
	}
	if encrypted {
		cfg.Passphrase = []byte("correct horse battery staple")
	}
	return cfg
}

func testRecord(t *testing.T, n int) *types.ProtocolRecord {
	t.Helper()
	r, err := types.NewRecord("s1", "ep", types.ProtocolMQTT, "topic", types.NewFloat64Value(float64(n)), 0, "good", int64(n), int64(n), map[string]string{"k": "v"})
	require.NoError(t, err)
	return r
}

func TestWriteDrainRoundTripPlaintext(t *testing.T) {
	sp, err := Open(testConfig(t, false), "inst-1")
	require.NoError(t, err)
	defer sp.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sp.Write("s1", testRecord(t, i)))
	}

	recs, commit, err := sp.Drain("s1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, int64(i), r.EventTimeUS)
		assert.Equal(t, "v", r.Metadata["k"])
	}
	require.NoError(t, commit())

	depth, err := sp.Depth("s1")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWriteDrainRoundTripEncrypted(t *testing.T) {
	sp, err := Open(testConfig(t, true), "inst-1")
	require.NoError(t, err)
	defer sp.Close()

	require.NoError(t, sp.Write("s1", testRecord(t, 42)))

	recs, commit, err := sp.Drain("s1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].EventTimeUS)
	require.NoError(t, commit())
}

func TestDrainRespectsMaxAndCommitOnlyRemovesReturned(t *testing.T) {
	sp, err := Open(testConfig(t, false), "inst-1")
	require.NoError(t, err)
	defer sp.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, sp.Write("s1", testRecord(t, i)))
	}

	recs, commit, err := sp.Drain("s1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(0), recs[0].EventTimeUS)
	assert.Equal(t, int64(1), recs[1].EventTimeUS)

	require.NoError(t, commit())

	remaining, _, err := sp.Drain("s1", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, int64(2), remaining[0].EventTimeUS)
}

func TestWriteDLQFoldsInRejectionReason(t *testing.T) {
	sp, err := Open(testConfig(t, false), "inst-1")
	require.NoError(t, err)
	defer sp.Close()

	require.NoError(t, sp.WriteDLQ("s1", "schema validation failed", testRecord(t, 1)))

	recs, _, err := sp.Drain("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "DLQ writes must not be visible to the ordinary spool drain")
}

func TestThingConfigCacheRoundTrip(t *testing.T) {
	sp, err := Open(testConfig(t, false), "inst-1")
	require.NoError(t, err)
	defer sp.Close()

	_, ok := sp.ThingConfigGet("https://device.example/td.json")
	assert.False(t, ok, "cache should start empty")

	cfg := &types.ThingConfig{
		ThingID:      "crusher_1",
		Title:        "Crusher 1",
		ProtocolKind: types.ProtocolOPCUA,
		Properties:   []string{"motor_power"},
		SemanticType: map[string]string{"motor_power": "Power"},
		UnitURI:      map[string]string{"motor_power": "http://qudt.org/unit/KiloW"},
	}
	require.NoError(t, sp.ThingConfigPut("https://device.example/td.json", cfg))

	got, ok := sp.ThingConfigGet("https://device.example/td.json")
	require.True(t, ok)
	assert.Equal(t, cfg.ThingID, got.ThingID)
	assert.Equal(t, cfg.SemanticType, got.SemanticType)
	assert.Equal(t, cfg.UnitURI, got.UnitURI)
}
