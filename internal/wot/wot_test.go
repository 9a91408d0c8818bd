package wot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otbridge/connector/internal/types"
)

func TestProtocolFromBase(t *testing.T) {
	cases := []struct {
		base string
		want types.ProtocolKind
	}{
		{"opc.tcp://plc.local:4840", types.ProtocolOPCUA},
		{"mqtt://broker.local:1883", types.ProtocolMQTT},
		{"mqtts://broker.local:8883", types.ProtocolMQTT},
		{"modbus://gateway.local:502", types.ProtocolModbus},
	}
	for _, c := range cases {
		got, err := protocolFromBase(c.base)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestProtocolFromBaseRejectsUnknownScheme(t *testing.T) {
	_, err := protocolFromBase("https://dashboard.local")
	assert.Error(t, err)
}

func TestParseExtractsPropertiesAndUnits(t *testing.T) {
	doc := []byte(`{
		"id": "urn:dev:thing1",
		"title": "Tank Sensor",
		"base": "mqtt://broker.local:1883",
		"properties": {
			"level": {"type": "number", "unit": "m", "qudt:unit": "qudt:Meter"},
			"temperature": {"@type": "Temperature"}
		}
	}`)

	cfg, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "urn:dev:thing1", cfg.ThingID)
	assert.Equal(t, types.ProtocolMQTT, cfg.ProtocolKind)
	assert.ElementsMatch(t, []string{"level", "temperature"}, cfg.Properties)
	assert.Equal(t, "qudt:Meter", cfg.UnitURI["level"])
	assert.Equal(t, "Temperature", cfg.SemanticType["temperature"])
}

func TestParseRejectsMissingBase(t *testing.T) {
	doc := []byte(`{"id": "urn:dev:thing2", "properties": {}}`)
	_, err := Parse(doc)
	assert.Error(t, err)
}

func TestSourceFromThingConfig(t *testing.T) {
	cfg := &types.ThingConfig{
		ThingID:      "urn:dev:thing1",
		Endpoint:     "modbus://gateway.local:502",
		ProtocolKind: types.ProtocolModbus,
	}
	src := SourceFromThingConfig("tank-1", cfg)
	assert.Equal(t, "tank-1", src.Name)
	assert.Equal(t, types.ProtocolModbus, src.Protocol)
	assert.True(t, src.Enabled)
	assert.Same(t, cfg, src.Thing, "the parsed thing config must carry through to the source")
}

func TestDecorateFillsWoTFieldsForNamedProperty(t *testing.T) {
	cfg := &types.ThingConfig{
		ThingID:      "crusher_1",
		Title:        "Crusher 1",
		SemanticType: map[string]string{"motor_power": "Power"},
		UnitURI:      map[string]string{"motor_power": "http://qudt.org/unit/KiloW"},
	}

	var got *types.ProtocolRecord
	decorated := Decorate(cfg, func(rec *types.ProtocolRecord) { got = rec })

	rec, err := types.NewRecord("crusher_1_motor_power", "ep", types.ProtocolOPCUA, "motor_power",
		types.NewFloat64Value(42), 0, "good", 1, 1, nil)
	require.NoError(t, err)
	decorated(rec)

	require.NotNil(t, got)
	require.NotNil(t, got.ThingID)
	require.NotNil(t, got.ThingTitle)
	require.NotNil(t, got.SemanticType)
	require.NotNil(t, got.UnitURI)
	assert.Equal(t, "crusher_1", *got.ThingID)
	assert.Equal(t, "Crusher 1", *got.ThingTitle)
	assert.Equal(t, "Power", *got.SemanticType)
	assert.Equal(t, "http://qudt.org/unit/KiloW", *got.UnitURI)
}

func TestDecoratePassesThroughUnnamedPropertyWithEmptyFields(t *testing.T) {
	cfg := &types.ThingConfig{
		ThingID:      "crusher_1",
		Title:        "Crusher 1",
		SemanticType: map[string]string{"motor_power": "Power"},
		UnitURI:      map[string]string{"motor_power": "http://qudt.org/unit/KiloW"},
	}

	var got *types.ProtocolRecord
	decorated := Decorate(cfg, func(rec *types.ProtocolRecord) { got = rec })

	rec, err := types.NewRecord("crusher_1_vibration", "ep", types.ProtocolOPCUA, "vibration",
		types.NewFloat64Value(1), 0, "good", 1, 1, nil)
	require.NoError(t, err)
	decorated(rec)

	require.NotNil(t, got)
	assert.Equal(t, "", *got.SemanticType)
	assert.Equal(t, "", *got.UnitURI)
}

func TestDecoratePassesThroughWhenThingConfigNil(t *testing.T) {
	var called *types.ProtocolRecord
	decorated := Decorate(nil, func(rec *types.ProtocolRecord) { called = rec })

	rec, err := types.NewRecord("s1", "ep", types.ProtocolOPCUA, "x", types.NewFloat64Value(1), 0, "good", 1, 1, nil)
	require.NoError(t, err)
	decorated(rec)

	assert.Same(t, rec, called)
}
