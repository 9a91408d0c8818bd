package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
connector:
  state_dir: /var/lib/otdmz-connector
  log_level: info
  api_addr: 127.0.0.1:8090
pipeline:
  queue:
    max_size: 10000
    drop_policy: drop_newest
  batcher:
    batch_size: 500
    batch_max_age: 1s
    max_send_records_per_sec: 2000
  sink:
    endpoint: ingest.example.com:443
    token_url: https://auth.example.com/oauth/token
    client_id: connector-1
    client_secret_env: SINK_CLIENT_SECRET
    breaker:
      failure_threshold: 5
      cooldown_base: 30s
      cooldown_cap: 10m
sources:
  - name: line1-mqtt
    protocol: mqtt
    enabled: true
    mqtt:
      topics:
        - topic: plant/line1/#
          qos: 1
`

func TestParseValidConfig(t *testing.T) {
	f, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", f.Connector.APIAddr)
	assert.Equal(t, 10000, f.Pipeline.Queue.MaxSize)
	assert.Len(t, f.Sources, 1)
	assert.Equal(t, "line1-mqtt", f.Sources[0].Name)

	// defaults applied
	assert.Equal(t, float64(0.9), f.Pipeline.Queue.HighWatermark)
	assert.NotZero(t, f.Shutdown.SoftTimeout)
	assert.NotZero(t, f.Shutdown.HardTimeout)
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	bad := `
connector:
  state_dir: ""
pipeline:
  queue:
    max_size: 10000
  batcher:
    batch_size: 500
    batch_max_age: 1s
    max_send_records_per_sec: 2000
  sink:
    endpoint: ""
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParseRejectsSourceMissingProtocolBlock(t *testing.T) {
	bad := validYAML + `
  - name: line2-opcua
    protocol: opcua
    enabled: true
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("connector: [this is not a map"))
	assert.Error(t, err)
}
