package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupNoneIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupStdoutInstallsProvider(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
}

func TestSetupOTLPDoesNotDialEagerly(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Exporter:     ExporterOTLP,
		OTLPEndpoint: "localhost:1",
		OTLPInsecure: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
}
