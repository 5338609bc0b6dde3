package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "callmonitor-evidence", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// A disabled provider still hands out usable instruments.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	// Nil falls back to DefaultConfig, which tries to dial localhost:4317.
	// Creation succeeds regardless; connection errors surface at export time.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := New(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	_ = p.Shutdown(ctx)
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := []attribute.KeyValue{
		attribute.String("evidence.call_id", "call-1"),
	}

	newCtx, finish := p.TrackOperation(context.Background(), "pipeline.GenerateManifest", attrs...)
	require.NotNil(t, newCtx)

	time.Sleep(1 * time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "pipeline.BuildBundle")
	finish(errors.New("bundle insert failed"))
}

func TestTSAGauge(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.TSAStarted(ctx)
	p.TSAFinished(ctx)
}
