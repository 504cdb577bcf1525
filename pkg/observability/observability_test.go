package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "workgraph-policy-engine", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationWhenDisabled(t *testing.T) {
	p := Disabled()

	ctx, done := p.TrackOperation(context.Background(), "policy.compile",
		attribute.String("project.id", "proj-1"),
	)
	require.NotNil(t, ctx)
	done(nil)

	_, done = p.TrackOperation(context.Background(), "policy.compile")
	done(errors.New("boom"))
}

func TestNilProviderIsUsable(t *testing.T) {
	var p *Provider
	_, done := p.TrackOperation(context.Background(), "simulate")
	done(nil)
	require.NoError(t, p.Shutdown(context.Background()))
}
