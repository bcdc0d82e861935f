package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		environment string
		sampleRate  float64
		want        string
	}{
		{"production", 0.01, "TraceIDRatioBased{0.01}"},
		{"staging", 0.5, "TraceIDRatioBased{0.1}"},
		{"development", 0.5, "AlwaysOnSampler"},
		{"", 0, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		t.Run(tt.environment, func(t *testing.T) {
			s := samplerFor(TracingConfig{Environment: tt.environment, SampleRate: tt.sampleRate})
			assert.Equal(t, tt.want, s.Description())
		})
	}
}

func TestCreateResource_CarriesServiceIdentity(t *testing.T) {
	res, err := createResource(TracingConfig{
		ServiceName:    "hostbroker",
		ServiceVersion: "1.2.3",
		Environment:    "staging",
	})
	require.NoError(t, err)

	found := map[string]string{}
	for _, attr := range res.Attributes() {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "hostbroker", found["service.name"])
	assert.Equal(t, "1.2.3", found["service.version"])
	assert.Equal(t, "staging", found["deployment.environment"])
}

func TestTracerProvider_NilSafety(t *testing.T) {
	var tp *TracerProvider

	assert.NoError(t, tp.Shutdown(context.Background()))
}
