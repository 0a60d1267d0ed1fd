package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"localhost:4317":            "localhost:4317",
		"http://collector:4317":     "collector:4317",
		"https://otel.example.com/": "otel.example.com",
		" collector:4317/ ":         "collector:4317",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeEndpoint(in), in)
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
