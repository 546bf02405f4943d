package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled_NoopTracer(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, span := StartBackendSpan(context.Background(), p.Tracer(), "memory", "get", "somekey")
	defer span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
