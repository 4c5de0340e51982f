package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, nil)
	require.NoError(t, err)

	_, span := Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", SampleRatio: 1, Writer: &buf}, nil)
	require.NoError(t, err)

	_, span := Tracer("test").Start(context.Background(), "cache.sync")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	Shutdown(context.Background(), shutdown, nil)
	assert.Contains(t, buf.String(), "cache.sync")
	assert.Contains(t, buf.String(), ServiceName)

	// leave the global provider disabled for other tests
	_, err = Init(context.Background(), Config{}, nil)
	require.NoError(t, err)
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}, nil)
	assert.ErrorContains(t, err, "unsupported tracing exporter")
}
