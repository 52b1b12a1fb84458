package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitNone(t *testing.T) {
	require.NoError(t, Init(Config{Exporter: "none"}, nil))

	ctx, span := StartSpan(context.Background(), "test", attribute.String("session.id", "s1"))
	assert.NotNil(t, ctx)
	End(span, errors.New("boom"))
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{Exporter: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unknown exporter")
}

func TestInitStdoutAndShutdown(t *testing.T) {
	require.NoError(t, Init(Config{Exporter: "stdout", ServiceName: "test"}, nil))
	_, span := StartSpan(context.Background(), "stdout-span")
	End(span, nil)
	assert.NoError(t, Shutdown(context.Background()))
	assert.NoError(t, Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"empty", "", nil},
		{"single", "Authorization=Bearer x", map[string]string{"Authorization": "Bearer x"}},
		{"multiple", "a=1, b=2", map[string]string{"a": "1", "b": "2"}},
		{"skips malformed", "a=1,broken,=x", map[string]string{"a": "1"}},
		{"value with equals", "k=v=w", map[string]string{"k": "v=w"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHeaders(tt.in))
		})
	}
}
