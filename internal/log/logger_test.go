package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), "log output: %s", buf.String())
	return out
}

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	require.NotNil(t, logger)

	// Second call is a no-op.
	prev := logger
	Setup("ERROR", "text")
	assert.Same(t, prev, logger)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DEBUG",
		"WARN":  "WARN",
		"error": "ERROR",
		"":      "INFO",
		"bogus": "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in).String(), "level %q", in)
	}
}

func TestSetupWriterText(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "text")

	Info("hello", "k", "v")
	assert.True(t, strings.Contains(buf.String(), "msg=hello"), buf.String())
	assert.True(t, strings.Contains(buf.String(), "k=v"), buf.String())
}

func TestSetupWriterFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	Info("dropped")
	assert.Zero(t, buf.Len())

	Warn("kept")
	out := decodeLine(t, &buf)
	assert.Equal(t, "kept", out["msg"])
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func() func(string, ...any)
		key   string
		want  string
	}{
		{"component", func() func(string, ...any) { return WithComponent("dispatch").Info }, "component", "dispatch"},
		{"profile", func() func(string, ...any) { return WithProfile("slpf").Info }, "profile", "slpf"},
		{"action", func() func(string, ...any) { return WithAction("deny").Info }, "action", "deny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetupWriter(&buf, "info", "json")

			tt.build()("hello")

			out := decodeLine(t, &buf)
			assert.Equal(t, tt.want, out[tt.key])
			assert.Equal(t, "hello", out["msg"])
		})
	}
}
