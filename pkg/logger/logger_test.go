package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_FieldMap(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("debug", &buf)

	log.WithComponent("verifier").Info("hello")

	line := decodeLine(t, &buf)
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "verifier", line["component"])
	assert.Contains(t, line, "timestamp")
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log := New("loud")
	assert.Equal(t, "info", log.GetLevel().String())
}

func TestLogger_KeyEvent(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", &buf)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	log.KeyEvent(ctx, "regenerated", "0xabc", "deadbeef", nil)

	line := decodeLine(t, &buf)
	assert.Equal(t, "regenerated", line["event"])
	assert.Equal(t, "deadbeef", line["fingerprint"])
	assert.Equal(t, "req-1", line["request_id"])
}

func TestLogger_AccessFailureIsWarning(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", &buf)

	log.Access(context.Background(), "resolve", "0xa", "0xb", "doc-1", false, map[string]interface{}{"kind": "access_denied"})

	line := decodeLine(t, &buf)
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "doc-1", line["document_id"])
}
