package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerRecord(t *testing.T) {
	buf := &bytes.Buffer{}
	a := NewAuditLogger(buf)

	a.Record(context.Background(), AuditEvent{
		Type:     "tool",
		Provider: "weather",
		Action:   "execute:get_forecast",
		Status:   "success",
		CallID:   "call-1",
		Metadata: map[string]interface{}{"duration_ms": 12},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tool", line["event_type"])
	assert.Equal(t, "weather", line["provider"])
	assert.Equal(t, "execute:get_forecast", line["action"])
	assert.Equal(t, "call-1", line["call_id"])
	assert.NotContains(t, line, "trace_id")
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "tools.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	RecordToolAudit(context.Background(), "weather", "get_forecast", "call-9", "timeout", 2*time.Second)
	RecordProviderAudit(context.Background(), "weather", "connect", "success", nil)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"status":"timeout"`)
	assert.Contains(t, lines[0], `"duration_ms":2000`)
	assert.Contains(t, lines[1], `"event_type":"provider"`)
}
