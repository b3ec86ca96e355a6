package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/auth"
	"creditcore.io/internal/model"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42", CompanyID: "acme", Role: model.RoleAdmin})

	require.NoError(t, LogEvent(ctx, logger, "request.approved", map[string]any{"request": "req_1"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "audit", entry["type"])
	assert.Equal(t, "request.approved", entry["event"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "user-42", entry["user_id"])
	assert.Equal(t, "acme", entry["company_id"])
	fields, ok := entry["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req_1", fields["request"])
}

func TestLogEventRequiresName(t *testing.T) {
	var buf bytes.Buffer
	err := LogEvent(context.Background(), zerolog.New(&buf), "  ", nil)
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestLogEventWithoutContext(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, LogEvent(context.Background(), zerolog.New(&buf), "sweep.tick", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "request_id")
	assert.NotContains(t, entry, "user_id")
	assert.Equal(t, map[string]any{}, entry["fields"])
}
