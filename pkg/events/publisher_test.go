package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/test/util"
)

func TestTruncateIfNeededSmallPayloadUnchanged(t *testing.T) {
	payload := `{"type":"message.created","thread_id":"thr-1","content":"hello"}`
	got, err := truncateIfNeeded(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTruncateIfNeededLargePayloadBuildsEnvelope(t *testing.T) {
	big := map[string]any{
		"type":       StreamMessageCreated,
		"thread_id":  "thr-1",
		"message_id": "msg-1",
		"content":    strings.Repeat("x", 9000),
	}
	payloadJSON, err := json.Marshal(big)
	require.NoError(t, err)

	got, err := truncateIfNeeded(string(payloadJSON))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 7900)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &envelope))
	assert.Equal(t, true, envelope["truncated"])
	assert.Equal(t, StreamMessageCreated, envelope["type"])
	assert.Equal(t, "thr-1", envelope["thread_id"])
	assert.Equal(t, "msg-1", envelope["message_id"])
	assert.NotContains(t, envelope, "content")
}

func TestInjectDBEventID(t *testing.T) {
	payload := []byte(`{"type":"event.status","thread_id":"thr-1"}`)
	got, err := injectDBEventIDAndTruncate(payload, 42)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &m))
	assert.Equal(t, float64(42), m["db_event_id"])
	assert.Equal(t, "event.status", m["type"])
}

func TestInjectDBEventIDSurvivesTruncation(t *testing.T) {
	big := map[string]any{
		"type":      StreamEventStatus,
		"thread_id": "thr-1",
		"error":     strings.Repeat("e", 9000),
	}
	payloadJSON, err := json.Marshal(big)
	require.NoError(t, err)

	got, err := injectDBEventIDAndTruncate(payloadJSON, 7)
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &envelope))
	assert.Equal(t, true, envelope["truncated"])
	assert.Equal(t, float64(7), envelope["db_event_id"])
}

func TestThreadChannel(t *testing.T) {
	assert.Equal(t, "thread:abc", ThreadChannel("abc"))
}

func TestPublishTokenTerminalChunkRoundTrip(t *testing.T) {
	client := util.SetupTestClient(t)
	ctx := context.Background()

	conn, err := client.Pool().Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	_, err = conn.Exec(ctx, `LISTEN "thread:thr-stream"`)
	require.NoError(t, err)

	p := NewPublisher(client.DB())
	require.NoError(t, p.PublishToken(ctx, "thr-stream", TokenPayload{
		Type:       StreamToken,
		EventID:    "evt-1",
		ThreadID:   "thr-stream",
		AgentID:    "helper",
		IsComplete: true,
		Timestamp:  Timestamp(),
	}))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := conn.Conn().WaitForNotification(waitCtx)
	require.NoError(t, err)

	// The terminal chunk tells stream consumers the LLM turn is over.
	var got TokenPayload
	require.NoError(t, json.Unmarshal([]byte(n.Payload), &got))
	assert.True(t, got.IsComplete)
	assert.Empty(t, got.Delta)
	assert.Equal(t, "evt-1", got.EventID)
}
