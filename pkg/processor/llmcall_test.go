package processor

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
)

func TestProcessLLMCallFailureFailsEventWithNotice(t *testing.T) {
	deps := &Deps{
		LLM:    llm.NewRegistry(slog.Default()),
		Logger: slog.Default(),
	}

	ev := &models.Event{
		ID:       models.NewID(),
		ThreadID: "thr-1",
		Type:     models.EventTypeLLMCall,
		Payload: models.MustMarshal(models.LLMCallPayload{
			AgentName: "helper",
			AgentID:   "helper",
			Messages:  []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
			Config:    models.ProviderConfig{Provider: "nosuch", Model: "m"},
		}),
	}

	outcome, err := processLLMCall(context.Background(), ev, deps)
	require.NoError(t, err)

	// The event fails AND the failure surfaces in the thread: the worker
	// appends the notice before recording the failed status.
	require.Error(t, outcome.Failed)
	require.Len(t, outcome.Produced, 1)
	notice := outcome.Produced[0]
	assert.Equal(t, models.EventTypeNewMessage, notice.Type)
	assert.True(t, notice.MetaBool(models.MetaSkipRouting))

	var payload models.NewMessagePayload
	require.NoError(t, notice.DecodePayload(&payload))
	assert.Equal(t, models.SenderTypeSystem, payload.Sender.Type)
	assert.Contains(t, payload.Content.String(), "helper")
}

func TestProcessLLMCallBadPayload(t *testing.T) {
	deps := &Deps{LLM: llm.NewRegistry(slog.Default()), Logger: slog.Default()}
	ev := &models.Event{
		ID:      models.NewID(),
		Type:    models.EventTypeLLMCall,
		Payload: []byte(`{`),
	}
	_, err := processLLMCall(context.Background(), ev, deps)
	assert.Error(t, err)
}
