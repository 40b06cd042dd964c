package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/pkg/services"
	"github.com/parley-ai/parley/pkg/tools"
	"github.com/parley-ai/parley/test/util"
)

func TestParseMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"single", "hey @helper can you look at this", []string{"helper"}},
		{"multiple in order", "@helper then @researcher please", []string{"helper", "researcher"}},
		{"deduplicated", "@helper and again @helper", []string{"helper"}},
		{"dots and dashes", "ping @ops-bot.v2 now", []string{"ops-bot.v2"}},
		{"email is not a mention", "mail me at alice@example.com", nil},
		{"start of string", "@helper hi", []string{"helper"}},
		{"after punctuation", "ok, @helper?", []string{"helper"}},
		{"none", "no handles here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMentions(tt.content))
		})
	}
}

func TestDropTarget(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, dropTarget([]string{"a", "b", "c"}, "b"))
	assert.Nil(t, dropTarget([]string{"b"}, "b"))
	assert.Nil(t, dropTarget(nil, "b"))
}

func TestToolCallEventsBatchTagging(t *testing.T) {
	ev := &models.Event{Metadata: map[string]any{
		models.MetaTargetID: "alice",
	}}
	msg := &models.Message{
		ThreadID:   "thr-1",
		SenderName: "helper",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "wait", Args: json.RawMessage(`{"seconds":1}`)},
			{ID: "c2", Name: "timestamp"},
		},
	}

	out := toolCallEvents(ev, msg, "helper")
	require.Len(t, out, 2)

	var first, second models.ToolCallPayload
	require.NoError(t, json.Unmarshal(out[0].Payload, &first))
	require.NoError(t, json.Unmarshal(out[1].Payload, &second))

	assert.Equal(t, "wait", first.Call.Function.Name)
	assert.Equal(t, first.BatchID, second.BatchID, "calls share one batch id")
	assert.NotEmpty(t, first.BatchID)
	assert.Equal(t, 2, first.BatchSize)
	assert.Equal(t, 0, first.BatchIndex)
	assert.Equal(t, 1, second.BatchIndex)

	// The agent's intended recipient rides along for the post-tool reply.
	assert.Equal(t, "alice", out[0].MetaString(models.MetaSourceMessageSenderID))
}

func TestToolCallEventsSingleCallHasNoBatch(t *testing.T) {
	msg := &models.Message{
		ThreadID:   "thr-1",
		SenderName: "helper",
		ToolCalls:  []models.ToolCall{{Name: "timestamp"}},
	}

	out := toolCallEvents(&models.Event{}, msg, "helper")
	require.Len(t, out, 1)

	var payload models.ToolCallPayload
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	assert.Empty(t, payload.BatchID)
	assert.NotEmpty(t, payload.Call.ID, "missing call ids are generated")
}

func TestIntMeta(t *testing.T) {
	ev := &models.Event{Metadata: map[string]any{
		"asInt":   2,
		"asFloat": float64(3), // JSONB round trip
	}}
	assert.Equal(t, 2, intMeta(ev, "asInt"))
	assert.Equal(t, 3, intMeta(ev, "asFloat"))
	assert.Equal(t, 0, intMeta(ev, "missing"))
	assert.Equal(t, 0, intMeta(&models.Event{}, "any"))
}

// --- integration ---

func setupDeps(t *testing.T) *Deps {
	t.Helper()
	client := util.SetupTestClient(t)
	pool := client.Pool()

	threads := services.NewThreadService(pool)
	messages := services.NewMessageService(pool)

	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg))

	return &Deps{
		Threads:   threads,
		Messages:  messages,
		Documents: services.NewDocumentService(pool),
		History:   services.NewHistoryService(messages, threads),
		Graph:     graph.NewStore(pool),
		Agents:    agent.NewRegistry(),
		Tools:     toolReg,
		Fetcher:   rag.NewFetcher(),
		Chunker:   rag.NewChunker(rag.DefaultChunkConfig()),
		Logger:    slog.Default(),
	}
}

func newMessageEvent(threadID, content string, sender models.Sender) *models.Event {
	return &models.Event{
		ID:       models.NewID(),
		ThreadID: threadID,
		Type:     models.EventTypeNewMessage,
		Payload: models.MustMarshal(models.NewMessagePayload{
			Content: models.TextContent(content),
			Sender:  sender,
		}),
	}
}

func TestProcessMessageRoutesToDefaultAgent(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{
		Name: "helper", Description: "a helper",
		LLM: models.ProviderConfig{Provider: "openai", Model: "gpt-4o"},
	}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	ev := newMessageEvent(thread.ID, "hello there", models.Sender{Type: models.SenderTypeUser, ID: "alice"})
	outcome, err := processMessage(ctx, ev, deps)
	require.NoError(t, err)

	require.Len(t, outcome.Produced, 1)
	llmEv := outcome.Produced[0]
	assert.Equal(t, models.EventTypeLLMCall, llmEv.Type)
	assert.Equal(t, "alice", llmEv.MetaString(models.MetaTargetID), "reply goes back to the sender")

	var payload models.LLMCallPayload
	require.NoError(t, json.Unmarshal(llmEv.Payload, &payload))
	assert.Equal(t, "helper", payload.AgentName)
	require.NotEmpty(t, payload.Messages)
	assert.Equal(t, models.ChatRoleSystem, payload.Messages[0].Role)
	assert.Contains(t, payload.Messages[0].Content, "You are helper")

	// Message persisted under the event id so replays converge.
	msg, err := deps.Messages.GetMessage(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Content)

	// Persisted target sticks for the next message.
	updated, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "helper", updated.Meta().ParticipantTarget("alice"))
}

func TestProcessMessageReplayProducesSameMessage(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	ev := newMessageEvent(thread.ID, "hello", models.Sender{Type: models.SenderTypeUser, ID: "alice"})
	_, err = processMessage(ctx, ev, deps)
	require.NoError(t, err)
	_, err = processMessage(ctx, ev, deps)
	require.NoError(t, err)

	msgs, err := deps.Messages.ListMessages(ctx, thread.ID, 0, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "replayed event must not duplicate the message")

	// The graph dual-write is idempotent too.
	nodes, err := deps.Graph.GetNodesByNamespace(ctx, models.ThreadNamespace(thread.ID), models.NodeTypeMessage)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestProcessMessageMentionOverridesPersistedTarget(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "researcher"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name:         "multi",
		Participants: []string{"alice", "helper", "researcher"},
		Metadata: map[string]any{
			models.ThreadMetaParticipantTargets: map[string]any{"alice": "helper"},
		},
	})
	require.NoError(t, err)

	ev := newMessageEvent(thread.ID, "@researcher what do you think?",
		models.Sender{Type: models.SenderTypeUser, ID: "alice"})
	outcome, err := processMessage(ctx, ev, deps)
	require.NoError(t, err)

	require.Len(t, outcome.Produced, 1)
	var payload models.LLMCallPayload
	require.NoError(t, json.Unmarshal(outcome.Produced[0].Payload, &payload))
	assert.Equal(t, "researcher", payload.AgentName)
}

func TestProcessMessageSkipRouting(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	ev := systemMessageEvent(thread.ID, "Indexed \"doc\" (3 chunks).")
	ev.ID = models.NewID()
	outcome, err := processMessage(ctx, ev, deps)
	require.NoError(t, err)
	assert.Empty(t, outcome.Produced, "system notices never trigger an LLM")
}

func TestProcessMessageLoopGuard(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "researcher"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name:         "pingpong",
		Participants: []string{"alice", "helper", "researcher"},
		Metadata:     map[string]any{models.ThreadMetaMaxAgentTurns: 2},
	})
	require.NoError(t, err)

	agentReply := func(from, to string) *models.Event {
		ev := newMessageEvent(thread.ID, "over to you",
			models.Sender{Type: models.SenderTypeAgent, ID: from, Name: from})
		ev.Metadata = map[string]any{models.MetaTargetID: to}
		return ev
	}

	// First agent-to-agent hop proceeds.
	outcome, err := processMessage(ctx, agentReply("helper", "researcher"), deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 1)
	assert.Equal(t, models.EventTypeLLMCall, outcome.Produced[0].Type)

	// Second hop hits the cap: no LLM call, counter resets.
	outcome, err = processMessage(ctx, agentReply("researcher", "helper"), deps)
	require.NoError(t, err)
	assert.Empty(t, outcome.Produced)

	updated, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Meta().AgentTurnCount())
}

func TestProcessMessageAgentToolCallsFanOut(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	ev := &models.Event{
		ID:       models.NewID(),
		ThreadID: thread.ID,
		Type:     models.EventTypeNewMessage,
		Payload: models.MustMarshal(models.NewMessagePayload{
			Sender: models.Sender{Type: models.SenderTypeAgent, ID: "helper", Name: "helper"},
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "timestamp"},
				{ID: "c2", Name: "wait", Args: json.RawMessage(`{"seconds":1}`)},
			},
		}),
		Metadata: map[string]any{models.MetaTargetID: "alice"},
	}

	outcome, err := processMessage(ctx, ev, deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 2)
	for _, produced := range outcome.Produced {
		assert.Equal(t, models.EventTypeToolCall, produced.Type)
		assert.Equal(t, "alice", produced.MetaString(models.MetaSourceMessageSenderID))
	}
}

func TestProcessMessageToolBatchAggregation(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	toolResult := func(callID string) *models.Event {
		return &models.Event{
			ID:       models.NewID(),
			ThreadID: thread.ID,
			Type:     models.EventTypeNewMessage,
			Payload: models.MustMarshal(models.NewMessagePayload{
				Content:    models.TextContent("result for " + callID),
				Sender:     models.Sender{Type: models.SenderTypeTool, ID: "tool:wait", Name: "wait"},
				ToolCallID: callID,
			}),
			Metadata: map[string]any{
				models.MetaTargetID:  "helper",
				"agentName":          "helper",
				models.MetaBatchID:   "batch-1",
				models.MetaBatchSize: 2,
			},
		}
	}

	// First result parks; no LLM call yet.
	outcome, err := processMessage(ctx, toolResult("c1"), deps)
	require.NoError(t, err)
	assert.Empty(t, outcome.Produced)

	mid, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.NotNil(t, mid.Meta().PendingToolBatch("batch-1"))

	// Completing result triggers the agent's next turn.
	outcome, err = processMessage(ctx, toolResult("c2"), deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 1)
	assert.Equal(t, models.EventTypeLLMCall, outcome.Produced[0].Type)

	// The entry survives completion so a replayed result converges on the
	// same decision; it ages out later instead.
	done, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	batch := done.Meta().PendingToolBatch("batch-1")
	require.NotNil(t, batch)
	assert.True(t, batch.Complete())
}

func TestProcessMessageToolBatchReplayStillRoutes(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice", "helper"},
	})
	require.NoError(t, err)

	toolResult := func(callID string) *models.Event {
		return &models.Event{
			ID:       models.NewID(),
			ThreadID: thread.ID,
			Type:     models.EventTypeNewMessage,
			Payload: models.MustMarshal(models.NewMessagePayload{
				Content:    models.TextContent("result for " + callID),
				Sender:     models.Sender{Type: models.SenderTypeTool, ID: "tool:wait", Name: "wait"},
				ToolCallID: callID,
			}),
			Metadata: map[string]any{
				models.MetaTargetID:  "helper",
				"agentName":          "helper",
				models.MetaBatchID:   "batch-2",
				models.MetaBatchSize: 2,
			},
		}
	}

	_, err = processMessage(ctx, toolResult("c1"), deps)
	require.NoError(t, err)
	completing := toolResult("c2")
	outcome, err := processMessage(ctx, completing, deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 1)

	// The batch decision commits before the produced LLM_CALL is appended,
	// so a lease-expiry replay of the completing result must reproduce it.
	outcome, err = processMessage(ctx, completing, deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 1)
	assert.Equal(t, models.EventTypeLLMCall, outcome.Produced[0].Type)
}

func TestProcessMessageLoopGuardCountsToolBearingTurns(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "researcher"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name:         "tooling",
		Participants: []string{"alice", "helper", "researcher"},
		Metadata:     map[string]any{models.ThreadMetaMaxAgentTurns: 2},
	})
	require.NoError(t, err)

	toolTurn := func(from, to string) *models.Event {
		return &models.Event{
			ID:       models.NewID(),
			ThreadID: thread.ID,
			Type:     models.EventTypeNewMessage,
			Payload: models.MustMarshal(models.NewMessagePayload{
				Sender:    models.Sender{Type: models.SenderTypeAgent, ID: from, Name: from},
				ToolCalls: []models.ToolCall{{ID: "c-" + from, Name: "timestamp"}},
			}),
			Metadata: map[string]any{models.MetaTargetID: to},
		}
	}

	// A tool-bearing agent-to-agent turn still advances the hop counter.
	outcome, err := processMessage(ctx, toolTurn("helper", "researcher"), deps)
	require.NoError(t, err)
	require.Len(t, outcome.Produced, 1)
	assert.Equal(t, models.EventTypeToolCall, outcome.Produced[0].Type)

	mid, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mid.Meta().AgentTurnCount())

	// The cap fires on the next one: nothing emitted, counter reset.
	outcome, err = processMessage(ctx, toolTurn("researcher", "helper"), deps)
	require.NoError(t, err)
	assert.Empty(t, outcome.Produced)

	done, err := deps.Threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, done.Meta().AgentTurnCount())
}

func TestProcessMessagePersistsTargetQueue(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "helper"}))
	require.NoError(t, deps.Agents.Register(&agent.Agent{Name: "researcher"}))

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "relay", Participants: []string{"alice", "helper", "researcher"},
	})
	require.NoError(t, err)

	ev := newMessageEvent(thread.ID, "passing this along",
		models.Sender{Type: models.SenderTypeUser, ID: "alice"})
	ev.Metadata = map[string]any{
		models.MetaTargetID:    "helper",
		models.MetaTargetQueue: []string{"researcher", "alice"},
	}
	_, err = processMessage(ctx, ev, deps)
	require.NoError(t, err)

	// The remaining stops land on the row, not just the event.
	msg, err := deps.Messages.GetMessage(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "helper", msg.TargetID)
	assert.Equal(t, []string{"researcher", "alice"}, msg.TargetQueue)
}
