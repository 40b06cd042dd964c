package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/test/util"
)

func setupServices(t *testing.T) (*ThreadService, *MessageService, *DocumentService) {
	t.Helper()
	client := util.SetupTestClient(t)
	pool := client.Pool()
	return NewThreadService(pool), NewMessageService(pool), NewDocumentService(pool)
}

func TestLoadOrCreateByExternalID(t *testing.T) {
	threads, _, _ := setupServices(t)
	ctx := context.Background()

	ref := models.ThreadRef{
		ExternalID:   "slack-C123",
		Name:         "support",
		Participants: []string{"alice", "helper"},
	}

	created, err := threads.LoadOrCreateByExternalID(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "support", created.Name)
	assert.Equal(t, []string{"alice", "helper"}, created.Participants)
	assert.Equal(t, models.ThreadStatusActive, created.Status)

	// Second resolve returns the same thread, ignoring new seed values.
	again, err := threads.LoadOrCreateByExternalID(ctx, models.ThreadRef{
		ExternalID: "slack-C123",
		Name:       "different name",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "support", again.Name)
}

func TestThreadMetadataRoundTrip(t *testing.T) {
	threads, _, _ := setupServices(t)
	ctx := context.Background()

	thread, err := threads.CreateThread(ctx, CreateThreadRequest{Name: "meta"})
	require.NoError(t, err)

	meta := thread.Meta()
	meta.SetParticipantTarget("alice", "helper")
	meta.SetAgentTurnCount(2)
	meta.PutPendingToolBatch("b1", &models.ToolBatch{
		BatchSize: 2,
		AgentName: "helper",
		SenderID:  "agent-helper",
		Results:   []models.ToolBatchResult{{ToolCallID: "tc1", Content: "ok"}},
	})
	require.NoError(t, threads.UpdateMetadata(ctx, thread.ID, thread.Metadata))

	reloaded, err := threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	m := reloaded.Meta()
	assert.Equal(t, "helper", m.ParticipantTarget("alice"))
	assert.Equal(t, 2, m.AgentTurnCount())

	batch := m.PendingToolBatch("b1")
	require.NotNil(t, batch)
	assert.Equal(t, 2, batch.BatchSize)
	assert.False(t, batch.Complete())
	assert.Equal(t, "tc1", batch.Results[0].ToolCallID)
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	threads, _, _ := setupServices(t)
	ctx := context.Background()

	thread, err := threads.CreateThread(ctx, CreateThreadRequest{
		Participants: []string{"alice"},
	})
	require.NoError(t, err)

	require.NoError(t, threads.AddParticipant(ctx, thread.ID, "helper"))
	require.NoError(t, threads.AddParticipant(ctx, thread.ID, "helper"))

	reloaded, err := threads.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "helper"}, reloaded.Participants)

	err = threads.AddParticipant(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageLifecycle(t *testing.T) {
	threads, messages, _ := setupServices(t)
	ctx := context.Background()

	thread, err := threads.CreateThread(ctx, CreateThreadRequest{})
	require.NoError(t, err)

	first, err := messages.CreateMessage(ctx, CreateMessageRequest{
		ThreadID:   thread.ID,
		SenderType: models.SenderTypeUser,
		SenderID:   "alice",
		Content:    "hello",
		TargetID:   "helper",
	})
	require.NoError(t, err)

	_, err = messages.CreateMessage(ctx, CreateMessageRequest{
		ThreadID:   thread.ID,
		SenderType: models.SenderTypeAgent,
		SenderID:   "helper",
		Content:    "",
		ToolCalls:  []models.ToolCall{{ID: "tc1", Name: "wait"}},
	})
	require.NoError(t, err, "tool-call-only messages are valid without content")

	list, err := messages.ListMessages(ctx, thread.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "tc1", list[1].ToolCalls[0].ID)

	recent, err := messages.ListRecentMessages(ctx, thread.ID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "helper", recent[0].SenderID)

	n, err := messages.CountMessages(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = messages.CreateMessage(ctx, CreateMessageRequest{
		ThreadID:   thread.ID,
		SenderType: models.SenderTypeUser,
	})
	assert.True(t, IsValidationError(err))
}

func TestDocumentDedupAndChunks(t *testing.T) {
	_, _, docs := setupServices(t)
	ctx := context.Background()

	doc, err := docs.CreateDocument(ctx, CreateDocumentRequest{
		Namespace:   "global",
		Title:       "Handbook",
		Source:      "https://example.com/handbook",
		ContentHash: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusProcessing, doc.Status)

	chunks := []*models.DocumentChunk{
		{Index: 0, Content: "part one", TokenCount: 2, Embedding: []float32{0.1, 0.2}},
		{Index: 1, Content: "part two", TokenCount: 2},
	}
	// vector(1536) column: pad the test embedding.
	chunks[0].Embedding = make([]float32, 1536)
	chunks[0].Embedding[0] = 0.5

	require.NoError(t, docs.ReplaceChunks(ctx, doc.ID, chunks))
	require.NoError(t, docs.MarkIndexed(ctx, doc.ID, len(chunks)))

	found, err := docs.FindByContentHash(ctx, "global", "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)
	assert.Equal(t, models.DocumentStatusIndexed, found.Status)
	assert.Equal(t, 2, found.ChunkCount)

	stored, err := docs.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "part one", stored[0].Content)
	assert.InDelta(t, 0.5, stored[0].Embedding[0], 1e-6)
	assert.Nil(t, stored[1].Embedding, "chunk without embedding stays NULL")

	// Replay converges instead of duplicating.
	require.NoError(t, docs.ReplaceChunks(ctx, doc.ID, chunks))
	stored, err = docs.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = docs.FindByContentHash(ctx, "global", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHistoryViewIntegration(t *testing.T) {
	threads, messages, _ := setupServices(t)
	history := NewHistoryService(messages, threads)
	ctx := context.Background()

	thread, err := threads.CreateThread(ctx, CreateThreadRequest{})
	require.NoError(t, err)
	require.NoError(t, threads.SetSummary(ctx, thread.ID, "Alice asked for help."))

	_, err = messages.CreateMessage(ctx, CreateMessageRequest{
		ThreadID: thread.ID, SenderType: models.SenderTypeUser,
		SenderID: "alice", SenderName: "Alice", Content: "hi @helper", TargetID: "helper",
	})
	require.NoError(t, err)
	_, err = messages.CreateMessage(ctx, CreateMessageRequest{
		ThreadID: thread.ID, SenderType: models.SenderTypeAgent,
		SenderID: "helper", Content: "hello Alice", TargetID: "alice",
	})
	require.NoError(t, err)

	chat, err := history.View(ctx, thread.ID, "helper", HistoryOptions{IncludeSummary: true})
	require.NoError(t, err)
	require.Len(t, chat, 3)
	assert.Equal(t, models.ChatRoleSystem, chat[0].Role)
	assert.Contains(t, chat[0].Content, "Alice asked for help.")
	assert.Equal(t, models.ChatRoleUser, chat[1].Role)
	assert.Equal(t, "[Alice]: hi @helper", chat[1].Content)
	assert.Equal(t, models.ChatRoleAssistant, chat[2].Role)

	// Same thread, the user's perspective.
	chat, err = history.View(ctx, thread.ID, "alice", HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, chat, 2)
	assert.Equal(t, models.ChatRoleAssistant, chat[0].Role)
	assert.Equal(t, models.ChatRoleUser, chat[1].Role)
	assert.Equal(t, "[helper]: hello Alice", chat[1].Content)
}
