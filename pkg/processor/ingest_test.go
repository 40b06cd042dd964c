package processor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

func ingestEvent(threadID, source, namespace string) *models.Event {
	return &models.Event{
		ID:       models.NewID(),
		ThreadID: threadID,
		Type:     models.EventTypeRAGIngest,
		Payload: models.MustMarshal(models.RAGIngestPayload{
			Source:    source,
			Namespace: namespace,
		}),
	}
}

func TestProcessIngestInlineText(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()

	// Three paragraphs, each long enough to stand alone as a chunk.
	paragraphs := []string{
		strings.Repeat("The onboarding guide explains the first week. ", 30),
		strings.Repeat("The deployment runbook covers rollbacks in detail. ", 30),
		strings.Repeat("The incident policy defines severity levels clearly. ", 30),
	}
	source := strings.Join(paragraphs, "\n\n")

	outcome, err := processIngest(ctx, ingestEvent("", source, "global"), deps)
	require.NoError(t, err)

	docs, err := deps.Documents.ListDocuments(ctx, "global", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, models.DocumentStatusIndexed, doc.Status)
	assert.GreaterOrEqual(t, doc.ChunkCount, 3)

	chunks, err := deps.Documents.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, doc.ChunkCount)

	// Graph dual-write: one document node, chunk nodes, NEXT_CHUNK chain.
	docNodes, err := deps.Graph.GetNodesByNamespace(ctx, "global", models.NodeTypeDocument)
	require.NoError(t, err)
	require.Len(t, docNodes, 1)

	chunkNodes, err := deps.Graph.GetNodesByNamespace(ctx, "global", models.NodeTypeChunk)
	require.NoError(t, err)
	require.Len(t, chunkNodes, doc.ChunkCount)

	edges, err := deps.Graph.GetEdgesForNode(ctx, chunkNodes[0].ID, models.EdgeDirBoth, []string{models.EdgeTypeNextChunk})
	require.NoError(t, err)
	assert.NotEmpty(t, edges, "chunk nodes are chained")

	assert.NotNil(t, outcome.Result)
	assert.Empty(t, outcome.Produced, "no thread, no notice")
}

func TestProcessIngestEmitsThreadNotice(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()

	thread, err := deps.Threads.CreateThread(ctx, services.CreateThreadRequest{
		Name: "support", Participants: []string{"alice"},
	})
	require.NoError(t, err)

	content := strings.Repeat("A short handbook paragraph about expense reports. ", 40)
	outcome, err := processIngest(ctx, ingestEvent(thread.ID, content, "global"), deps)
	require.NoError(t, err)

	require.Len(t, outcome.Produced, 1)
	notice := outcome.Produced[0]
	assert.Equal(t, models.EventTypeNewMessage, notice.Type)
	assert.True(t, notice.MetaBool(models.MetaSkipRouting))

	var payload models.NewMessagePayload
	require.NoError(t, notice.DecodePayload(&payload))
	assert.Contains(t, payload.Content.String(), "Indexed")
}

func TestProcessIngestSkipsUnchangedContent(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()

	content := strings.Repeat("Identical content for the duplicate check. ", 40)

	_, err := processIngest(ctx, ingestEvent("", content, "global"), deps)
	require.NoError(t, err)
	outcome, err := processIngest(ctx, ingestEvent("", content, "global"), deps)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(outcome.Result, &result))
	assert.Equal(t, "skipped", result["status"])

	docs, err := deps.Documents.ListDocuments(ctx, "global", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1, "unchanged content is not re-ingested")
}

func TestProcessIngestForceReindexReplaces(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()

	content := strings.Repeat("Content that will be forcibly reindexed. ", 40)

	first, err := processIngest(ctx, ingestEvent("", content, "global"), deps)
	require.NoError(t, err)
	var firstResult map[string]any
	require.NoError(t, json.Unmarshal(first.Result, &firstResult))

	ev := &models.Event{
		ID:   models.NewID(),
		Type: models.EventTypeRAGIngest,
		Payload: models.MustMarshal(models.RAGIngestPayload{
			Source: content, Namespace: "global", ForceReindex: true,
		}),
	}
	second, err := processIngest(ctx, ev, deps)
	require.NoError(t, err)
	var secondResult map[string]any
	require.NoError(t, json.Unmarshal(second.Result, &secondResult))
	assert.Equal(t, "indexed", secondResult["status"])
	assert.NotEqual(t, firstResult["documentId"], secondResult["documentId"], "force reindex replaces the record")

	docs, err := deps.Documents.ListDocuments(ctx, "global", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestProcessIngestEmptyContentFails(t *testing.T) {
	deps := setupDeps(t)
	ctx := context.Background()

	outcome, err := processIngest(ctx, ingestEvent("", "   \n  ", "global"), deps)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(outcome.Result, &result))
	assert.Equal(t, "failed", result["status"])

	docs, err := deps.Documents.ListDocuments(ctx, "global", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, models.DocumentStatusFailed, docs[0].Status)
}
