package graph

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/test/util"
)

func setupGraph(t *testing.T) *Store {
	t.Helper()
	client := util.SetupTestClient(t)
	return NewStore(client.Pool())
}

// basisEmbedding returns a unit vector along one axis, so two different
// axes have cosine similarity 0 and the same axis has 1.
func basisEmbedding(axis int) []float32 {
	v := make([]float32, 1536)
	v[axis] = 1
	return v
}

// nearEmbedding returns a vector at the given cosine similarity to the
// axis-0 basis vector.
func nearEmbedding(similarity float64) []float32 {
	v := make([]float32, 1536)
	v[0] = float32(similarity)
	v[1] = float32(math.Sqrt(1 - similarity*similarity))
	return v
}

func TestCreateAndGetNode(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	created, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global",
		Type:      models.NodeTypeEntity,
		Name:      "Postgres",
		Content:   "A relational database.",
		Embedding: basisEmbedding(0),
		Data:      map[string]any{"mentionCount": 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := store.GetNode(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Postgres", got.Name)
	assert.Len(t, got.Embedding, 1536)
	assert.Equal(t, float64(1), float64(got.Data["mentionCount"].(float64)))
}

func TestCreateNodeRejectsBadNamespace(t *testing.T) {
	store := setupGraph(t)
	_, err := store.CreateNode(context.Background(), &models.Node{
		Namespace: "a:b:c:d", Type: models.NodeTypeEntity, Name: "x",
	})
	assert.ErrorContains(t, err, "invalid namespace")
}

func TestUpdateNode(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	node, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeConcept, Name: "RAG",
	})
	require.NoError(t, err)

	content := "Retrieval augmented generation."
	updated, err := store.UpdateNode(ctx, node.ID, NodeUpdate{
		Content:   &content,
		Embedding: basisEmbedding(2),
		Data:      map[string]any{"aliases": []string{"retrieval"}},
	})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)
	assert.Len(t, updated.Embedding, 1536)
	assert.Equal(t, "RAG", updated.Name, "unset fields stay")

	cleared, err := store.UpdateNode(ctx, node.ID, NodeUpdate{ClearEmbedding: true})
	require.NoError(t, err)
	assert.Empty(t, cleared.Embedding)

	_, err = store.UpdateNode(ctx, "00000000-0000-0000-0000-000000000000", NodeUpdate{Content: &content})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetNodeBySource(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	_, err := store.CreateNode(ctx, &models.Node{
		Namespace: "thread:t1", Type: models.NodeTypeMessage, Name: "alice",
		SourceType: "message", SourceID: "msg-1",
	})
	require.NoError(t, err)

	got, err := store.GetNodeBySource(ctx, "message", "msg-1", models.NodeTypeMessage)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)

	_, err = store.GetNodeBySource(ctx, "message", "msg-2", models.NodeTypeMessage)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNodesBySourceCascadesEdges(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	a, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeChunk, Name: "c0",
		SourceType: "document", SourceID: "doc-1",
	})
	require.NoError(t, err)
	b, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeChunk, Name: "c1",
		SourceType: "document", SourceID: "doc-1",
	})
	require.NoError(t, err)
	_, err = store.CreateEdge(ctx, &models.Edge{SourceID: a.ID, TargetID: b.ID, Type: models.EdgeTypeNextChunk})
	require.NoError(t, err)

	n, err := store.DeleteNodesBySource(ctx, "document", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetNode(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateEdgeIdempotent(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	a, err := store.CreateNode(ctx, &models.Node{Namespace: "global", Type: models.NodeTypeEntity, Name: "a"})
	require.NoError(t, err)
	b, err := store.CreateNode(ctx, &models.Node{Namespace: "global", Type: models.NodeTypeEntity, Name: "b"})
	require.NoError(t, err)

	_, err = store.CreateEdge(ctx, &models.Edge{SourceID: a.ID, TargetID: b.ID, Type: models.EdgeTypeRelatedTo})
	require.NoError(t, err)
	_, err = store.CreateEdge(ctx, &models.Edge{SourceID: a.ID, TargetID: b.ID, Type: models.EdgeTypeRelatedTo})
	require.NoError(t, err, "re-creating an existing edge is a no-op")

	edges, err := store.GetEdgesForNode(ctx, a.ID, models.EdgeDirOut, nil)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestSearchNodesRespectsNamespaceAndThreshold(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	_, err := store.CreateNode(ctx, &models.Node{
		Namespace: "agent:helper", Type: models.NodeTypeEntity, Name: "exact",
		Embedding: basisEmbedding(0),
	})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, &models.Node{
		Namespace: "agent:helper", Type: models.NodeTypeEntity, Name: "close",
		Embedding: nearEmbedding(0.8),
	})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, &models.Node{
		Namespace: "agent:helper", Type: models.NodeTypeEntity, Name: "orthogonal",
		Embedding: basisEmbedding(5),
	})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, &models.Node{
		Namespace: "agent:other", Type: models.NodeTypeEntity, Name: "hidden",
		Embedding: basisEmbedding(0),
	})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, &models.Node{
		Namespace: "agent:helper", Type: models.NodeTypeEntity, Name: "no-embedding",
	})
	require.NoError(t, err)

	matches, err := store.SearchNodes(ctx, SearchRequest{
		Embedding:     basisEmbedding(0),
		Namespaces:    []string{"agent:helper"},
		Limit:         10,
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].Node.Name)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-3)
	assert.Equal(t, "close", matches[1].Node.Name)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-2)
}

func TestSearchChunksJoinsDocument(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	_, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeDocument, Name: "Handbook",
		SourceType: "document", SourceID: "doc-1",
	})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeChunk, Name: "Handbook #0",
		Content: "Expenses are filed monthly.", Embedding: basisEmbedding(0),
		SourceType: "document", SourceID: "doc-1",
	})
	require.NoError(t, err)

	matches, err := store.SearchChunksFromGraph(ctx, ChunkSearchRequest{
		Embedding:  basisEmbedding(0),
		Namespaces: []string{"global"},
		Limit:      5,
		Threshold:  0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Expenses are filed monthly.", matches[0].Chunk.Content)
	require.NotNil(t, matches[0].Document)
	assert.Equal(t, "Handbook", matches[0].Document.Name)
}

func TestFindRelatedNodesSkipsStructuralEdges(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	entity, err := store.CreateNode(ctx, &models.Node{Namespace: "global", Type: models.NodeTypeEntity, Name: "root"})
	require.NoError(t, err)
	related, err := store.CreateNode(ctx, &models.Node{Namespace: "global", Type: models.NodeTypeConcept, Name: "neighbor"})
	require.NoError(t, err)
	chunk, err := store.CreateNode(ctx, &models.Node{Namespace: "global", Type: models.NodeTypeChunk, Name: "chunk"})
	require.NoError(t, err)

	_, err = store.CreateEdge(ctx, &models.Edge{SourceID: entity.ID, TargetID: related.ID, Type: models.EdgeTypeRelatedTo})
	require.NoError(t, err)
	_, err = store.CreateEdge(ctx, &models.Edge{SourceID: entity.ID, TargetID: chunk.ID, Type: models.EdgeTypeNextChunk})
	require.NoError(t, err)

	found, err := store.FindRelatedNodes(ctx, entity.ID, 2)
	require.NoError(t, err)

	names := make([]string, 0, len(found))
	for _, n := range found {
		names = append(names, n.Name)
	}
	assert.Contains(t, names, "neighbor")
	assert.NotContains(t, names, "chunk", "structural edges are not traversed")
}

func TestListNamespaces(t *testing.T) {
	store := setupGraph(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.CreateNode(ctx, &models.Node{
			Namespace: "agent:helper", Type: models.NodeTypeEntity, Name: "n",
		})
		require.NoError(t, err)
	}
	_, err := store.CreateNode(ctx, &models.Node{
		Namespace: "global", Type: models.NodeTypeEntity, Name: "g",
	})
	require.NoError(t, err)

	infos, err := store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	counts := map[string]int{}
	for _, info := range infos {
		counts[info.Namespace] = info.NodeCount
	}
	assert.Equal(t, 2, counts["agent:helper"])
	assert.Equal(t, 1, counts["global"])
}
