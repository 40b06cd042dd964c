package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/pkg/services"
)

// processIngest runs the document ingest pipeline: fetch, preprocess,
// dedup by content hash, chunk, embed, and dual-write chunks to the
// document store and the knowledge graph.
func processIngest(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.RAGIngestPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}

	namespace := payload.Namespace
	if namespace == "" {
		namespace = ev.Namespace
	}
	if namespace == "" {
		namespace = models.GlobalNamespace
	}
	logger := deps.Logger.With("event_id", ev.ID, "namespace", namespace, "source", payload.Source)

	fetched, err := deps.Fetcher.Fetch(ctx, payload.Source)
	if err != nil {
		logger.Warn("ingest fetch failed", "error", err)
		return ingestFailure(ev, fmt.Sprintf("Could not fetch %s: %v", payload.Source, err)), nil
	}

	content, title := rag.Preprocess(fetched)
	if payload.Title != "" {
		title = payload.Title
	}
	if title == "" {
		title = payload.Source
	}
	hash := rag.HashContent(content)

	// Dedup: unchanged indexed content is skipped unless a reindex is
	// forced; stale or failed records are replaced.
	existing, err := deps.Documents.FindByContentHash(ctx, namespace, hash)
	switch {
	case err == nil:
		if existing.Status == models.DocumentStatusIndexed && !payload.ForceReindex {
			logger.Info("document already indexed, skipping", "document_id", existing.ID)
			out := &queue.Outcome{
				Result: models.MustMarshal(map[string]any{"status": "skipped", "documentId": existing.ID}),
			}
			if ev.ThreadID != "" {
				out.Produced = append(out.Produced, systemMessageEvent(ev.ThreadID,
					fmt.Sprintf("%q is already indexed.", title)))
			}
			return out, nil
		}
		if err := deps.Documents.DeleteDocument(ctx, existing.ID); err != nil {
			return nil, err
		}
		if _, err := deps.Graph.DeleteNodesBySource(ctx, "document", existing.ID); err != nil {
			return nil, err
		}
	case errors.Is(err, services.ErrNotFound):
	default:
		return nil, err
	}

	doc, err := deps.Documents.CreateDocument(ctx, services.CreateDocumentRequest{
		Namespace:   namespace,
		Title:       title,
		Source:      payload.Source,
		SourceURI:   fetched.SourceURI,
		SourceType:  fetched.SourceType,
		MimeType:    fetched.MimeType,
		ContentHash: hash,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		return nil, err
	}

	chunks := deps.Chunker.Chunk(content)
	if len(chunks) == 0 {
		err := fmt.Errorf("no indexable content")
		if markErr := deps.Documents.MarkFailed(ctx, doc.ID, err); markErr != nil {
			return nil, markErr
		}
		publishDocumentStatus(ctx, ev, doc, models.DocumentStatusFailed, 0, err, deps)
		return ingestFailure(ev, fmt.Sprintf("Could not index %q: no indexable content.", title)), nil
	}

	if deps.Embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		embeddings, err := deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logger.Error("chunk embedding failed", "error", err)
			if markErr := deps.Documents.MarkFailed(ctx, doc.ID, err); markErr != nil {
				return nil, markErr
			}
			publishDocumentStatus(ctx, ev, doc, models.DocumentStatusFailed, 0, err, deps)
			return ingestFailure(ev, fmt.Sprintf("Could not index %q: embedding failed.", title)), nil
		}
		for i := range chunks {
			chunks[i].Embedding = embeddings[i]
		}
	}

	if err := deps.Documents.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, err
	}
	if err := writeDocumentGraph(ctx, namespace, doc, title, chunks, deps); err != nil {
		return nil, err
	}
	if err := deps.Documents.MarkIndexed(ctx, doc.ID, len(chunks)); err != nil {
		return nil, err
	}
	publishDocumentStatus(ctx, ev, doc, models.DocumentStatusIndexed, len(chunks), nil, deps)
	logger.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks))

	out := &queue.Outcome{
		Result: models.MustMarshal(map[string]any{
			"status": "indexed", "documentId": doc.ID, "chunks": len(chunks),
		}),
	}
	if ev.ThreadID != "" {
		out.Produced = append(out.Produced, systemMessageEvent(ev.ThreadID,
			fmt.Sprintf("Indexed %q (%d chunks).", title, len(chunks))))
	}
	return out, nil
}

// writeDocumentGraph mirrors a document and its chunks into the graph:
// one document node, one chunk node per chunk, NEXT_CHUNK edges between
// consecutive chunks. Nodes for the document id are cleared first so a
// replayed ingest converges.
func writeDocumentGraph(ctx context.Context, namespace string, doc *models.Document, title string, chunks []*models.DocumentChunk, deps *Deps) error {
	if _, err := deps.Graph.DeleteNodesBySource(ctx, "document", doc.ID); err != nil {
		return err
	}

	_, err := deps.Graph.CreateNode(ctx, &models.Node{
		Namespace:  namespace,
		Type:       models.NodeTypeDocument,
		Name:       title,
		SourceType: "document",
		SourceID:   doc.ID,
		Data:       map[string]any{"source": doc.Source, "mimeType": doc.MimeType},
	})
	if err != nil {
		return err
	}

	var prev *models.Node
	for _, chunk := range chunks {
		node, err := deps.Graph.CreateNode(ctx, &models.Node{
			Namespace:  namespace,
			Type:       models.NodeTypeChunk,
			Name:       fmt.Sprintf("%s #%d", title, chunk.Index),
			Content:    chunk.Content,
			Embedding:  chunk.Embedding,
			SourceType: "document",
			SourceID:   doc.ID,
			Data:       map[string]any{"chunkIndex": chunk.Index, "documentId": doc.ID},
		})
		if err != nil {
			return err
		}
		if prev != nil {
			_, err = deps.Graph.CreateEdge(ctx, &models.Edge{
				SourceID: prev.ID,
				TargetID: node.ID,
				Type:     models.EdgeTypeNextChunk,
			})
			if err != nil {
				return err
			}
		}
		prev = node
	}
	return nil
}

func ingestFailure(ev *models.Event, notice string) *queue.Outcome {
	out := &queue.Outcome{
		Result: models.MustMarshal(map[string]any{"status": "failed"}),
	}
	if ev.ThreadID != "" {
		out.Produced = append(out.Produced, systemMessageEvent(ev.ThreadID, notice))
	}
	return out
}

func publishDocumentStatus(ctx context.Context, ev *models.Event, doc *models.Document, status models.DocumentStatus, chunkCount int, statusErr error, deps *Deps) {
	if deps.Publisher == nil {
		return
	}
	payload := events.DocumentStatusPayload{
		Type:       events.StreamDocumentStatus,
		DocumentID: doc.ID,
		ThreadID:   ev.ThreadID,
		Namespace:  doc.Namespace,
		Status:     status,
		ChunkCount: chunkCount,
		Timestamp:  events.Timestamp(),
	}
	if statusErr != nil {
		payload.Error = statusErr.Error()
	}
	if err := deps.Publisher.PublishDocumentStatus(ctx, payload); err != nil {
		deps.Logger.Debug("document status publish failed", "document_id", doc.ID, "error", err)
	}
}
