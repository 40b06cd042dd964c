package runtime

import (
	"context"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
)

// ingestThreadExternalID identifies the shared thread that carries ingest
// events submitted without a thread of their own. Every queue event needs
// a thread for lease coordination.
const ingestThreadExternalID = "system:ingest"

// EnqueueIngest appends a RAG_INGEST event. When threadID is empty the
// event is bound to the shared ingest thread so its progress notices
// stay out of user conversations.
func (i *Instance) EnqueueIngest(ctx context.Context, payload models.RAGIngestPayload, threadID string, priority int) (*models.Event, error) {
	if payload.Source == "" {
		return nil, fmt.Errorf("ingest requires a source")
	}
	if payload.Namespace != "" && !models.ValidNamespace(payload.Namespace) {
		return nil, fmt.Errorf("invalid namespace %q", payload.Namespace)
	}

	if threadID == "" {
		thread, err := i.threads.LoadOrCreateByExternalID(ctx, models.ThreadRef{
			ExternalID: ingestThreadExternalID,
			Name:       "Document ingest",
		})
		if err != nil {
			return nil, fmt.Errorf("resolving ingest thread: %w", err)
		}
		threadID = thread.ID
	} else if _, err := i.threads.GetThread(ctx, threadID); err != nil {
		return nil, fmt.Errorf("resolving thread %s: %w", threadID, err)
	}

	ev := &models.Event{
		ID:        models.NewID(),
		ThreadID:  threadID,
		Type:      models.EventTypeRAGIngest,
		Payload:   models.MustMarshal(payload),
		Namespace: payload.Namespace,
		Priority:  priority,
	}
	ev.TraceID = ev.ID

	if err := i.queueStore.Append(ctx, []*models.Event{ev}); err != nil {
		return nil, fmt.Errorf("enqueuing ingest: %w", err)
	}
	return ev, nil
}
