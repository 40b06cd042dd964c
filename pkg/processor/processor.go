// Package processor implements the event processors behind the queue:
// message routing, tool execution, LLM calls, RAG ingest, entity
// extraction, and thread summarization.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/pkg/services"
	"github.com/parley-ai/parley/pkg/tools"
)

// Deps are the shared dependencies injected into every processor.
// Embedder, Publisher, and Chunker are optional; processors degrade
// (no retrieval, no streaming) when they are nil.
type Deps struct {
	Threads   *services.ThreadService
	Messages  *services.MessageService
	Documents *services.DocumentService
	History   *services.HistoryService
	Graph     *graph.Store
	Agents    *agent.Registry
	Tools     *tools.Registry
	LLM       *llm.Registry
	Embedder  *rag.Embedder
	Fetcher   *rag.Fetcher
	Chunker   *rag.Chunker
	Publisher *events.Publisher
	Logger    *slog.Logger

	// FileRoot confines the file tools.
	FileRoot string
	// SummarizeEvery emits a SUMMARIZE event each time the message count
	// crosses a multiple of N; 0 disables summaries.
	SummarizeEvery int
	// HistoryLimit caps how many recent messages feed an LLM call.
	HistoryLimit int
}

// Custom is a user-registered processor for one event type. When
// ShouldProcess returns true the built-in handler is bypassed, unless
// Chain is set.
type Custom struct {
	ShouldProcess func(ev *models.Event) bool
	Process       func(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error)
	// Chain runs the built-in handler after the custom one and merges
	// produced events.
	Chain bool
}

type handlerFunc func(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error)

// Registry dispatches events to processors by type. It implements
// queue.EventProcessor.
type Registry struct {
	deps *Deps

	mu      sync.RWMutex
	builtin map[models.EventType]handlerFunc
	custom  map[models.EventType][]*Custom
}

// NewRegistry creates the processor registry with the built-in handlers
// installed.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{
		deps:    deps,
		builtin: make(map[models.EventType]handlerFunc),
		custom:  make(map[models.EventType][]*Custom),
	}
	r.builtin[models.EventTypeNewMessage] = processMessage
	r.builtin[models.EventTypeToolCall] = processToolCall
	r.builtin[models.EventTypeLLMCall] = processLLMCall
	r.builtin[models.EventTypeRAGIngest] = processIngest
	r.builtin[models.EventTypeEntityExtract] = processEntityExtract
	r.builtin[models.EventTypeSummarize] = processSummarize
	return r
}

// RegisterCustom adds a custom processor for an event type. Custom
// processors are consulted in registration order; the first whose
// ShouldProcess accepts the event runs.
func (r *Registry) RegisterCustom(t models.EventType, c *Custom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[t] = append(r.custom[t], c)
}

// Process implements queue.EventProcessor.
func (r *Registry) Process(ctx context.Context, ev *models.Event) (*queue.Outcome, error) {
	r.mu.RLock()
	customs := r.custom[ev.Type]
	builtin := r.builtin[ev.Type]
	r.mu.RUnlock()

	for _, c := range customs {
		if c.ShouldProcess != nil && !c.ShouldProcess(ev) {
			continue
		}
		outcome, err := c.Process(ctx, ev, r.deps)
		if err != nil || !c.Chain || builtin == nil {
			return outcome, err
		}
		chained, err := builtin(ctx, ev, r.deps)
		if err != nil {
			return nil, err
		}
		return mergeOutcomes(outcome, chained), nil
	}

	if builtin == nil {
		return nil, fmt.Errorf("no processor registered for event type %s", ev.Type)
	}
	return builtin(ctx, ev, r.deps)
}

func mergeOutcomes(a, b *queue.Outcome) *queue.Outcome {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	merged := &queue.Outcome{
		Result:   a.Result,
		Produced: append(append([]*models.Event{}, a.Produced...), b.Produced...),
		Failed:   a.Failed,
	}
	if len(merged.Result) == 0 {
		merged.Result = b.Result
	}
	if merged.Failed == nil {
		merged.Failed = b.Failed
	}
	return merged
}

// systemMessageEvent builds a skip-routing NEW_MESSAGE so status text
// reaches the thread stream without triggering an LLM.
func systemMessageEvent(threadID, content string) *models.Event {
	return &models.Event{
		Type:     models.EventTypeNewMessage,
		ThreadID: threadID,
		Payload: models.MustMarshal(models.NewMessagePayload{
			Content: models.TextContent(content),
			Sender:  models.Sender{Type: models.SenderTypeSystem},
		}),
		Metadata: map[string]any{models.MetaSkipRouting: true},
	}
}
