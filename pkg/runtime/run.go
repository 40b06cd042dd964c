package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
)

// defaultCompletionPoll is how often a RunHandle checks whether every
// event in its trace has reached a terminal state.
const defaultCompletionPoll = 200 * time.Millisecond

// handleBuffer is the RunHandle event channel depth. A consumer that
// falls this far behind loses the oldest stream payload; the persisted
// messages remain the source of truth.
const handleBuffer = 64

// RunOptions tunes a single Run call. The zero value is usable.
type RunOptions struct {
	// Priority for the initial event; chained events inherit it.
	Priority int
	// OnEvent is invoked synchronously for every stream payload on the
	// thread channel while the run is live.
	OnEvent func(payload []byte)
	// PollInterval overrides how often trace completion is checked.
	PollInterval time.Duration
}

// RunHandle tracks one conversation turn: the initial NEW_MESSAGE event
// and everything chained off it (same trace). Events delivers the
// thread's live stream payloads; Wait blocks until the trace settles.
type RunHandle struct {
	threadID string
	eventID  string
	traceID  string

	store   *queue.Store
	sub     *events.Subscription
	onEvent func(payload []byte)

	out    chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	finishOnce sync.Once
}

// resolveRunThread loads or creates the thread for an incoming message,
// seeding the configured agent-turn cap on first use.
func (i *Instance) resolveRunThread(ctx context.Context, msg models.NewMessagePayload) (*models.Thread, error) {
	if msg.Thread == nil || msg.Thread.ExternalID == "" {
		return nil, fmt.Errorf("run requires thread.externalId")
	}

	ref := *msg.Thread
	if i.cfg.Routing.MaxAgentTurns > 0 {
		if _, ok := ref.Metadata[models.ThreadMetaMaxAgentTurns]; !ok {
			meta := make(map[string]any, len(ref.Metadata)+1)
			for k, v := range ref.Metadata {
				meta[k] = v
			}
			meta[models.ThreadMetaMaxAgentTurns] = i.cfg.Routing.MaxAgentTurns
			ref.Metadata = meta
		}
	}

	thread, err := i.threads.LoadOrCreateByExternalID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}
	return thread, nil
}

// initialEvent builds the NEW_MESSAGE event that starts a trace.
func initialEvent(threadID string, msg models.NewMessagePayload, priority int) *models.Event {
	ev := &models.Event{
		ID:       models.NewID(),
		ThreadID: threadID,
		Type:     models.EventTypeNewMessage,
		Payload:  models.MustMarshal(msg),
		Priority: priority,
	}
	ev.TraceID = ev.ID
	return ev
}

// EnqueueMessage resolves the thread and appends the initial NEW_MESSAGE
// without attaching a stream handle. Callers that want live events use
// Run instead; the HTTP API uses this and lets clients follow the SSE
// stream separately.
func (i *Instance) EnqueueMessage(ctx context.Context, msg models.NewMessagePayload, priority int) (*models.Thread, *models.Event, error) {
	thread, err := i.resolveRunThread(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	ev := initialEvent(thread.ID, msg, priority)
	if err := i.queueStore.Append(ctx, []*models.Event{ev}); err != nil {
		return nil, nil, fmt.Errorf("enqueuing message: %w", err)
	}
	return thread, ev, nil
}

// Run enqueues a NEW_MESSAGE for the payload's thread reference, creating
// the thread on first use of an unknown external id, and returns a handle
// over the resulting event chain. The context bounds only the enqueue;
// processing continues in the worker pool.
func (i *Instance) Run(ctx context.Context, msg models.NewMessagePayload, opts *RunOptions) (*RunHandle, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	thread, err := i.resolveRunThread(ctx, msg)
	if err != nil {
		return nil, err
	}

	// Subscribe before the append so no stream event is missed.
	sub, err := i.broker.Subscribe(ctx, events.ThreadChannel(thread.ID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to thread stream: %w", err)
	}

	ev := initialEvent(thread.ID, msg, opts.Priority)
	if err := i.queueStore.Append(ctx, []*models.Event{ev}); err != nil {
		sub.Close()
		return nil, fmt.Errorf("enqueuing message: %w", err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultCompletionPoll
	}

	// The handle outlives the enqueue context: workers process the trace
	// regardless of what the caller does with ctx.
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &RunHandle{
		threadID: thread.ID,
		eventID:  ev.ID,
		traceID:  ev.TraceID,
		store:    i.queueStore,
		sub:      sub,
		onEvent:  opts.OnEvent,
		out:      make(chan []byte, handleBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go h.loop(loopCtx, poll)
	return h, nil
}

// ThreadID returns the resolved thread id.
func (h *RunHandle) ThreadID() string { return h.threadID }

// EventID returns the id of the initial NEW_MESSAGE event.
func (h *RunHandle) EventID() string { return h.eventID }

// TraceID returns the trace shared by every event chained off this run.
func (h *RunHandle) TraceID() string { return h.traceID }

// Events returns the live stream payloads for the thread. The channel
// closes when the trace completes or the handle is closed.
func (h *RunHandle) Events() <-chan []byte {
	return h.out
}

// Wait blocks until every event in the trace reaches a terminal state,
// the handle is closed, or ctx expires.
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons the run: detaches from the stream and stops the
// completion poller. Processing continues in the worker pool.
func (h *RunHandle) Close() {
	h.cancel()
}

// loop forwards stream payloads and polls for trace completion. It is the
// only goroutine touching the subscription.
func (h *RunHandle) loop(ctx context.Context, poll time.Duration) {
	defer close(h.out)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.finish(ctx.Err())
			return
		case payload, ok := <-h.sub.C:
			if !ok {
				h.finish(nil)
				return
			}
			h.deliver(payload)
		case <-ticker.C:
			complete, err := h.store.TraceComplete(ctx, h.traceID)
			if err != nil {
				continue // transient; retry next tick
			}
			if complete {
				h.drain()
				h.finish(nil)
				return
			}
		}
	}
}

// deliver hands a payload to the callback and the channel. A full channel
// loses its oldest payload rather than stalling completion detection.
func (h *RunHandle) deliver(payload []byte) {
	if h.onEvent != nil {
		h.onEvent(payload)
	}
	select {
	case h.out <- payload:
	default:
		select {
		case <-h.out:
		default:
		}
		select {
		case h.out <- payload:
		default:
		}
	}
}

// drain forwards any payloads already buffered by the subscription before
// the handle shuts down.
func (h *RunHandle) drain() {
	for {
		select {
		case payload, ok := <-h.sub.C:
			if !ok {
				return
			}
			h.deliver(payload)
		default:
			return
		}
	}
}

func (h *RunHandle) finish(err error) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.sub.Close()
		close(h.done)
	})
}
