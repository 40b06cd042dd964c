package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID              string       `json:"id"`
	Status          WorkerStatus `json:"status"`
	CurrentEventID  string       `json:"currentEventId,omitempty"`
	EventsProcessed int          `json:"eventsProcessed"`
	LastActivity    time.Time    `json:"lastActivity"`
}

// EventRegistry is the subset of Pool used by Worker to register in-flight
// events for API-triggered cancellation.
type EventRegistry interface {
	RegisterEvent(eventID string, cancel context.CancelFunc)
	UnregisterEvent(eventID string)
}

// Worker is a single queue worker. Each poll walks the priority classes in
// order (tool calls, then LLM calls, then new messages, then background) so
// a lower class is drained only when every higher class is empty.
type Worker struct {
	id        string
	store     *Store
	config    Config
	processor EventProcessor
	pool      EventRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentEventID  string
	eventsProcessed int
	lastActivity    time.Time
}

// NewWorker creates a queue worker. pool may be nil (cancellation registry
// disabled, used in tests).
func NewWorker(id string, store *Store, cfg Config, processor EventProcessor, pool EventRegistry) *Worker {
	return &Worker{
		id:           id,
		store:        store,
		config:       cfg,
		processor:    processor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          w.status,
		CurrentEventID:  w.currentEventID,
		EventsProcessed: w.eventsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoEventsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing event", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next ready event, highest priority class first,
// and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	var event *models.Event
	for _, class := range models.ClassPollOrder {
		claimed, err := w.store.Claim(ctx, "", class, w.id, w.config.LeaseDuration)
		if err != nil {
			if errors.Is(err, ErrNoEventsAvailable) {
				continue
			}
			return fmt.Errorf("claiming event: %w", err)
		}
		event = claimed
		break
	}
	if event == nil {
		return ErrNoEventsAvailable
	}

	log := slog.With("event_id", event.ID, "event_type", event.Type,
		"thread_id", event.ThreadID, "worker_id", w.id)
	log.Info("Event claimed")

	w.setStatus(WorkerStatusWorking, event.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	eventCtx, cancelEvent := context.WithTimeout(ctx, w.config.ProcessTimeout)
	defer cancelEvent()

	if w.pool != nil {
		w.pool.RegisterEvent(event.ID, cancelEvent)
		defer w.pool.UnregisterEvent(event.ID)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(eventCtx)
	go w.runHeartbeat(heartbeatCtx, event.ID)

	outcome, processErr := w.processor.Process(eventCtx, event)
	cancelHeartbeat()

	if processErr == nil && outcome != nil && errors.Is(eventCtx.Err(), context.DeadlineExceeded) {
		processErr = fmt.Errorf("event processing timed out after %v", w.config.ProcessTimeout)
	}

	// Record the terminal state with a background context: the event
	// context may already be cancelled.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinish()

	if processErr != nil {
		log.Error("Event processing failed", "error", processErr)
		if err := w.store.Fail(finishCtx, event.ID, processErr); err != nil {
			return fmt.Errorf("failing event %s: %w", event.ID, err)
		}
		w.bumpProcessed()
		return nil
	}
	if outcome == nil {
		outcome = &Outcome{}
	}

	normalizeProduced(event, outcome.Produced)
	if err := w.store.Append(finishCtx, outcome.Produced); err != nil {
		if failErr := w.store.Fail(finishCtx, event.ID, err); failErr != nil {
			log.Error("Failed to record append failure", "error", failErr)
		}
		return fmt.Errorf("appending produced events: %w", err)
	}

	if outcome.Failed != nil {
		log.Error("Event processing failed", "error", outcome.Failed,
			"produced", len(outcome.Produced))
		if err := w.store.Fail(finishCtx, event.ID, outcome.Failed); err != nil {
			return fmt.Errorf("failing event %s: %w", event.ID, err)
		}
		w.bumpProcessed()
		return nil
	}

	if err := w.store.Complete(finishCtx, event.ID, outcome.Result); err != nil {
		return fmt.Errorf("completing event %s: %w", event.ID, err)
	}

	w.bumpProcessed()
	log.Info("Event processing complete", "produced", len(outcome.Produced))
	return nil
}

// normalizeProduced fills chain defaults on follow-up events: same thread
// and trace as the parent, parent linkage, and at least the parent's
// priority so replies never sink below the message that caused them.
func normalizeProduced(parent *models.Event, produced []*models.Event) {
	for _, e := range produced {
		if e.ThreadID == "" {
			e.ThreadID = parent.ThreadID
		}
		if e.TraceID == "" {
			e.TraceID = parent.TraceID
		}
		if e.ParentID == nil {
			parentID := parent.ID
			e.ParentID = &parentID
		}
		if e.Priority < parent.Priority {
			e.Priority = parent.Priority
		}
		if e.Namespace == "" {
			e.Namespace = parent.Namespace
		}
	}
}

// runHeartbeat periodically extends the worker's lease on the event and
// its thread so long-running tool or LLM calls are not reclaimed.
func (w *Worker) runHeartbeat(ctx context.Context, eventID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLease(ctx, eventID, w.id, w.config.LeaseDuration); err != nil {
				slog.Warn("Lease extension failed", "event_id", eventID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentEventID = eventID
	w.lastActivity = time.Now()
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.eventsProcessed++
	w.mu.Unlock()
}
