package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parley-ai/parley/pkg/models"
)

func testQueueConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 1 * time.Second
	cfg.PollJitter = 500 * time.Millisecond
	return cfg
}

func TestWorkerPollInterval(t *testing.T) {
	w := NewWorker("test-worker", nil, testQueueConfig(), nil, nil)

	// Poll interval should be within [base - jitter, base + jitter]
	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond, "poll interval below minimum")
		assert.LessOrEqual(t, d, 1500*time.Millisecond, "poll interval above maximum")
	}
}

func TestWorkerPollIntervalNoJitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollJitter = 0
	w := NewWorker("test-worker", nil, cfg, nil, nil)

	for i := 0; i < 10; i++ {
		d := w.pollInterval()
		assert.Equal(t, 1*time.Second, d, "poll interval should equal base when jitter is 0")
	}
}

func TestWorkerHealth(t *testing.T) {
	w := NewWorker("worker-1", nil, testQueueConfig(), nil, nil)

	h := w.Health()
	assert.Equal(t, "worker-1", h.ID)
	assert.Equal(t, WorkerStatusIdle, h.Status)
	assert.Equal(t, "", h.CurrentEventID)
	assert.Equal(t, 0, h.EventsProcessed)

	// Simulate working state
	w.setStatus(WorkerStatusWorking, "evt-abc")
	h = w.Health()
	assert.Equal(t, WorkerStatusWorking, h.Status)
	assert.Equal(t, "evt-abc", h.CurrentEventID)

	w.setStatus(WorkerStatusIdle, "")
	h = w.Health()
	assert.Equal(t, WorkerStatusIdle, h.Status)
	assert.Equal(t, "", h.CurrentEventID)
}

func TestNormalizeProduced(t *testing.T) {
	parentID := "evt-parent"
	parent := &models.Event{
		ID:        parentID,
		ThreadID:  "thr-1",
		TraceID:   "trace-1",
		Priority:  7,
		Namespace: "thread:thr-1",
	}

	blank := &models.Event{Type: models.EventTypeLLMCall}
	explicit := &models.Event{
		Type:      models.EventTypeToolCall,
		ThreadID:  "thr-2",
		TraceID:   "trace-2",
		Priority:  9,
		Namespace: "global",
	}
	lowPriority := &models.Event{Type: models.EventTypeNewMessage, Priority: 3}

	normalizeProduced(parent, []*models.Event{blank, explicit, lowPriority})

	assert.Equal(t, "thr-1", blank.ThreadID)
	assert.Equal(t, "trace-1", blank.TraceID)
	assert.Equal(t, &parentID, blank.ParentID)
	assert.Equal(t, 7, blank.Priority)
	assert.Equal(t, "thread:thr-1", blank.Namespace)

	// Explicit values are preserved
	assert.Equal(t, "thr-2", explicit.ThreadID)
	assert.Equal(t, "trace-2", explicit.TraceID)
	assert.Equal(t, 9, explicit.Priority)
	assert.Equal(t, "global", explicit.Namespace)

	// Replies never sink below the parent's priority
	assert.Equal(t, 7, lowPriority.Priority)
}

func TestClassPollOrderCoversAllClasses(t *testing.T) {
	assert.Equal(t, []models.PriorityClass{
		models.ClassToolCall,
		models.ClassLLMCall,
		models.ClassNewMessage,
		models.ClassBackground,
	}, models.ClassPollOrder)
}
