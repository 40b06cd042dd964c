package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/test/util"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	client := util.SetupTestClient(t)
	return NewStore(client.Pool()), client.Pool()
}

func createTestThread(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := models.NewID()
	_, err := pool.Exec(ctx,
		`INSERT INTO threads (id, name) VALUES ($1, 'test thread')`, id)
	require.NoError(t, err)
	return id
}

func pendingEvent(threadID string, eventType models.EventType, priority int) *models.Event {
	return &models.Event{
		ThreadID: threadID,
		Type:     eventType,
		Payload:  json.RawMessage(`{}`),
		Priority: priority,
	}
}

func TestAppendAssignsIDsAndTrace(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, e.ID, e.TraceID, "fresh chain starts its own trace")

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, got.Status)
	assert.Equal(t, models.EventTypeNewMessage, got.Type)
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	low := pendingEvent(threadID, models.EventTypeNewMessage, 1)
	require.NoError(t, store.Append(ctx, []*models.Event{low}))
	high := pendingEvent(threadID, models.EventTypeNewMessage, 5)
	require.NoError(t, store.Append(ctx, []*models.Event{high}))

	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID, "higher priority claimed first despite later insert")
	assert.Equal(t, models.EventStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.WorkerLockedBy)
	assert.Equal(t, "w1", *claimed.WorkerLockedBy)
}

func TestClaimRespectsClassFilter(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	msg := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	ingest := pendingEvent(threadID, models.EventTypeRAGIngest, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{msg, ingest}))

	_, err := store.Claim(ctx, "", models.ClassToolCall, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNoEventsAvailable)

	claimed, err := store.Claim(ctx, "", models.ClassBackground, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ingest.ID, claimed.ID, "background class skips foreground types")
}

func TestClaimBackgroundMatchesCustomTypes(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	custom := pendingEvent(threadID, models.EventType("REINDEX"), 0)
	require.NoError(t, store.Append(ctx, []*models.Event{custom}))

	claimed, err := store.Claim(ctx, "", models.ClassBackground, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, custom.ID, claimed.ID)
}

func TestClaimSerializesPerThread(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)
	otherThread := createTestThread(ctx, t, pool)

	first := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	second := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	other := pendingEvent(otherThread, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{first, second, other}))

	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)

	// Same thread is leased; the next claim must land on the other thread.
	claimed2, err := store.Claim(ctx, "", models.ClassNewMessage, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, other.ID, claimed2.ID)

	_, err = store.Claim(ctx, "", models.ClassNewMessage, "w3", time.Minute)
	assert.ErrorIs(t, err, ErrNoEventsAvailable)

	// Completing the first event releases the thread lease.
	require.NoError(t, store.Complete(ctx, first.ID, nil))
	claimed3, err := store.Claim(ctx, "", models.ClassNewMessage, "w3", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed3.ID)
}

func TestClaimSkipsExpiredTTL(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	past := time.Now().Add(-time.Minute)
	stale := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	stale.ExpiresAt = &past
	require.NoError(t, store.Append(ctx, []*models.Event{stale}))

	_, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNoEventsAvailable)

	result, err := store.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	got, err := store.GetEvent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusExpired, got.Status)
}

func TestReapReclaimsExpiredLeases(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))

	// Claim with an already-expired lease to simulate a dead worker.
	_, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", -time.Second)
	require.NoError(t, err)

	result, err := store.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed)

	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, e.ID, claimed.ID, "reclaimed event is claimable again")
}

func TestCompleteRecordsResult(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeLLMCall, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))
	_, err := store.Claim(ctx, "", models.ClassLLMCall, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, e.ID, json.RawMessage(`{"tokens":12}`)))

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, got.Status)
	assert.JSONEq(t, `{"tokens":12}`, string(got.Result))
}

func TestFailRecordsErrorMessage(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeToolCall, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))
	_, err := store.Claim(ctx, "", models.ClassToolCall, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, e.ID, errors.New("tool exploded")))

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Equal(t, "tool exploded", got.ErrorMessage)
}

func TestFinishRejectsNonProcessingEvent(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))

	err := store.Complete(ctx, e.ID, nil)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestExtendLease(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))
	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.ExtendLease(ctx, e.ID, "w1", 5*time.Minute))

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerLeaseExpiresAt)
	assert.True(t, got.WorkerLeaseExpiresAt.After(*claimed.WorkerLeaseExpiresAt))

	err = store.ExtendLease(ctx, e.ID, "w2", time.Minute)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaseWorkerClaims(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	e := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))
	_, err := store.Claim(ctx, "", models.ClassNewMessage, "pod-a-worker-0", time.Hour)
	require.NoError(t, err)

	released, err := store.ReleaseWorkerClaims(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, got.Status)
	assert.Nil(t, got.WorkerLockedBy)
}

func TestTraceComplete(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	root := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{root}))

	done, err := store.TraceComplete(ctx, root.TraceID)
	require.NoError(t, err)
	assert.False(t, done)

	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w1", time.Minute)
	require.NoError(t, err)

	follow := pendingEvent(threadID, models.EventTypeLLMCall, 0)
	normalizeProduced(claimed, []*models.Event{follow})
	require.NoError(t, store.Append(ctx, []*models.Event{follow}))
	require.NoError(t, store.Complete(ctx, claimed.ID, nil))

	done, err = store.TraceComplete(ctx, root.TraceID)
	require.NoError(t, err)
	assert.False(t, done, "follow-up event keeps the trace open")

	claimed2, err := store.Claim(ctx, "", models.ClassLLMCall, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, claimed2.ID, nil))

	done, err = store.TraceComplete(ctx, root.TraceID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWorkerProcessesChain(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	processed := make(chan models.EventType, 4)
	proc := processorFunc(func(ctx context.Context, event *models.Event) (*Outcome, error) {
		processed <- event.Type
		if event.Type == models.EventTypeNewMessage {
			return &Outcome{Produced: []*models.Event{
				{Type: models.EventTypeLLMCall, Payload: json.RawMessage(`{}`)},
			}}, nil
		}
		return &Outcome{Result: json.RawMessage(`{"ok":true}`)}, nil
	})

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollJitter = 0
	cfg.WorkerCount = 1

	w := NewWorker("w1", store, cfg, proc, nil)
	w.Start(ctx)
	defer w.Stop()

	root := pendingEvent(threadID, models.EventTypeNewMessage, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{root}))

	var types []models.EventType
	for i := 0; i < 2; i++ {
		select {
		case et := <-processed:
			types = append(types, et)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for chain to process")
		}
	}
	assert.Equal(t, []models.EventType{models.EventTypeNewMessage, models.EventTypeLLMCall}, types)

	// The produced event joined the parent's trace.
	require.Eventually(t, func() bool {
		done, err := store.TraceComplete(ctx, root.TraceID)
		return err == nil && done
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerFailedOutcomeAppendsProduced(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	threadID := createTestThread(ctx, t, pool)

	proc := processorFunc(func(ctx context.Context, event *models.Event) (*Outcome, error) {
		return &Outcome{
			Produced: []*models.Event{
				{Type: models.EventTypeNewMessage, Payload: json.RawMessage(`{}`)},
			},
			Failed: errors.New("provider unavailable"),
		}, nil
	})
	w := NewWorker("w1", store, DefaultConfig(), proc, nil)

	e := pendingEvent(threadID, models.EventTypeLLMCall, 0)
	require.NoError(t, store.Append(ctx, []*models.Event{e}))
	require.NoError(t, w.pollAndProcess(ctx))

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Equal(t, "provider unavailable", got.ErrorMessage)

	// The follow-up was appended before the event was failed.
	claimed, err := store.Claim(ctx, "", models.ClassNewMessage, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeNewMessage, claimed.Type)
	assert.Equal(t, e.TraceID, claimed.TraceID, "notice joins the parent's trace")
}

// processorFunc adapts a function to EventProcessor.
type processorFunc func(ctx context.Context, event *models.Event) (*Outcome, error)

func (f processorFunc) Process(ctx context.Context, event *models.Event) (*Outcome, error) {
	return f(ctx, event)
}
