package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/pkg/models"
)

// Store is the durable event queue: a typed, priority-ordered queue with
// at-least-once delivery, TTL expiry, and lease-based locking. Per-thread
// serialization is enforced by a thread-level lease acquired in the same
// transaction as the event claim.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a queue store on the shared connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const eventColumns = `id, thread_id, type, payload, status, parent_id, trace_id, priority,
	namespace, metadata, expires_at, worker_locked_by, worker_lease_expires_at,
	result, error_message, created_at, updated_at`

// Append inserts a batch of events atomically, each in pending state.
// Missing ids are assigned; empty trace ids default to the event id so a
// fresh chain starts its own trace.
func (s *Store) Append(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	for _, e := range events {
		if e.ID == "" {
			e.ID = models.NewID()
		}
		if e.TraceID == "" {
			e.TraceID = e.ID
		}
		e.Status = models.EventStatusPending
		e.CreatedAt = now
		e.UpdatedAt = now
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO events (id, thread_id, type, payload, status, parent_id, trace_id,
				priority, namespace, metadata, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.ID, e.ThreadID, e.Type, payload, e.Status, e.ParentID, e.TraceID,
			e.Priority, e.Namespace, orEmptyMap(e.Metadata), e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// Claim atomically selects the highest-priority ready event matching the
// class filter, optionally restricted to one thread, and locks both the
// event and its thread for the worker. Ready means pending (or processing
// with an expired lease) and not past its TTL, on a thread whose lease is
// free or expired. Returns ErrNoEventsAvailable when nothing qualifies.
func (s *Store) Claim(ctx context.Context, threadID string, class models.PriorityClass, workerID string, lease time.Duration) (*models.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		SELECT e.id FROM events e
		JOIN threads t ON t.id = e.thread_id
		WHERE (e.status = 'pending'
		       OR (e.status = 'processing' AND e.worker_lease_expires_at < now()))
		  AND (e.expires_at IS NULL OR e.expires_at > now())
		  AND (t.worker_locked_by IS NULL
		       OR t.worker_lease_expires_at IS NULL
		       OR t.worker_lease_expires_at < now())`

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if class == models.ClassBackground {
		query += ` AND NOT (e.type = ANY(` + arg(typeStrings(models.ForegroundTypes())) + `))`
	} else {
		query += ` AND e.type = ANY(` + arg(typeStrings(models.TypesInClass(class))) + `)`
	}
	if threadID != "" {
		query += ` AND e.thread_id = ` + arg(threadID)
	}
	query += `
		ORDER BY e.priority DESC, e.created_at ASC
		LIMIT 1
		FOR UPDATE OF e, t SKIP LOCKED`

	var eventID string
	if err := tx.QueryRow(ctx, query, args...).Scan(&eventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEventsAvailable
		}
		return nil, fmt.Errorf("failed to query ready event: %w", err)
	}

	leaseExpiry := time.Now().Add(lease)
	row := tx.QueryRow(ctx, `
		UPDATE events SET status = 'processing', worker_locked_by = $2,
			worker_lease_expires_at = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+eventColumns,
		eventID, workerID, leaseExpiry)
	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE threads SET worker_locked_by = $2, worker_lease_expires_at = $3, updated_at = now()
		WHERE id = $1`,
		event.ThreadID, workerID, leaseExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to lease thread %s: %w", event.ThreadID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return event, nil
}

// Complete marks an event completed with an optional result and releases
// the thread lease held for it.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.finish(ctx, id, models.EventStatusCompleted, result, "")
}

// Fail marks an event failed with an error message and releases the
// thread lease held for it.
func (s *Store) Fail(ctx context.Context, id string, processErr error) error {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	return s.finish(ctx, id, models.EventStatusFailed, nil, msg)
}

func (s *Store) finish(ctx context.Context, id string, status models.EventStatus, result json.RawMessage, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin finish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var threadID string
	var workerID *string
	err = tx.QueryRow(ctx, `
		UPDATE events SET status = $2, result = $3, error_message = $4,
			worker_lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING thread_id, worker_locked_by`,
		id, status, result, errMsg).Scan(&threadID, &workerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: event %s is not processing", ErrNotOwner, id)
		}
		return fmt.Errorf("failed to finish event %s: %w", id, err)
	}

	// Release the thread lease only if this event's worker still holds it.
	if workerID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE threads SET worker_locked_by = NULL, worker_lease_expires_at = NULL, updated_at = now()
			WHERE id = $1 AND worker_locked_by = $2`,
			threadID, *workerID)
		if err != nil {
			return fmt.Errorf("failed to release thread lease: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}
	return nil
}

// ExtendLease renews an active lease on both the event and its thread.
// Fails with ErrNotOwner if the worker no longer holds the event.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, extension time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin lease extension: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leaseExpiry := time.Now().Add(extension)
	var threadID string
	err = tx.QueryRow(ctx, `
		UPDATE events SET worker_lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND worker_locked_by = $2 AND status = 'processing'
		RETURNING thread_id`,
		id, workerID, leaseExpiry).Scan(&threadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: event %s", ErrNotOwner, id)
		}
		return fmt.Errorf("failed to extend event lease: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE threads SET worker_lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND worker_locked_by = $2`,
		threadID, workerID, leaseExpiry)
	if err != nil {
		return fmt.Errorf("failed to extend thread lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit lease extension: %w", err)
	}
	return nil
}

// ReapResult summarizes one reaper sweep.
type ReapResult struct {
	Expired   int
	Reclaimed int
}

// Reap expires pending events past their TTL and returns lease-expired
// processing events to pending so another worker can retry them. All pods
// run this independently; both operations are idempotent.
func (s *Store) Reap(ctx context.Context) (ReapResult, error) {
	var result ReapResult

	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET status = 'expired', updated_at = now()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return result, fmt.Errorf("failed to expire events: %w", err)
	}
	result.Expired = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
		UPDATE events SET status = 'pending', worker_locked_by = NULL,
			worker_lease_expires_at = NULL, updated_at = now()
		WHERE status = 'processing' AND worker_lease_expires_at < now()`)
	if err != nil {
		return result, fmt.Errorf("failed to reclaim leased events: %w", err)
	}
	result.Reclaimed = int(tag.RowsAffected())

	_, err = s.pool.Exec(ctx, `
		UPDATE threads SET worker_locked_by = NULL, worker_lease_expires_at = NULL, updated_at = now()
		WHERE worker_locked_by IS NOT NULL AND worker_lease_expires_at < now()`)
	if err != nil {
		return result, fmt.Errorf("failed to release stale thread leases: %w", err)
	}

	return result, nil
}

// ReleaseWorkerClaims returns every event still claimed by a worker id
// prefix (this pod's workers) to pending. Called once at startup before
// the pool begins processing, so a crashed pod's in-flight events are
// retried immediately instead of waiting out their leases.
func (s *Store) ReleaseWorkerClaims(ctx context.Context, podID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET status = 'pending', worker_locked_by = NULL,
			worker_lease_expires_at = NULL, updated_at = now()
		WHERE status = 'processing' AND worker_locked_by LIKE $1`,
		podID+"-%")
	if err != nil {
		return 0, fmt.Errorf("failed to release worker claims: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE threads SET worker_locked_by = NULL, worker_lease_expires_at = NULL, updated_at = now()
		WHERE worker_locked_by LIKE $1`,
		podID+"-%")
	if err != nil {
		return 0, fmt.Errorf("failed to release thread leases: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// GetEvent fetches an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return event, nil
}

// TraceComplete reports whether every event in a trace has reached a
// terminal state. Used by RunHandle to detect turn completion.
func (s *Store) TraceComplete(ctx context.Context, traceID string) (bool, error) {
	var open int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
		WHERE trace_id = $1 AND status IN ('pending', 'processing')`,
		traceID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to count open trace events: %w", err)
	}
	return open == 0, nil
}

// Depth returns the number of pending events, for health reporting.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return depth, nil
}

// DeleteTerminalBefore removes terminal events older than the cutoff,
// returning the number deleted. Used by the retention sweep.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events
		WHERE status IN ('completed', 'failed', 'expired', 'overwritten')
		  AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.ThreadID, &e.Type, &e.Payload, &e.Status, &e.ParentID,
		&e.TraceID, &e.Priority, &e.Namespace, &e.Metadata, &e.ExpiresAt,
		&e.WorkerLockedBy, &e.WorkerLeaseExpiresAt, &e.Result, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func typeStrings(types []models.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
