package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/pkg/models"
)

// ThreadService manages conversation threads and their routing metadata.
type ThreadService struct {
	pool *pgxpool.Pool
}

// NewThreadService creates a new ThreadService.
func NewThreadService(pool *pgxpool.Pool) *ThreadService {
	return &ThreadService{pool: pool}
}

const threadColumns = `id, name, external_id, mode, status, participants, parent_id,
	metadata, summary, worker_locked_by, worker_lease_expires_at, created_at, updated_at`

// CreateThreadRequest carries the fields for a new thread.
type CreateThreadRequest struct {
	Name         string
	ExternalID   string
	Mode         string
	Participants []string
	ParentID     *string
	Metadata     map[string]any
}

// CreateThread creates a thread. An ExternalID collision returns
// ErrAlreadyExists.
func (s *ThreadService) CreateThread(ctx context.Context, req CreateThreadRequest) (*models.Thread, error) {
	id := models.NewID()
	participants := req.Participants
	if participants == nil {
		participants = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO threads (id, name, external_id, mode, participants, parent_id, metadata)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING `+threadColumns,
		id, req.Name, req.ExternalID, req.Mode, mustJSON(participants),
		req.ParentID, orEmptyMap(req.Metadata))
	thread, err := scanThread(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: external id %q", ErrAlreadyExists, req.ExternalID)
		}
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread fetches a thread by id.
func (s *ThreadService) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: thread %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get thread %s: %w", id, err)
	}
	return thread, nil
}

// GetThreadByExternalID fetches a thread by its caller-assigned id.
func (s *ThreadService) GetThreadByExternalID(ctx context.Context, externalID string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE external_id = $1`, externalID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: thread external id %s", ErrNotFound, externalID)
		}
		return nil, fmt.Errorf("failed to get thread by external id %s: %w", externalID, err)
	}
	return thread, nil
}

// LoadOrCreateByExternalID resolves a thread reference, creating the
// thread on first use of an unknown external id. A concurrent create of
// the same external id is resolved by re-reading the winner's row.
func (s *ThreadService) LoadOrCreateByExternalID(ctx context.Context, ref models.ThreadRef) (*models.Thread, error) {
	if ref.ExternalID == "" {
		return nil, NewValidationError("externalId", "required")
	}

	thread, err := s.GetThreadByExternalID(ctx, ref.ExternalID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	thread, err = s.CreateThread(ctx, CreateThreadRequest{
		Name:         ref.Name,
		ExternalID:   ref.ExternalID,
		Participants: ref.Participants,
		Metadata:     ref.Metadata,
	})
	if errors.Is(err, ErrAlreadyExists) {
		return s.GetThreadByExternalID(ctx, ref.ExternalID)
	}
	return thread, err
}

// ListThreads returns threads ordered by most recent activity.
func (s *ThreadService) ListThreads(ctx context.Context, status models.ThreadStatus, limit int) ([]*models.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + threadColumns + ` FROM threads`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// UpdateMetadata overwrites the thread's metadata document. Callers hold
// the thread lease through the queue, so last-write-wins is safe here.
func (s *ThreadService) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, orEmptyMap(metadata))
	if err != nil {
		return fmt.Errorf("failed to update thread metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return nil
}

// AddParticipant appends a participant if not already present.
func (s *ThreadService) AddParticipant(ctx context.Context, id, participant string) error {
	if participant == "" {
		return NewValidationError("participant", "required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET participants = participants || to_jsonb($2::text), updated_at = now()
		WHERE id = $1 AND NOT participants ? $2`,
		id, participant)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already present or missing thread; disambiguate.
		if _, err := s.GetThread(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus transitions the thread lifecycle state.
func (s *ThreadService) SetStatus(ctx context.Context, id string, status models.ThreadStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return nil
}

// SetSummary stores the rolling conversation summary.
func (s *ThreadService) SetSummary(ctx context.Context, id, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET summary = $2, updated_at = now() WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to set thread summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return nil
}

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	var externalID *string
	var participantsJSON []byte
	err := row.Scan(&t.ID, &t.Name, &externalID, &t.Mode, &t.Status, &participantsJSON,
		&t.ParentID, &t.Metadata, &t.Summary, &t.WorkerLockedBy, &t.WorkerLeaseExpiresAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		t.ExternalID = *externalID
	}
	if err := json.Unmarshal(participantsJSON, &t.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return &t, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// TouchedWithin reports whether the thread saw activity after the cutoff.
// Used by the summarize scheduler to skip idle threads.
func (s *ThreadService) TouchedWithin(ctx context.Context, id string, d time.Duration) (bool, error) {
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT updated_at FROM threads WHERE id = $1`, id).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: thread %s", ErrNotFound, id)
		}
		return false, fmt.Errorf("failed to read thread activity: %w", err)
	}
	return time.Since(updatedAt) <= d, nil
}
