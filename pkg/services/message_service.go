package services

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

// MessageService manages the persisted conversation log.
type MessageService struct {
	pool *pgxpool.Pool
}

// NewMessageService creates a new MessageService.
func NewMessageService(pool *pgxpool.Pool) *MessageService {
	return &MessageService{pool: pool}
}

const messageColumns = `id, thread_id, sender_type, sender_id, sender_name, target_id,
	target_queue, content, tool_calls, tool_call_id, metadata, created_at`

// CreateMessageRequest carries the fields for a new message.
type CreateMessageRequest struct {
	// ID lets processors derive a stable message id from their event id
	// so replayed events converge on one row. Empty generates a new id.
	ID          string
	ThreadID    string
	SenderType  models.SenderType
	SenderID    string
	SenderName  string
	TargetID    string
	TargetQueue []string
	Content     string
	ToolCalls   []models.ToolCall
	ToolCallID  string
	Metadata    map[string]any
}

// CreateMessage persists a message. Messages are immutable after creation.
func (s *MessageService) CreateMessage(ctx context.Context, req CreateMessageRequest) (*models.Message, error) {
	if req.ThreadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if req.SenderType == "" {
		return nil, NewValidationError("sender_type", "required")
	}
	if req.Content == "" && len(req.ToolCalls) == 0 {
		return nil, NewValidationError("content", "required when no tool calls are present")
	}

	id := req.ID
	if id == "" {
		id = models.NewID()
	}
	targetQueue := req.TargetQueue
	if targetQueue == nil {
		targetQueue = []string{}
	}
	toolCalls := req.ToolCalls
	if toolCalls == nil {
		toolCalls = []models.ToolCall{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, sender_type, sender_id, sender_name,
			target_id, target_queue, content, tool_calls, tool_call_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+messageColumns,
		id, req.ThreadID, req.SenderType, req.SenderID, req.SenderName,
		req.TargetID, mustJSON(targetQueue), req.Content, mustJSON(toolCalls),
		req.ToolCallID, orEmptyMap(req.Metadata))
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Replayed insert: the row already exists.
		return s.GetMessage(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// GetMessage fetches a message by id.
func (s *MessageService) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessages returns a thread's messages in creation order. A zero
// limit returns everything; before restricts to messages created earlier
// than the given time for pagination.
func (s *MessageService) ListMessages(ctx context.Context, threadID string, limit int, before *time.Time) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = $1`
	args := []any{threadID}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListRecentMessages returns the newest n messages in creation order.
func (s *MessageService) ListRecentMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`,
		threadID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a thread.
func (s *MessageService) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = $1`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var targetQueueJSON, toolCallsJSON []byte
	err := row.Scan(&m.ID, &m.ThreadID, &m.SenderType, &m.SenderID, &m.SenderName,
		&m.TargetID, &targetQueueJSON, &m.Content, &toolCallsJSON, &m.ToolCallID,
		&m.Metadata, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targetQueueJSON, &m.TargetQueue); err != nil {
		return nil, fmt.Errorf("failed to decode target queue: %w", err)
	}
	if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	return &m, nil
}
