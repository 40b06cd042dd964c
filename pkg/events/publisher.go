package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher publishes stream events for SSE delivery and in-process run
// handles. Persistent events are stored in the stream_events table then
// broadcast via NOTIFY; transient events (token deltas) are broadcast via
// NOTIFY only.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Payloads are marshaled to JSON and routed to a channel
// derived from the thread id.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the
// *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Timestamp formats now for stream payloads.
func Timestamp() string {
	return time.Now().Format(time.RFC3339Nano)
}

// --- Typed public methods ---

// PublishMessageCreated persists and broadcasts a message.created event.
func (p *Publisher) PublishMessageCreated(ctx context.Context, threadID string, payload MessageCreatedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal MessageCreatedPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ThreadChannel(threadID), payloadJSON)
}

// PublishToken broadcasts a token transient event (no DB persistence).
// High-frequency LLM streaming deltas — ephemeral, lost on disconnect; the
// final content arrives with message.created.
func (p *Publisher) PublishToken(ctx context.Context, threadID string, payload TokenPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal TokenPayload: %w", err)
	}
	return p.notifyOnly(ctx, ThreadChannel(threadID), payloadJSON)
}

// PublishEventStatus persists and broadcasts an event.status event.
func (p *Publisher) PublishEventStatus(ctx context.Context, threadID string, payload EventStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal EventStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ThreadChannel(threadID), payloadJSON)
}

// PublishThreadStatus persists a thread status event to the thread channel
// and broadcasts a transient copy to the global threads channel. Both
// publishes are best-effort; the first error encountered is returned.
func (p *Publisher) PublishThreadStatus(ctx context.Context, threadID string, payload ThreadStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ThreadStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, ThreadChannel(threadID), payloadJSON); err != nil {
		slog.Warn("Failed to publish thread status to thread channel",
			"thread_id", threadID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalThreadsChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish thread status to global channel",
			"thread_id", threadID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishDocumentStatus persists and broadcasts a document.status event.
// Documents ingested outside a thread publish to the global channel.
func (p *Publisher) PublishDocumentStatus(ctx context.Context, payload DocumentStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DocumentStatusPayload: %w", err)
	}
	channel := GlobalThreadsChannel
	if payload.ThreadID != "" {
		channel = ThreadChannel(payload.ThreadID)
	}
	return p.persistAndNotify(ctx, channel, payloadJSON)
}

// --- Internal core methods ---

// persistAndNotify persists a pre-marshaled event to stream_events and
// broadcasts via NOTIFY in a single transaction (pg_notify is
// transactional — held until COMMIT).
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO stream_events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist stream event: %w", err)
	}

	// NOTIFY payload carries db_event_id for catchup tracking.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stream event: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persistence.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Internal helpers ---

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for
// NOTIFY delivery and applies truncation if the result exceeds
// PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the
// full JSON payload bytes, extracting only the routing fields the client
// needs to fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		ThreadID  string `json:"thread_id"`
		MessageID string `json:"message_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"thread_id": routing.ThreadID,
		"truncated": true,
	}
	if routing.MessageID != "" {
		truncated["message_id"] = routing.MessageID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
