package events

import (
	"github.com/parley-ai/parley/pkg/models"
)

// MessageCreatedPayload is the payload for message.created events.
// Published when a message is persisted to a thread, including agent
// replies assembled from streamed tokens.
type MessageCreatedPayload struct {
	Type         string            `json:"type"`                  // always StreamMessageCreated
	MessageID    string            `json:"message_id"`            // message UUID
	ThreadID     string            `json:"thread_id"`             // owning thread
	SenderType   models.SenderType `json:"sender_type"`           // user, agent, tool, system
	SenderID     string            `json:"sender_id"`             // participant id
	SenderName   string            `json:"sender_name,omitempty"` // display name
	TargetID     string            `json:"target_id,omitempty"`   // resolved routing target
	Content      string            `json:"content"`               // flattened message text
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`   // for tool result messages
	QueueEventID string            `json:"queue_event_id,omitempty"` // the queue event that produced this message
	Timestamp    string            `json:"timestamp"`                // RFC3339Nano
}

// TokenPayload is the payload for token transient events. Published for
// each streamed LLM delta; high frequency, never persisted. The stream
// ends with one chunk carrying IsComplete and an empty Delta.
type TokenPayload struct {
	Type       string `json:"type"`      // always StreamToken
	EventID    string `json:"event_id"`  // the LLM_CALL queue event producing the stream
	ThreadID   string `json:"thread_id"` // owning thread
	AgentID    string `json:"agent_id"`  // agent producing the text
	Delta      string `json:"delta"`     // incremental text chunk
	IsComplete bool   `json:"is_complete,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// EventStatusPayload is the payload for event.status events. Published
// when a queue event transitions between lifecycle states.
type EventStatusPayload struct {
	Type      string             `json:"type"`      // always StreamEventStatus
	EventID   string             `json:"event_id"`  // queue event UUID
	ThreadID  string             `json:"thread_id"` // owning thread
	EventType models.EventType   `json:"event_type"`
	Status    models.EventStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	Timestamp string             `json:"timestamp"` // RFC3339Nano
}

// ThreadStatusPayload is the payload for thread.status events.
type ThreadStatusPayload struct {
	Type      string              `json:"type"`      // always StreamThreadStatus
	ThreadID  string              `json:"thread_id"` // thread UUID
	Status    models.ThreadStatus `json:"status"`
	Name      string              `json:"name,omitempty"`
	Timestamp string              `json:"timestamp"` // RFC3339Nano
}

// DocumentStatusPayload is the payload for document.status events.
// Published as the ingest pipeline advances a document.
type DocumentStatusPayload struct {
	Type       string                `json:"type"`        // always StreamDocumentStatus
	DocumentID string                `json:"document_id"` // document UUID
	ThreadID   string                `json:"thread_id,omitempty"`
	Namespace  string                `json:"namespace"`
	Status     models.DocumentStatus `json:"status"`
	ChunkCount int                   `json:"chunk_count,omitempty"`
	Error      string                `json:"error,omitempty"`
	Timestamp  string                `json:"timestamp"` // RFC3339Nano
}
