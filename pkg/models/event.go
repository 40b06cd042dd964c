// Package models contains the core domain types shared across the
// orchestrator: events, messages, threads, graph nodes/edges, and the
// typed payload shapes carried on the event queue.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the processor responsible for an event.
type EventType string

// Built-in event types.
const (
	EventTypeNewMessage    EventType = "NEW_MESSAGE"
	EventTypeToolCall      EventType = "TOOL_CALL"
	EventTypeLLMCall       EventType = "LLM_CALL"
	EventTypeEntityExtract EventType = "ENTITY_EXTRACT"
	EventTypeRAGIngest     EventType = "RAG_INGEST"
	EventTypeSummarize     EventType = "SUMMARIZE"
)

// EventStatus is the lifecycle state of a queued event.
type EventStatus string

// Event lifecycle states. An event is inserted as pending, transitions to
// processing under a worker lease, and terminates in completed or failed.
// Expired and overwritten are terminal states for events that never ran;
// overwritten is reserved (accepted on read, never produced).
const (
	EventStatusPending     EventStatus = "pending"
	EventStatusProcessing  EventStatus = "processing"
	EventStatusCompleted   EventStatus = "completed"
	EventStatusFailed      EventStatus = "failed"
	EventStatusExpired     EventStatus = "expired"
	EventStatusOverwritten EventStatus = "overwritten"
)

// IsTerminal reports whether the status is a terminal state.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case EventStatusCompleted, EventStatusFailed, EventStatusExpired, EventStatusOverwritten:
		return true
	}
	return false
}

// PriorityClass groups event types for polling order. Workers drain
// higher classes before lower ones so a conversation turn stays together:
// tool results and LLM calls chained off a message run before the next
// unrelated message is picked up.
type PriorityClass int

// Poll classes, highest first.
const (
	ClassToolCall PriorityClass = iota
	ClassLLMCall
	ClassNewMessage
	ClassBackground
)

// ClassOf returns the priority class for an event type. Unknown (custom)
// event types poll with the background class.
func ClassOf(t EventType) PriorityClass {
	switch t {
	case EventTypeToolCall:
		return ClassToolCall
	case EventTypeLLMCall:
		return ClassLLMCall
	case EventTypeNewMessage:
		return ClassNewMessage
	default:
		return ClassBackground
	}
}

// ClassPollOrder is the order in which workers poll priority classes.
var ClassPollOrder = []PriorityClass{ClassToolCall, ClassLLMCall, ClassNewMessage, ClassBackground}

// TypesInClass returns the built-in event types belonging to a class.
// The background class additionally matches any custom type, which the
// queue store handles with a NOT IN filter over the foreground types.
func TypesInClass(c PriorityClass) []EventType {
	switch c {
	case ClassToolCall:
		return []EventType{EventTypeToolCall}
	case ClassLLMCall:
		return []EventType{EventTypeLLMCall}
	case ClassNewMessage:
		return []EventType{EventTypeNewMessage}
	default:
		return []EventType{EventTypeEntityExtract, EventTypeRAGIngest, EventTypeSummarize}
	}
}

// ForegroundTypes lists every type claimed by a non-background class.
func ForegroundTypes() []EventType {
	return []EventType{EventTypeToolCall, EventTypeLLMCall, EventTypeNewMessage}
}

// Event metadata keys recognized by the routing pipeline.
const (
	MetaTargetID              = "targetId"
	MetaTargetQueue           = "targetQueue"
	MetaSourceMessageSenderID = "sourceMessageSenderId"
	MetaSkipRouting           = "skipRouting"
	MetaError                 = "error"
	MetaBatchID               = "batchId"
	MetaBatchSize             = "batchSize"
	MetaBatchIndex            = "batchIndex"
	MetaToolCallID            = "toolCallId"
)

// Event is a unit of work on the durable queue. Payload is the type-tagged
// body (see payloads.go); Metadata carries routing hints forwarded between
// chained events (targetId, targetQueue, sourceMessageSenderId, batch tags).
type Event struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    EventStatus     `json:"status"`
	ParentID  *string         `json:"parent_id,omitempty"`
	TraceID   string          `json:"trace_id"`
	Priority  int             `json:"priority"`
	Namespace string          `json:"namespace,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`

	// ExpiresAt is the TTL deadline; nil means the event never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Lease fields. A processing event always has both set.
	WorkerLockedBy       *string    `json:"worker_locked_by,omitempty"`
	WorkerLeaseExpiresAt *time.Time `json:"worker_lease_expires_at,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecodePayload unmarshals the event payload into dst.
func (e *Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload for event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// MetaString returns a string metadata value, or "" when absent.
func (e *Event) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}

// MetaStrings returns a []string metadata value. JSON round-trips turn
// string slices into []any, so both representations are accepted.
func (e *Event) MetaStrings(key string) []string {
	if e.Metadata == nil {
		return nil
	}
	return anyToStrings(e.Metadata[key])
}

// MetaBool returns a bool metadata value, or false when absent.
func (e *Event) MetaBool(key string) bool {
	if e.Metadata == nil {
		return false
	}
	b, _ := e.Metadata[key].(bool)
	return b
}

func anyToStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
