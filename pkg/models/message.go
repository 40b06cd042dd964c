package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SenderType classifies who authored a message.
type SenderType string

// Sender types.
const (
	SenderTypeAgent  SenderType = "agent"
	SenderTypeUser   SenderType = "user"
	SenderTypeTool   SenderType = "tool"
	SenderTypeSystem SenderType = "system"
)

// Sender identifies the author of an incoming message. ID is the internal
// participant id; ExternalID lets callers address users by their own ids.
type Sender struct {
	ID         string         `json:"id,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Type       SenderType     `json:"type"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Data carries non-text parts (image refs, etc.) untouched.
	Data map[string]any `json:"data,omitempty"`
}

// MessageContent accepts either a plain string or a content-part array on
// the wire and flattens to text on demand.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps plain text as message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// UnmarshalJSON accepts `"text"` or `[{type:"text",text:"..."}, ...]`.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	c.Text = ""
	return nil
}

// MarshalJSON emits the string form when no parts are present.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// String flattens the content to plain text, joining text parts with
// newlines and skipping non-text parts.
func (c MessageContent) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports whether the content carries no text at all.
func (c MessageContent) IsEmpty() bool {
	return strings.TrimSpace(c.String()) == ""
}

// ToolCall is a tool invocation requested by an agent. Batch fields
// correlate the calls of a single LLM response; they are zero for a
// standalone call.
type ToolCall struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     any             `json:"output,omitempty"`
	Status     string          `json:"status,omitempty"`
	BatchID    string          `json:"batchId,omitempty"`
	BatchSize  int             `json:"batchSize,omitempty"`
	BatchIndex int             `json:"batchIndex,omitempty"`
}

// Message is one persisted entry in a conversation thread. Immutable after
// creation.
type Message struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	SenderType SenderType     `json:"sender_type"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	// TargetQueue holds the remaining routing stops after TargetID.
	TargetQueue []string       `json:"target_queue,omitempty"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
