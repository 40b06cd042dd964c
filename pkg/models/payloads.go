package models

import "encoding/json"

// ThreadRef identifies (and optionally seeds) the thread an incoming
// message belongs to. A new thread is created on first use of an unknown
// external id.
type ThreadRef struct {
	ExternalID   string         `json:"externalId,omitempty"`
	Name         string         `json:"name,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewMessagePayload is the body of a NEW_MESSAGE event.
type NewMessagePayload struct {
	Content   MessageContent `json:"content"`
	Sender    Sender         `json:"sender"`
	Thread    *ThreadRef     `json:"thread,omitempty"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	// ToolCallID back-references the originating call on tool results.
	ToolCallID string         `json:"toolCallId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FunctionCall is the function portion of a tool call as the LLM emits
// it: name plus raw JSON argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallRequest is the call portion of a TOOL_CALL payload.
type ToolCallRequest struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// ToolCallPayload is the body of a TOOL_CALL event.
type ToolCallPayload struct {
	AgentName  string          `json:"agentName"`
	SenderID   string          `json:"senderId"`
	SenderType SenderType      `json:"senderType"`
	Call       ToolCallRequest `json:"call"`
	BatchID    string          `json:"batchId,omitempty"`
	BatchSize  int             `json:"batchSize,omitempty"`
	BatchIndex int             `json:"batchIndex,omitempty"`
}

// ChatRole is an LLM chat message role.
type ChatRole string

// Chat roles.
const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is one entry of an LLM conversation as handed to a
// provider.
type ChatMessage struct {
	Role       ChatRole   `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ProviderConfig selects and parameterizes an LLM provider for one call.
// APIKey is resolved from config or the <PROVIDER>_API_KEY environment
// variable when empty. FallbackProvider, when set, is tried once after an
// upstream failure.
type ProviderConfig struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	APIKey           string          `json:"apiKey,omitempty"`
	BaseURL          string          `json:"baseUrl,omitempty"`
	Temperature      *float32        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"maxTokens,omitempty"`
	FallbackProvider *ProviderConfig `json:"fallbackProvider,omitempty"`
}

// LLMCallPayload is the body of an LLM_CALL event.
type LLMCallPayload struct {
	AgentName string           `json:"agentName"`
	AgentID   string           `json:"agentId"`
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Config    ProviderConfig   `json:"config"`
}

// RAGIngestPayload is the body of a RAG_INGEST event.
type RAGIngestPayload struct {
	Source       string         `json:"source"`
	Title        string         `json:"title,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ForceReindex bool           `json:"forceReindex,omitempty"`
}

// EntityExtractPayload is the body of an ENTITY_EXTRACT event.
type EntityExtractPayload struct {
	SourceNodeID string `json:"sourceNodeId"`
	Content      string `json:"content"`
	Namespace    string `json:"namespace"`
	SourceType   string `json:"sourceType,omitempty"`
	AgentName    string `json:"agentName,omitempty"`
}

// SummarizePayload is the body of a SUMMARIZE background event.
type SummarizePayload struct {
	ThreadID  string `json:"threadId"`
	AgentName string `json:"agentName,omitempty"`
}

// MustMarshal serializes a payload, panicking on programmer error (the
// payload types above always marshal).
func MustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
