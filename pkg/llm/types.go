// Package llm abstracts streaming LLM providers behind a channel-based
// chunk API, with per-call provider selection and one-shot fallback.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

// Request is a provider-independent completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.ChatMessage
	Tools       []models.ToolDefinition
	Temperature *float32
	MaxTokens   int
}

// Provider is a streaming LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Errors are delivered as ErrorChunk values in the channel.
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

// Chunk kinds.
const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a chunk of the LLM's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the LLM wants to call a tool. Emitted once per
// call with fully accumulated arguments.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this LLM call.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals an error from the LLM provider.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// ProviderError is a terminal error from an LLM backend. Retryable marks
// transient failures (rate limits, 5xx, timeouts) worth one more attempt.
type ProviderError struct {
	Provider  string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err is a transient provider error.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Result is a fully drained stream.
type Result struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains a chunk stream into a Result, invoking onToken for each
// text delta (may be nil). An ErrorChunk aborts collection.
func Collect(ctx context.Context, provider string, chunks <-chan Chunk, onToken func(delta string)) (*Result, error) {
	var result Result
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				result.Text = text.String()
				return &result, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				text.WriteString(c.Content)
				if onToken != nil {
					onToken(c.Content)
				}
			case *ToolCallChunk:
				args := c.Arguments
				if args == "" {
					args = "{}"
				}
				result.ToolCalls = append(result.ToolCalls, models.ToolCall{
					ID:   c.CallID,
					Name: c.Name,
					Args: json.RawMessage(args),
				})
			case *UsageChunk:
				result.InputTokens = c.InputTokens
				result.OutputTokens = c.OutputTokens
			case *ErrorChunk:
				return nil, &ProviderError{
					Provider:  provider,
					Message:   c.Message,
					Retryable: c.Retryable,
				}
			}
		}
	}
}

// retryableMessage classifies transient upstream failures by message.
// Rate limits, server errors, and timeouts are worth retrying.
func retryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"timeout", "deadline exceeded", "overloaded", "connection reset",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
