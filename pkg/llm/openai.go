package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/pkg/models"
)

const (
	openaiMaxRetries = 3
	openaiRetryDelay = 2 * time.Second
)

// OpenAIProvider streams completions from the OpenAI chat API, or any
// OpenAI-compatible endpoint when a base URL is set.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates an OpenAI provider. baseURL may be empty for
// the default endpoint.
func NewOpenAIProvider(apiKey, baseURL string, logger *slog.Logger) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		p.generateWithRetry(ctx, req, out)
	}()
	return out, nil
}

func (p *OpenAIProvider) generateWithRetry(ctx context.Context, req *Request, out chan<- Chunk) {
	var lastErr error
	for attempt := 0; attempt < openaiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * openaiRetryDelay
			p.logger.Warn("retrying openai request",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				sendChunk(ctx, out, &ErrorChunk{Message: ctx.Err().Error()})
				return
			case <-time.After(delay):
			}
		}

		err := p.streamOnce(ctx, req, out)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			sendChunk(ctx, out, &ErrorChunk{Message: ctx.Err().Error()})
			return
		}
		if !retryableMessage(err.Error()) {
			sendChunk(ctx, out, &ErrorChunk{Message: err.Error()})
			return
		}
		lastErr = err
	}
	sendChunk(ctx, out, &ErrorChunk{
		Message:   fmt.Sprintf("request failed after %d attempts: %v", openaiMaxRetries, lastErr),
		Retryable: true,
	})
}

// streamOnce runs a single streaming request. A nil return means the
// stream completed and all chunks were emitted.
func (p *OpenAIProvider) streamOnce(ctx context.Context, req *Request, out chan<- Chunk) error {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertToOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("failed to create completion stream: %w", err)
	}
	defer stream.Close()

	// Tool calls arrive as fragments keyed by index; arguments accumulate
	// across deltas until the finish reason arrives.
	toolCalls := make(map[int]*ToolCallChunk)
	order := []int{}
	flushed := false
	flush := func() {
		if flushed {
			return
		}
		flushed = true
		for _, idx := range order {
			sendChunk(ctx, out, toolCalls[idx])
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream receive failed: %w", err)
		}

		if resp.Usage != nil {
			sendChunk(ctx, out, &UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			})
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			sendChunk(ctx, out, &TextChunk{Content: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := toolCalls[idx]
			if !ok {
				call = &ToolCallChunk{}
				toolCalls[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.CallID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertToOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case models.ChatRoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		case models.ChatRoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func convertToOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	converted := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.InputSchema) > 0 {
			params = t.InputSchema
		}
		converted = append(converted, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return converted
}

// sendChunk delivers a chunk unless the consumer's context is gone.
func sendChunk(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
