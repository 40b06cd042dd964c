package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parley-ai/parley/pkg/models"
)

const (
	anthropicMaxRetries       = 3
	anthropicRetryDelay       = 2 * time.Second
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider streams completions from the Anthropic messages API.
type AnthropicProvider struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider. baseURL may be
// empty for the default endpoint.
func NewAnthropicProvider(apiKey, baseURL string, logger *slog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		p.generateWithRetry(ctx, req, out)
	}()
	return out, nil
}

func (p *AnthropicProvider) generateWithRetry(ctx context.Context, req *Request, out chan<- Chunk) {
	var lastErr error
	for attempt := 0; attempt < anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * anthropicRetryDelay
			p.logger.Warn("retrying anthropic request",
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
		Message:   fmt.Sprintf("request failed after %d attempts: %v", anthropicMaxRetries, lastErr),
		Retryable: true,
	})
}

func (p *AnthropicProvider) streamOnce(ctx context.Context, req *Request, out chan<- Chunk) error {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertToAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var currentTool *ToolCallChunk
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			sendChunk(ctx, out, &UsageChunk{
				InputTokens: int(event.Message.Usage.InputTokens),
			})

		case "content_block_start":
			if tu := event.ContentBlock.AsToolUse(); tu.Type == "tool_use" {
				currentTool = &ToolCallChunk{CallID: tu.ID, Name: tu.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					sendChunk(ctx, out, &TextChunk{Content: event.Delta.Text})
				}
			case "input_json_delta":
				toolInput.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = toolInput.String()
				sendChunk(ctx, out, currentTool)
				currentTool = nil
			}

		case "message_delta":
			sendChunk(ctx, out, &UsageChunk{
				OutputTokens: int(event.Usage.OutputTokens),
			})
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	return nil
}

// convertToAnthropicMessages maps the provider-neutral chat form onto the
// messages API. System turns are excluded here; they travel in the
// request's System field.
func convertToAnthropicMessages(msgs []models.ChatMessage) []anthropic.MessageParam {
	converted := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.ChatRoleSystem:
			continue

		case models.ChatRoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if len(tc.Args) > 0 {
					_ = json.Unmarshal(tc.Args, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			converted = append(converted, anthropic.NewAssistantMessage(blocks...))

		case models.ChatRoleTool:
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewTextBlock(m.Content)))
		}
	}
	return converted
}

func convertToAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	converted := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid input schema for tool %s: %w", t.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		converted = append(converted, tool)
	}
	return converted, nil
}
