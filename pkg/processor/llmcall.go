package processor

import (
	"context"
	"fmt"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
)

// processLLMCall runs one provider call for an agent, streaming deltas to
// the thread channel, and turns the completion into the agent's
// NEW_MESSAGE. A provider failure, fallback included, fails the event and
// surfaces in the thread as a system message.
func processLLMCall(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.LLMCallPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}

	logger := deps.Logger.With("event_id", ev.ID, "thread_id", ev.ThreadID, "agent", payload.AgentName)

	req := &llm.Request{Messages: payload.Messages, Tools: payload.Tools}
	if len(req.Messages) > 0 && req.Messages[0].Role == models.ChatRoleSystem {
		req.System = req.Messages[0].Content
		req.Messages = req.Messages[1:]
	}

	var onToken func(delta string)
	if deps.Publisher != nil {
		onToken = func(delta string) {
			err := deps.Publisher.PublishToken(ctx, ev.ThreadID, events.TokenPayload{
				Type:      events.StreamToken,
				EventID:   ev.ID,
				ThreadID:  ev.ThreadID,
				AgentID:   payload.AgentID,
				Delta:     delta,
				Timestamp: events.Timestamp(),
			})
			if err != nil {
				logger.Debug("token publish failed", "error", err)
			}
		}
	}

	result, err := deps.LLM.Generate(ctx, payload.Config, req, onToken)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation and timeouts are attributed by the worker.
			return nil, err
		}
		logger.Error("llm call failed", "error", err)
		notice := systemMessageEvent(ev.ThreadID,
			fmt.Sprintf("Agent %s could not respond: %v", payload.AgentName, err))
		return &queue.Outcome{Produced: []*models.Event{notice}, Failed: err}, nil
	}

	logger.Info("llm call completed",
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolCalls))

	// Terminal stream chunk so consumers know the token stream ended.
	if deps.Publisher != nil {
		err := deps.Publisher.PublishToken(ctx, ev.ThreadID, events.TokenPayload{
			Type:       events.StreamToken,
			EventID:    ev.ID,
			ThreadID:   ev.ThreadID,
			AgentID:    payload.AgentID,
			IsComplete: true,
			Timestamp:  events.Timestamp(),
		})
		if err != nil {
			logger.Debug("token publish failed", "error", err)
		}
	}

	if result.Text == "" && len(result.ToolCalls) == 0 {
		// Nothing to say and nothing to do; end the turn quietly.
		return &queue.Outcome{
			Result: models.MustMarshal(map[string]any{
				"inputTokens":  result.InputTokens,
				"outputTokens": result.OutputTokens,
			}),
		}, nil
	}

	metadata := map[string]any{}
	for _, key := range []string{models.MetaTargetID, models.MetaSourceMessageSenderID} {
		if v := ev.MetaString(key); v != "" {
			metadata[key] = v
		}
	}
	if v := ev.MetaStrings(models.MetaTargetQueue); len(v) > 0 {
		metadata[models.MetaTargetQueue] = v
	}

	reply := &models.Event{
		Type:     models.EventTypeNewMessage,
		ThreadID: ev.ThreadID,
		Payload: models.MustMarshal(models.NewMessagePayload{
			Content: models.TextContent(result.Text),
			Sender: models.Sender{
				Type: models.SenderTypeAgent,
				ID:   payload.AgentID,
				Name: payload.AgentName,
			},
			ToolCalls: result.ToolCalls,
		}),
		Metadata: metadata,
	}

	return &queue.Outcome{
		Result: models.MustMarshal(map[string]any{
			"inputTokens":  result.InputTokens,
			"outputTokens": result.OutputTokens,
		}),
		Produced: []*models.Event{reply},
	}, nil
}
