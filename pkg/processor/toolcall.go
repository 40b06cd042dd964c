package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/tools"
)

// processToolCall executes one tool call and feeds the result back into
// the thread as a tool NEW_MESSAGE. Tool failures are not retried at the
// queue level: the error text becomes the result so the agent can react.
func processToolCall(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.ToolCallPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}

	name := payload.Call.Function.Name
	logger := deps.Logger.With("event_id", ev.ID, "thread_id", ev.ThreadID,
		"tool", name, "agent", payload.AgentName)

	env := &tools.Env{
		ThreadID:   ev.ThreadID,
		Namespaces: []string{models.ThreadNamespace(ev.ThreadID), models.GlobalNamespace},
		Graph:      deps.Graph,
		Threads:    deps.Threads,
		Messages:   deps.Messages,
		Documents:  deps.Documents,
		Embedder:   deps.Embedder,
		Logger:     logger,
		FileRoot:   deps.FileRoot,
	}
	if a, ok := deps.Agents.Resolve(payload.AgentName); ok {
		env.AgentID = a.ID
		env.AgentName = a.Name
		env.Namespaces = a.Namespaces(ev.ThreadID)
	}

	status := "completed"
	var content string
	output, err := deps.Tools.Execute(ctx, name, json.RawMessage(payload.Call.Function.Arguments), env)
	if err != nil {
		logger.Warn("tool execution failed", "error", err)
		status = "failed"
		content = fmt.Sprintf("Error: %v", err)
	} else {
		content = stringifyToolOutput(output)
	}

	metadata := map[string]any{
		models.MetaToolCallID: payload.Call.ID,
		"agentName":           payload.AgentName,
		"toolStatus":          status,
	}
	if env.AgentID != "" {
		metadata[models.MetaTargetID] = env.AgentID
	}
	// Routing hints from the originating message ride along so the
	// agent's eventual reply still reaches the right participant.
	if v := ev.MetaString(models.MetaSourceMessageSenderID); v != "" {
		metadata[models.MetaSourceMessageSenderID] = v
	}
	if v := ev.MetaStrings(models.MetaTargetQueue); len(v) > 0 {
		metadata[models.MetaTargetQueue] = v
	}
	if payload.BatchID != "" {
		metadata[models.MetaBatchID] = payload.BatchID
		metadata[models.MetaBatchSize] = payload.BatchSize
		metadata[models.MetaBatchIndex] = payload.BatchIndex
	}

	resultEvent := &models.Event{
		Type:     models.EventTypeNewMessage,
		ThreadID: ev.ThreadID,
		Payload: models.MustMarshal(models.NewMessagePayload{
			Content:    models.TextContent(content),
			Sender:     models.Sender{Type: models.SenderTypeTool, ID: "tool:" + name, Name: name},
			ToolCallID: payload.Call.ID,
		}),
		Metadata: metadata,
	}

	produced := append(env.Produced(), resultEvent)
	return &queue.Outcome{
		Result:   models.MustMarshal(map[string]any{"tool": name, "status": status}),
		Produced: produced,
	}, nil
}

// stringifyToolOutput renders a tool's return value for the conversation
// log: strings pass through, everything else serializes as JSON.
func stringifyToolOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
