package processor

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/services"
)

// processMessage is the multi-agent routing state machine, invoked on
// NEW_MESSAGE events. In order: persist (with graph dual-write), entity
// extraction fanout, skip gate, tool-batch aggregation, target
// resolution, loop guard, tool-call emission, LLM-call emission.
func processMessage(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.NewMessagePayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}

	thread, err := deps.Threads.GetThread(ctx, ev.ThreadID)
	if err != nil {
		return nil, err
	}

	senderID := resolveSenderID(payload.Sender)
	logger := deps.Logger.With("event_id", ev.ID, "thread_id", thread.ID, "sender_id", senderID)

	// Step 1: persist the message and its graph dual. The message id is
	// derived from the event id so a replayed event converges.
	msg, msgNode, err := persistMessage(ctx, ev, &payload, senderID, deps)
	if err != nil {
		return nil, err
	}
	publishMessageCreated(ctx, ev, msg, deps)
	produced := maybeSummarize(ctx, thread, deps)

	// Step 2: entity-extract fanout for agents that opted in.
	if msg.Content != "" && msgNode != nil &&
		(msg.SenderType == models.SenderTypeUser || msg.SenderType == models.SenderTypeAgent) {
		produced = append(produced, entityExtractFanout(thread, msgNode, msg.Content, deps)...)
	}

	// Step 3: skip gate for system/status messages.
	if ev.MetaBool(models.MetaSkipRouting) {
		return &queue.Outcome{Produced: produced}, nil
	}

	// Step 4: tool-batch aggregation. Incomplete batches park here; the
	// completing result falls through to routing.
	if msg.SenderType == models.SenderTypeTool {
		done, err := aggregateToolBatch(ctx, ev, thread, msg, deps)
		if err != nil {
			return nil, err
		}
		if !done {
			logger.Debug("tool batch incomplete, waiting for remaining results")
			return &queue.Outcome{Produced: produced}, nil
		}
	}

	// Step 5: resolve the routing target.
	res, err := resolveTarget(ctx, ev, thread, msg, senderID, deps)
	if err != nil {
		return nil, err
	}
	if res == nil {
		logger.Debug("no routing target resolved")
		return &queue.Outcome{Produced: produced}, nil
	}

	// Step 6: loop guard over agent-to-agent hops. Tool-bearing agent
	// turns count like any other, so the cap holds even when every hop
	// detours through tools.
	proceed, err := applyLoopGuard(ctx, thread, msg, res, deps)
	if err != nil {
		return nil, err
	}
	if !proceed {
		logger.Info("agent turn limit reached, handing conversation back to user",
			"target_id", res.TargetID)
		return &queue.Outcome{Produced: produced}, nil
	}

	// Step 7: agent-authored tool calls preempt the LLM call.
	if msg.SenderType == models.SenderTypeAgent && len(msg.ToolCalls) > 0 {
		produced = append(produced, toolCallEvents(ev, msg, senderID)...)
		return &queue.Outcome{Produced: produced}, nil
	}

	// Step 8: LLM call when the target is an agent.
	target, ok := deps.Agents.Resolve(res.TargetID)
	if !ok {
		// Target is a user; their client picks the message up from the
		// stream.
		return &queue.Outcome{Produced: produced}, nil
	}

	llmEvent, err := buildLLMCallEvent(ctx, thread, msg, senderID, target, res, deps)
	if err != nil {
		return nil, err
	}
	produced = append(produced, llmEvent)
	return &queue.Outcome{Produced: produced}, nil
}

// resolveSenderID picks the participant id for a sender, falling back to
// external id, then name, then type.
func resolveSenderID(s models.Sender) string {
	switch {
	case s.ID != "":
		return s.ID
	case s.ExternalID != "":
		return s.ExternalID
	case s.Name != "":
		return s.Name
	default:
		return string(s.Type)
	}
}

func persistMessage(ctx context.Context, ev *models.Event, payload *models.NewMessagePayload, senderID string, deps *Deps) (*models.Message, *models.Node, error) {
	msg, err := deps.Messages.CreateMessage(ctx, services.CreateMessageRequest{
		ID:          ev.ID,
		ThreadID:    ev.ThreadID,
		SenderType:  payload.Sender.Type,
		SenderID:    senderID,
		SenderName:  payload.Sender.Name,
		TargetID:    ev.MetaString(models.MetaTargetID),
		TargetQueue: ev.MetaStrings(models.MetaTargetQueue),
		Content:     payload.Content.String(),
		ToolCalls:   payload.ToolCalls,
		ToolCallID:  payload.ToolCallID,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		return nil, nil, err
	}

	// Graph dual-write, keyed by source so replays find the existing
	// node.
	namespace := models.ThreadNamespace(ev.ThreadID)
	node, err := deps.Graph.GetNodeBySource(ctx, "message", msg.ID, models.NodeTypeMessage)
	if errors.Is(err, graph.ErrNotFound) {
		node, err = deps.Graph.CreateNode(ctx, &models.Node{
			Namespace:  namespace,
			Type:       models.NodeTypeMessage,
			Name:       senderID,
			Content:    msg.Content,
			SourceType: "message",
			SourceID:   msg.ID,
			Data: map[string]any{
				"senderType": string(msg.SenderType),
				"senderId":   senderID,
			},
		})
	}
	if err != nil {
		return nil, nil, err
	}

	// SENT_BY edge when the sender has a participant node.
	participant, err := deps.Graph.GetNodeBySource(ctx, "participant", senderID, models.NodeTypeParticipant)
	if err == nil {
		_, err = deps.Graph.CreateEdge(ctx, &models.Edge{
			SourceID: participant.ID,
			TargetID: node.ID,
			Type:     models.EdgeTypeSentBy,
		})
		if err != nil {
			return nil, nil, err
		}
	} else if !errors.Is(err, graph.ErrNotFound) {
		return nil, nil, err
	}

	return msg, node, nil
}

func publishMessageCreated(ctx context.Context, ev *models.Event, msg *models.Message, deps *Deps) {
	if deps.Publisher == nil {
		return
	}
	err := deps.Publisher.PublishMessageCreated(ctx, msg.ThreadID, events.MessageCreatedPayload{
		Type:         events.StreamMessageCreated,
		MessageID:    msg.ID,
		ThreadID:     msg.ThreadID,
		SenderType:   msg.SenderType,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		TargetID:     msg.TargetID,
		Content:      msg.Content,
		ToolCalls:    msg.ToolCalls,
		ToolCallID:   msg.ToolCallID,
		QueueEventID: ev.ID,
		Timestamp:    events.Timestamp(),
	})
	if err != nil {
		// Streaming is best-effort; the durable row is already written.
		deps.Logger.Warn("failed to publish message event", "message_id", msg.ID, "error", err)
	}
}

// maybeSummarize emits a background SUMMARIZE event each time the thread
// crosses a multiple of SummarizeEvery messages.
func maybeSummarize(ctx context.Context, thread *models.Thread, deps *Deps) []*models.Event {
	if deps.SummarizeEvery <= 0 {
		return nil
	}
	n, err := deps.Messages.CountMessages(ctx, thread.ID)
	if err != nil || n == 0 || n%deps.SummarizeEvery != 0 {
		return nil
	}
	return []*models.Event{{
		Type:     models.EventTypeSummarize,
		ThreadID: thread.ID,
		Payload:  models.MustMarshal(models.SummarizePayload{ThreadID: thread.ID}),
	}}
}

// entityExtractFanout emits one ENTITY_EXTRACT event per participant
// agent that opted in, so each agent applies its own thresholds.
func entityExtractFanout(thread *models.Thread, msgNode *models.Node, content string, deps *Deps) []*models.Event {
	var out []*models.Event
	for _, p := range thread.Participants {
		a, ok := deps.Agents.Resolve(p)
		if !ok || !a.RAG.EntityExtraction.Enabled {
			continue
		}
		out = append(out, &models.Event{
			Type:     models.EventTypeEntityExtract,
			ThreadID: thread.ID,
			Payload: models.MustMarshal(models.EntityExtractPayload{
				SourceNodeID: msgNode.ID,
				Content:      content,
				Namespace:    models.ThreadNamespace(thread.ID),
				SourceType:   "message",
				AgentName:    a.Name,
			}),
		})
	}
	return out
}

// toolBatchRetention bounds how long batch entries, completed or
// abandoned, linger in thread metadata before they are pruned.
const toolBatchRetention = time.Hour

func aggregateToolBatch(ctx context.Context, ev *models.Event, thread *models.Thread, msg *models.Message, deps *Deps) (bool, error) {
	batchID := ev.MetaString(models.MetaBatchID)
	batchSize := intMeta(ev, models.MetaBatchSize)
	if batchID == "" || batchSize <= 1 {
		return true, nil
	}

	meta := thread.Meta()
	batch := meta.PendingToolBatch(batchID)
	if batch == nil {
		batch = &models.ToolBatch{
			BatchSize: batchSize,
			AgentName: ev.MetaString("agentName"),
			SenderID:  ev.MetaString(models.MetaTargetID),
			CreatedAt: time.Now().UTC(),
		}
	}
	status := ev.MetaString("toolStatus")
	if status == "" {
		status = "completed"
	}
	batch.AddResult(models.ToolBatchResult{
		ToolCallID: msg.ToolCallID,
		Name:       msg.SenderName,
		Content:    msg.Content,
		Status:     status,
	})

	// The entry stays in metadata even once complete: this metadata write
	// commits before the chained LLM_CALL is appended, and a replay after
	// a crash in between must still find the batch complete. Stale entries
	// age out instead.
	meta.PutPendingToolBatch(batchID, batch)
	meta.PruneToolBatches(time.Now().UTC().Add(-toolBatchRetention))
	if err := deps.Threads.UpdateMetadata(ctx, thread.ID, thread.Metadata); err != nil {
		return false, err
	}
	return batch.Complete(), nil
}

// resolution is a resolved routing decision: the primary target plus the
// ordered remaining stops.
type resolution struct {
	TargetID    string
	TargetQueue []string
	// SourceSenderID is the sender the eventual reply answers to.
	SourceSenderID string
}

// mentionRe matches @handles. Go's RE2 has no lookbehind, so the
// word-boundary check on the preceding character happens in code.
var mentionRe = regexp.MustCompile(`@(\w[\w.-]*\w|\w)`)

// parseMentions extracts @mention handles in order, deduplicated. A
// mention preceded by a word character (as in an email address) does not
// count.
func parseMentions(content string) []string {
	var mentions []string
	seen := map[string]bool{}
	for _, loc := range mentionRe.FindAllStringSubmatchIndex(content, -1) {
		if at := loc[0]; at > 0 {
			prev := content[at-1]
			if prev == '_' || prev == '@' ||
				(prev >= 'a' && prev <= 'z') || (prev >= 'A' && prev <= 'Z') ||
				(prev >= '0' && prev <= '9') {
				continue
			}
		}
		handle := content[loc[2]:loc[3]]
		if !seen[handle] {
			seen[handle] = true
			mentions = append(mentions, handle)
		}
	}
	return mentions
}

// resolveTarget implements the six-step target resolution priority.
func resolveTarget(ctx context.Context, ev *models.Event, thread *models.Thread, msg *models.Message, senderID string, deps *Deps) (*resolution, error) {
	meta := thread.Meta()

	// 1. Explicit target from a prior LLM response.
	if target := ev.MetaString(models.MetaTargetID); target != "" {
		return &resolution{
			TargetID:       target,
			TargetQueue:    dropTarget(ev.MetaStrings(models.MetaTargetQueue), target),
			SourceSenderID: metaOr(ev, models.MetaSourceMessageSenderID, senderID),
		}, nil
	}

	// 2. Tool results route back to the requesting agent.
	if msg.SenderType == models.SenderTypeTool {
		if requester := ev.MetaString("agentName"); requester != "" {
			if a, ok := deps.Agents.Resolve(requester); ok {
				return &resolution{TargetID: a.ID, SourceSenderID: senderID}, nil
			}
		}
		return nil, nil
	}

	// 3. @mentions naming known agents or participants.
	mentions := knownMentions(parseMentions(msg.Content), thread, deps.Agents)
	if len(mentions) > 0 {
		target := mentions[0]
		tq := dropTarget(mentions[1:], target)
		if senderID != target && !containsString(tq, senderID) {
			tq = append(tq, senderID)
		}
		meta.SetParticipantTarget(senderID, target)
		if err := deps.Threads.UpdateMetadata(ctx, thread.ID, thread.Metadata); err != nil {
			return nil, err
		}
		return &resolution{TargetID: target, TargetQueue: tq, SourceSenderID: senderID}, nil
	}

	// 4. The sender's persisted target, if it still names an agent.
	if persisted := meta.ParticipantTarget(senderID); persisted != "" && deps.Agents.IsAgent(persisted) {
		return &resolution{TargetID: persisted, SourceSenderID: senderID}, nil
	}

	// 5. First agent participant that is not the sender.
	for _, p := range thread.Participants {
		if p == senderID || !deps.Agents.IsAgent(p) {
			continue
		}
		meta.SetParticipantTarget(senderID, p)
		if err := deps.Threads.UpdateMetadata(ctx, thread.ID, thread.Metadata); err != nil {
			return nil, err
		}
		return &resolution{TargetID: p, SourceSenderID: senderID}, nil
	}

	// 6. Nobody to talk to.
	return nil, nil
}

// knownMentions filters mention handles to registered agents and thread
// participants.
func knownMentions(mentions []string, thread *models.Thread, agents *agent.Registry) []string {
	var known []string
	for _, m := range mentions {
		if agents.IsAgent(m) || thread.HasParticipant(m) {
			known = append(known, m)
		}
	}
	return known
}

// applyLoopGuard maintains the agent-to-agent hop counter. Returns false
// when the turn cap fires and the conversation is forced back to a user.
func applyLoopGuard(ctx context.Context, thread *models.Thread, msg *models.Message, res *resolution, deps *Deps) (bool, error) {
	meta := thread.Meta()
	targetIsAgent := deps.Agents.IsAgent(res.TargetID)

	switch {
	case msg.SenderType == models.SenderTypeUser:
		meta.SetAgentTurnCount(0)

	case msg.SenderType == models.SenderTypeAgent && targetIsAgent:
		count := meta.AgentTurnCount() + 1
		if count >= meta.MaxAgentTurns() {
			meta.SetAgentTurnCount(0)
			res.TargetID = firstNonAgentParticipant(thread, deps.Agents)
			if err := deps.Threads.UpdateMetadata(ctx, thread.ID, thread.Metadata); err != nil {
				return false, err
			}
			return false, nil
		}
		meta.SetAgentTurnCount(count)

	case !targetIsAgent:
		meta.SetAgentTurnCount(0)
	}

	if err := deps.Threads.UpdateMetadata(ctx, thread.ID, thread.Metadata); err != nil {
		return false, err
	}
	return true, nil
}

func firstNonAgentParticipant(thread *models.Thread, agents *agent.Registry) string {
	for _, p := range thread.Participants {
		if !agents.IsAgent(p) {
			return p
		}
	}
	return ""
}

// toolCallEvents fans an agent message's tool calls out as TOOL_CALL
// events, batch-tagged when there is more than one. The agent's intended
// recipient rides along as sourceMessageSenderId so the reply produced
// after the tool results still reaches them.
func toolCallEvents(ev *models.Event, msg *models.Message, senderID string) []*models.Event {
	batchID := ""
	if len(msg.ToolCalls) > 1 {
		batchID = models.NewID()
	}

	replyTo := ev.MetaString(models.MetaTargetID)
	if replyTo == "" {
		replyTo = ev.MetaString(models.MetaSourceMessageSenderID)
	}
	targetQueue := ev.MetaStrings(models.MetaTargetQueue)

	out := make([]*models.Event, 0, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		callID := tc.ID
		if callID == "" {
			callID = models.NewID()
		}
		payload := models.ToolCallPayload{
			AgentName:  msg.SenderName,
			SenderID:   senderID,
			SenderType: models.SenderTypeAgent,
			Call: models.ToolCallRequest{
				ID: callID,
				Function: models.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			},
		}
		metadata := map[string]any{}
		if replyTo != "" {
			metadata[models.MetaSourceMessageSenderID] = replyTo
		}
		if len(targetQueue) > 0 {
			metadata[models.MetaTargetQueue] = targetQueue
		}
		if batchID != "" {
			payload.BatchID = batchID
			payload.BatchSize = len(msg.ToolCalls)
			payload.BatchIndex = i
			metadata[models.MetaBatchID] = batchID
			metadata[models.MetaBatchSize] = len(msg.ToolCalls)
			metadata[models.MetaBatchIndex] = i
		}
		out = append(out, &models.Event{
			Type:     models.EventTypeToolCall,
			ThreadID: msg.ThreadID,
			Payload:  models.MustMarshal(payload),
			Metadata: metadata,
		})
	}
	return out
}

// buildLLMCallEvent assembles the prompt, history, tool set, and provider
// config for the target agent and wraps them in an LLM_CALL event.
func buildLLMCallEvent(ctx context.Context, thread *models.Thread, msg *models.Message, senderID string, target *agent.Agent, res *resolution, deps *Deps) (*models.Event, error) {
	memory, err := deps.Graph.GetNodesByNamespace(ctx, models.AgentNamespace(target.ID), "memory")
	if err != nil {
		return nil, err
	}

	ragContext := ""
	if target.RAG.Mode == agent.RAGModeAuto && deps.Embedder != nil && msg.Content != "" {
		embedding, err := deps.Embedder.Embed(ctx, msg.Content)
		if err != nil {
			deps.Logger.Warn("auto RAG retrieval failed", "agent", target.Name, "error", err)
		} else {
			matches, err := deps.Graph.SearchChunksFromGraph(ctx, graph.ChunkSearchRequest{
				Embedding:  embedding,
				Namespaces: target.Namespaces(thread.ID),
				Limit:      target.RAG.Limit,
				Threshold:  target.RAG.Threshold,
			})
			if err != nil {
				deps.Logger.Warn("auto RAG retrieval failed", "agent", target.Name, "error", err)
			} else {
				ragContext = agent.FormatRAGContext(matches)
			}
		}
	}

	system := agent.BuildSystemPrompt(agent.PromptContext{
		Agent:      target,
		Thread:     thread,
		Memory:     memory,
		RAGContext: ragContext,
		Now:        time.Now(),
	})

	history, err := deps.History.View(ctx, thread.ID, target.ID, services.HistoryOptions{
		Limit:          deps.HistoryLimit,
		IncludeSummary: true,
	})
	if err != nil {
		return nil, err
	}
	messages := append([]models.ChatMessage{{Role: models.ChatRoleSystem, Content: system}}, history...)

	toolDefs := deps.Tools.Definitions(target.AllowedTools)

	// The reply goes to the next queued stop, or back to the sender.
	replyTarget := res.SourceSenderID
	replyQueue := res.TargetQueue
	if len(replyQueue) > 0 {
		replyTarget = replyQueue[0]
		replyQueue = replyQueue[1:]
	}

	sourceSender := res.SourceSenderID
	if msg.SenderType == models.SenderTypeTool {
		// A tool result's "sender" is the tool; the agent's reply should
		// go to whomever the agent was speaking with, not back to itself.
		if persisted := thread.Meta().ParticipantTarget(target.ID); persisted != "" {
			sourceSender = persisted
			replyTarget = persisted
		}
	}

	metadata := map[string]any{
		models.MetaTargetID:              replyTarget,
		models.MetaSourceMessageSenderID: sourceSender,
	}
	if len(replyQueue) > 0 {
		metadata[models.MetaTargetQueue] = replyQueue
	}

	return &models.Event{
		Type:     models.EventTypeLLMCall,
		ThreadID: thread.ID,
		Payload: models.MustMarshal(models.LLMCallPayload{
			AgentName: target.Name,
			AgentID:   target.ID,
			Messages:  messages,
			Tools:     toolDefs,
			Config:    target.LLM,
		}),
		Metadata: metadata,
	}, nil
}

// --- small helpers ---

func intMeta(ev *models.Event, key string) int {
	if ev.Metadata == nil {
		return 0
	}
	switch v := ev.Metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func metaOr(ev *models.Event, key, fallback string) string {
	if v := ev.MetaString(key); v != "" {
		return v
	}
	return fallback
}

func containsString(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// dropTarget removes the current target from a queue: the queue never
// contains the active target.
func dropTarget(queue []string, target string) []string {
	var out []string
	for _, item := range queue {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
