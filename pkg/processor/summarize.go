package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
)

// summarizeWindow is how many recent messages feed a summary pass.
const summarizeWindow = 50

const summarizeSystemPrompt = `Summarize the conversation below in at most 150 words.

Keep decisions, open questions, and facts about the participants. Write in the third person. If an earlier summary is provided, fold it in rather than repeating it.`

// processSummarize refreshes a thread's rolling summary from its recent
// messages. The summary is what HistoryService prepends when older turns
// fall outside the history window.
func processSummarize(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.SummarizePayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}
	threadID := payload.ThreadID
	if threadID == "" {
		threadID = ev.ThreadID
	}

	thread, err := deps.Threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := deps.Messages.ListRecentMessages(ctx, threadID, summarizeWindow)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return &queue.Outcome{}, nil
	}

	cfg, ok := summaryProviderConfig(payload.AgentName, thread, deps)
	if !ok {
		deps.Logger.Debug("no provider available for summarization", "thread_id", threadID)
		return &queue.Outcome{}, nil
	}

	var transcript strings.Builder
	if thread.Summary != "" {
		transcript.WriteString("Earlier summary: ")
		transcript.WriteString(thread.Summary)
		transcript.WriteString("\n\n")
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, m.Content)
	}

	result, err := deps.LLM.Generate(ctx, cfg, &llm.Request{
		System:   summarizeSystemPrompt,
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: transcript.String()}},
	}, nil)
	if err != nil {
		if llm.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		// Background maintenance; the next threshold crossing retries.
		deps.Logger.Warn("thread summarization failed", "thread_id", threadID, "error", err)
		return &queue.Outcome{}, nil
	}

	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return &queue.Outcome{}, nil
	}
	if err := deps.Threads.SetSummary(ctx, threadID, summary); err != nil {
		return nil, err
	}
	deps.Logger.Debug("thread summary updated", "thread_id", threadID, "length", len(summary))
	return &queue.Outcome{
		Result: models.MustMarshal(map[string]any{"summaryLength": len(summary)}),
	}, nil
}

// summaryProviderConfig picks the LLM config for a summary pass: the
// named agent's when set, otherwise the first participant agent's.
func summaryProviderConfig(agentName string, thread *models.Thread, deps *Deps) (models.ProviderConfig, bool) {
	if agentName != "" {
		if a, ok := deps.Agents.Resolve(agentName); ok {
			return a.LLM, true
		}
	}
	for _, p := range thread.Participants {
		if a, ok := deps.Agents.Resolve(p); ok {
			return a.LLM, true
		}
	}
	return models.ProviderConfig{}, false
}
