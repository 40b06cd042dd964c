package services

import (
	"context"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
)

// HistoryService projects a thread's message log into the viewer-relative
// chat form handed to LLM providers. The same thread yields a different
// projection per viewer: an agent sees its own messages as assistant
// turns and everyone else's as attributed user turns.
type HistoryService struct {
	messages *MessageService
	threads  *ThreadService
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(messages *MessageService, threads *ThreadService) *HistoryService {
	return &HistoryService{messages: messages, threads: threads}
}

// HistoryOptions control the projection.
type HistoryOptions struct {
	// Limit caps the projection to the newest N messages (0 = all).
	Limit int
	// IncludeTargetContext annotates attributed turns with the recipient
	// ("[alice -> bob]: ...") so the viewer sees side conversations.
	IncludeTargetContext bool
	// IncludeSummary prepends the thread's rolling summary as a system
	// turn when one exists.
	IncludeSummary bool
}

// View builds the viewer-relative projection of a thread.
//
// Rules, in order:
//   - the viewer's own messages become assistant turns, tool calls intact
//   - tool results addressed to the viewer become tool turns carrying
//     their tool_call_id
//   - everything else becomes a user turn prefixed with the speaker
//     ("[alice]: hi") so a multi-party thread stays attributable inside
//     the two-role chat format
//   - system messages stay system turns, unattributed
//
// Tool results belonging to other participants' calls are rendered as
// attributed user turns: the viewer never sees tool_call_ids it did not
// issue.
func (s *HistoryService) View(ctx context.Context, threadID, viewerID string, opts HistoryOptions) ([]models.ChatMessage, error) {
	var msgs []*models.Message
	var err error
	if opts.Limit > 0 {
		msgs, err = s.messages.ListRecentMessages(ctx, threadID, opts.Limit)
	} else {
		msgs, err = s.messages.ListMessages(ctx, threadID, 0, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	var chat []models.ChatMessage
	if opts.IncludeSummary {
		thread, err := s.threads.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if thread.Summary != "" {
			chat = append(chat, models.ChatMessage{
				Role:    models.ChatRoleSystem,
				Content: "Conversation so far (summary): " + thread.Summary,
			})
		}
	}

	for _, m := range msgs {
		chat = append(chat, projectMessage(m, viewerID, opts))
	}
	return chat, nil
}

func projectMessage(m *models.Message, viewerID string, opts HistoryOptions) models.ChatMessage {
	switch {
	case m.SenderType == models.SenderTypeSystem:
		return models.ChatMessage{Role: models.ChatRoleSystem, Content: m.Content}

	case m.SenderID == viewerID && m.SenderType != models.SenderTypeTool:
		return models.ChatMessage{
			Role:      models.ChatRoleAssistant,
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		}

	case m.SenderType == models.SenderTypeTool && m.TargetID == viewerID:
		return models.ChatMessage{
			Role:       models.ChatRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.SenderName,
		}

	default:
		return models.ChatMessage{
			Role:    models.ChatRoleUser,
			Content: attribute(m, opts.IncludeTargetContext),
			Name:    m.SenderID,
		}
	}
}

// attribute prefixes a message with its speaker so the flattened two-role
// chat stays readable in multi-party threads.
func attribute(m *models.Message, withTarget bool) string {
	speaker := m.SenderName
	if speaker == "" {
		speaker = m.SenderID
	}
	if speaker == "" {
		speaker = string(m.SenderType)
	}
	if withTarget && m.TargetID != "" {
		return fmt.Sprintf("[%s -> %s]: %s", speaker, m.TargetID, m.Content)
	}
	return fmt.Sprintf("[%s]: %s", speaker, m.Content)
}
