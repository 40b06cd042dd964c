package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parley-ai/parley/pkg/models"
)

func TestProjectMessageViewerOwnMessage(t *testing.T) {
	m := &models.Message{
		SenderType: models.SenderTypeAgent,
		SenderID:   "helper",
		Content:    "On it.",
		ToolCalls:  []models.ToolCall{{ID: "tc1", Name: "search_knowledge"}},
	}

	got := projectMessage(m, "helper", HistoryOptions{})
	assert.Equal(t, models.ChatRoleAssistant, got.Role)
	assert.Equal(t, "On it.", got.Content)
	assert.Len(t, got.ToolCalls, 1)
}

func TestProjectMessageOtherParticipantIsAttributedUser(t *testing.T) {
	m := &models.Message{
		SenderType: models.SenderTypeUser,
		SenderID:   "alice",
		SenderName: "Alice",
		Content:    "hi @helper",
	}

	got := projectMessage(m, "helper", HistoryOptions{})
	assert.Equal(t, models.ChatRoleUser, got.Role)
	assert.Equal(t, "[Alice]: hi @helper", got.Content)
	assert.Equal(t, "alice", got.Name)
}

func TestProjectMessageOtherAgentIsAttributedUser(t *testing.T) {
	m := &models.Message{
		SenderType: models.SenderTypeAgent,
		SenderID:   "researcher",
		Content:    "Found three papers.",
		TargetID:   "helper",
	}

	got := projectMessage(m, "helper", HistoryOptions{IncludeTargetContext: true})
	assert.Equal(t, models.ChatRoleUser, got.Role)
	assert.Equal(t, "[researcher -> helper]: Found three papers.", got.Content)
}

func TestProjectMessageToolResultForViewer(t *testing.T) {
	m := &models.Message{
		SenderType: models.SenderTypeTool,
		SenderID:   "search_knowledge",
		SenderName: "search_knowledge",
		TargetID:   "helper",
		ToolCallID: "tc1",
		Content:    `{"matches":[]}`,
	}

	got := projectMessage(m, "helper", HistoryOptions{})
	assert.Equal(t, models.ChatRoleTool, got.Role)
	assert.Equal(t, "tc1", got.ToolCallID)
	assert.Equal(t, `{"matches":[]}`, got.Content)
}

func TestProjectMessageForeignToolResultIsAttributed(t *testing.T) {
	// A tool result for another agent's call must not leak its
	// tool_call_id into this viewer's projection.
	m := &models.Message{
		SenderType: models.SenderTypeTool,
		SenderID:   "web_fetch",
		SenderName: "web_fetch",
		TargetID:   "researcher",
		ToolCallID: "tc9",
		Content:    "fetched",
	}

	got := projectMessage(m, "helper", HistoryOptions{})
	assert.Equal(t, models.ChatRoleUser, got.Role)
	assert.Empty(t, got.ToolCallID)
	assert.Equal(t, "[web_fetch]: fetched", got.Content)
}

func TestProjectMessageSystem(t *testing.T) {
	m := &models.Message{
		SenderType: models.SenderTypeSystem,
		Content:    "thread archived",
	}

	got := projectMessage(m, "helper", HistoryOptions{})
	assert.Equal(t, models.ChatRoleSystem, got.Role)
	assert.Equal(t, "thread archived", got.Content)
}

func TestAttributeFallsBackToIDAndType(t *testing.T) {
	m := &models.Message{SenderType: models.SenderTypeUser, SenderID: "u1", Content: "x"}
	assert.Equal(t, "[u1]: x", attribute(m, false))

	m = &models.Message{SenderType: models.SenderTypeUser, Content: "x"}
	assert.Equal(t, "[user]: x", attribute(m, false))
}
