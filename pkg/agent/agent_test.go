package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Agent{Name: "helper"}))
	require.NoError(t, r.Register(&Agent{Name: "researcher", ID: "agent-researcher"}))

	a, ok := r.Resolve("helper")
	require.True(t, ok)
	assert.Equal(t, "helper", a.ID, "id defaults to name")

	a, ok = r.Resolve("agent-researcher")
	require.True(t, ok)
	assert.Equal(t, "researcher", a.Name)

	_, ok = r.Resolve("nobody")
	assert.False(t, ok)
	assert.True(t, r.IsAgent("researcher"))
	assert.False(t, r.IsAgent("alice"))

	err := r.Register(&Agent{Name: "helper"})
	assert.ErrorContains(t, err, "already registered")
	err = r.Register(&Agent{Name: ""})
	assert.ErrorContains(t, err, "required")
}

func TestRegisterNormalizesDefaults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Agent{Name: "helper"}))

	a, _ := r.Resolve("helper")
	assert.Equal(t, RAGModeTool, a.RAG.Mode)
	assert.Equal(t, DefaultRAGLimit, a.RAG.Limit)
	assert.InDelta(t, DefaultRAGThreshold, a.RAG.Threshold, 1e-9)
	assert.InDelta(t, DefaultAutoMergeThreshold, a.RAG.EntityExtraction.AutoMergeThreshold, 1e-9)
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Agent{Name: "zeta"}))
	require.NoError(t, r.Register(&Agent{Name: "alpha"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
}

func TestNamespacesOrder(t *testing.T) {
	a := &Agent{Name: "helper", ID: "helper", RAG: RAGOptions{Namespaces: []string{"team:docs"}}}
	got := a.Namespaces("t1")
	assert.Equal(t, []string{"thread:t1", "agent:helper", "team:docs", "global"}, got)
}

func TestBuildSystemPrompt(t *testing.T) {
	a := &Agent{
		Name:         "helper",
		ID:           "helper",
		Description:  "a support assistant",
		Instructions: "Be concise.",
	}
	thread := &models.Thread{
		Name:         "support",
		Participants: []string{"alice", "helper", "researcher"},
		Metadata:     map[string]any{models.ThreadMetaUserContext: "Alice, premium plan"},
	}
	memory := []*models.Node{
		{Name: "preference", Content: "Alice prefers short answers."},
	}

	prompt := BuildSystemPrompt(PromptContext{
		Agent:  a,
		Thread: thread,
		Memory: memory,
		Now:    time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC),
	})

	assert.Contains(t, prompt, "You are helper: a support assistant.")
	assert.Contains(t, prompt, "Be concise.")
	assert.Contains(t, prompt, "alice, helper (you), researcher")
	assert.Contains(t, prompt, "User context: Alice, premium plan")
	assert.Contains(t, prompt, "@name")
	assert.Contains(t, prompt, "preference: Alice prefers short answers.")
	assert.Contains(t, prompt, "August 26, 2026")
	assert.NotContains(t, prompt, "Retrieved Context")

	// Section ordering: identity before conversation before memory.
	idIdx := strings.Index(prompt, "## Identity")
	convIdx := strings.Index(prompt, "## Conversation")
	memIdx := strings.Index(prompt, "## Your Memory")
	assert.True(t, idIdx < convIdx && convIdx < memIdx)
}

func TestBuildSystemPromptWithRAGContext(t *testing.T) {
	prompt := BuildSystemPrompt(PromptContext{
		Agent:      &Agent{Name: "helper", ID: "helper"},
		RAGContext: "Relevant handbook excerpt.",
		Now:        time.Now(),
	})
	assert.Contains(t, prompt, "## Retrieved Context")
	assert.Contains(t, prompt, "Relevant handbook excerpt.")
	assert.Contains(t, prompt, "No thread context available.")
}

func TestFormatRAGContext(t *testing.T) {
	assert.Empty(t, FormatRAGContext(nil))

	got := FormatRAGContext([]models.ChunkMatch{
		{
			Chunk:      &models.Node{Content: "chunk one"},
			Document:   &models.Node{Name: "Handbook"},
			Similarity: 0.9,
		},
		{
			Chunk:      &models.Node{Content: "chunk two"},
			Similarity: 0.8,
		},
	})
	assert.Contains(t, got, "[Handbook]")
	assert.Contains(t, got, "chunk one")
	assert.Contains(t, got, "---")
	assert.Contains(t, got, "chunk two")
}
