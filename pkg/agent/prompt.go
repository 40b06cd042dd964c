package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// PromptContext carries everything the system prompt is assembled from.
// All state comes from parameters; assembly is stateless.
type PromptContext struct {
	Agent  *Agent
	Thread *models.Thread
	// Memory holds the agent's persistent memory nodes, oldest first.
	Memory []*models.Node
	// RAGContext is pre-retrieved chunk text injected in auto mode;
	// empty otherwise.
	RAGContext string
	Now        time.Time
}

// BuildSystemPrompt assembles the system prompt: identity, thread
// context with self-annotation, routing rules, persistent memory,
// retrieved context, and the current date.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder

	sb.WriteString(formatIdentitySection(pc.Agent))
	sb.WriteString("\n")
	sb.WriteString(formatThreadSection(pc.Agent, pc.Thread))
	sb.WriteString("\n")
	sb.WriteString(routingRulesSection)

	if memory := formatMemorySection(pc.Memory); memory != "" {
		sb.WriteString("\n")
		sb.WriteString(memory)
	}
	if pc.RAGContext != "" {
		sb.WriteString("\n## Retrieved Context\n\n")
		sb.WriteString("The following was retrieved from the knowledge base and may be relevant:\n\n")
		sb.WriteString(pc.RAGContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Current Date\n\n")
	sb.WriteString(pc.Now.UTC().Format("Monday, January 2, 2006 (15:04 UTC)"))
	sb.WriteString("\n")

	return sb.String()
}

func formatIdentitySection(a *Agent) string {
	var sb strings.Builder
	sb.WriteString("## Identity\n\n")
	sb.WriteString(fmt.Sprintf("You are %s", a.Name))
	if a.Description != "" {
		sb.WriteString(": " + a.Description)
	}
	sb.WriteString(".\n")
	if a.Instructions != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(a.Instructions))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatThreadSection(a *Agent, thread *models.Thread) string {
	var sb strings.Builder
	sb.WriteString("## Conversation\n\n")
	if thread == nil {
		sb.WriteString("No thread context available.\n")
		return sb.String()
	}

	if thread.Name != "" {
		sb.WriteString("Thread: " + thread.Name + "\n")
	}
	if len(thread.Participants) > 0 {
		sb.WriteString("Participants: ")
		parts := make([]string, 0, len(thread.Participants))
		for _, p := range thread.Participants {
			if p == a.ID || p == a.Name {
				parts = append(parts, p+" (you)")
			} else {
				parts = append(parts, p)
			}
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("\n")
	}

	meta := thread.Meta()
	if userCtx := meta.UserContext(); userCtx != "" {
		sb.WriteString("User context: " + userCtx + "\n")
	}
	return sb.String()
}

const routingRulesSection = `## Addressing

Messages from other participants appear as "[name]: text". To address a
specific participant, mention them with @name at the start of your reply;
without a mention your reply goes to whoever you last spoke with. Do not
mention yourself.
`

func formatMemorySection(memory []*models.Node) string {
	if len(memory) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Your Memory\n\n")
	sb.WriteString("Notes you saved in earlier conversations:\n\n")
	for _, n := range memory {
		sb.WriteString("- ")
		if n.Name != "" {
			sb.WriteString(n.Name + ": ")
		}
		sb.WriteString(strings.TrimSpace(n.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatRAGContext renders chunk matches for prompt injection, best
// match first.
func FormatRAGContext(matches []models.ChunkMatch) string {
	if len(matches) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, m := range matches {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		if m.Document != nil && m.Document.Name != "" {
			sb.WriteString(fmt.Sprintf("[%s]\n", m.Document.Name))
		}
		sb.WriteString(strings.TrimSpace(m.Chunk.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}
