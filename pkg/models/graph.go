package models

import (
	"fmt"
	"strings"
	"time"
)

// Node types used by the built-in pipelines. The type field is an open
// string; user-defined collections may introduce their own.
const (
	NodeTypeChunk       = "chunk"
	NodeTypeEntity      = "entity"
	NodeTypeConcept     = "concept"
	NodeTypeMessage     = "message"
	NodeTypeParticipant = "participant"
	NodeTypeDocument    = "document"
)

// Edge types used by the built-in pipelines.
const (
	EdgeTypeNextChunk = "NEXT_CHUNK"
	EdgeTypeMentions  = "MENTIONS"
	EdgeTypeRelatedTo = "RELATED_TO"
	EdgeTypeSentBy    = "SENT_BY"
)

// GlobalNamespace scopes nodes shared across threads and agents.
const GlobalNamespace = "global"

// ThreadNamespace returns the conversation-scoped namespace for a thread.
func ThreadNamespace(threadID string) string {
	return "thread:" + threadID
}

// AgentNamespace returns the agent-persistent namespace for an agent.
func AgentNamespace(agentID string) string {
	return "agent:" + agentID
}

// ValidNamespace reports whether ns has a canonical form: "global",
// "kind:id", or "prefix:kind:id".
func ValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	if ns == GlobalNamespace {
		return true
	}
	parts := strings.Split(ns, ":")
	if len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Node is one knowledge-graph entry. Embedding is optional; a nil
// embedding means the node is not vector-searchable. SourceType/SourceID
// back-reference the producer (a document, a message, ...) and drive
// cascade deletes.
type Node struct {
	ID         string         `json:"id"`
	Namespace  string         `json:"namespace"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Content    string         `json:"content,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge connects two nodes. Edges are immutable: there is no updated-at and
// re-creating an existing (source, target, type) edge is a no-op.
type Edge struct {
	ID        string         `json:"id"`
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Weight    float64        `json:"weight,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EdgeDirection selects which incident edges to traverse.
type EdgeDirection string

// Edge directions.
const (
	EdgeDirIn   EdgeDirection = "in"
	EdgeDirOut  EdgeDirection = "out"
	EdgeDirBoth EdgeDirection = "both"
)

// Valid reports whether d is a known direction.
func (d EdgeDirection) Valid() bool {
	switch d {
	case EdgeDirIn, EdgeDirOut, EdgeDirBoth:
		return true
	}
	return false
}

// NodeMatch pairs a node with its similarity to a query embedding.
// Similarity is 1 - cosine distance, in [-1, 1].
type NodeMatch struct {
	Node       *Node   `json:"node"`
	Similarity float64 `json:"similarity"`
}

// ChunkMatch is a chunk search hit joined with its parent document node.
type ChunkMatch struct {
	Chunk      *Node   `json:"chunk"`
	Document   *Node   `json:"document,omitempty"`
	Similarity float64 `json:"similarity"`
}

// String implements fmt.Stringer for log output.
func (n *Node) String() string {
	return fmt.Sprintf("node(%s %s/%s %q)", n.ID, n.Namespace, n.Type, n.Name)
}
