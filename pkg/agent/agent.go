// Package agent defines agent configuration, the thread-safe agent
// registry, and system prompt assembly for LLM calls.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/parley-ai/parley/pkg/models"
)

// RAG modes. "auto" injects retrieved context into every LLM call;
// "tool" leaves retrieval to the search_knowledge tool; "off" disables
// retrieval entirely.
const (
	RAGModeAuto = "auto"
	RAGModeTool = "tool"
	RAGModeOff  = "off"
)

// EntityExtractionOptions configure the per-agent entity extraction
// fanout.
type EntityExtractionOptions struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// SimilarityThreshold is the minimum similarity for an extracted
	// entity to be considered a match against existing nodes.
	SimilarityThreshold float64 `yaml:"similarityThreshold" json:"similarityThreshold"`
	// AutoMergeThreshold is the similarity above which a candidate is
	// merged into an existing node instead of creating a new one.
	AutoMergeThreshold float64 `yaml:"autoMergeThreshold" json:"autoMergeThreshold"`
}

// RAGOptions configure retrieval for one agent.
type RAGOptions struct {
	Mode string `yaml:"mode" json:"mode"`
	// Namespaces are extra search scopes beyond the thread, agent, and
	// global namespaces.
	Namespaces       []string                `yaml:"namespaces" json:"namespaces"`
	Limit            int                     `yaml:"limit" json:"limit"`
	Threshold        float64                 `yaml:"threshold" json:"threshold"`
	EntityExtraction EntityExtractionOptions `yaml:"entityExtraction" json:"entityExtraction"`
}

// Defaults for unset RAG options.
const (
	DefaultRAGLimit            = 5
	DefaultRAGThreshold        = 0.3
	DefaultSimilarityThreshold = 0.75
	DefaultAutoMergeThreshold  = 0.9
)

// Agent is one configured LLM-backed participant.
type Agent struct {
	// Name is the mention handle ("helper" is addressed as @helper).
	Name string `yaml:"name" json:"name"`
	// ID is the participant id; defaults to the name.
	ID           string                `yaml:"id" json:"id"`
	Description  string                `yaml:"description" json:"description"`
	Instructions string                `yaml:"instructions" json:"instructions"`
	AllowedTools []string              `yaml:"allowedTools" json:"allowedTools"`
	LLM          models.ProviderConfig `yaml:"llm" json:"llm"`
	RAG          RAGOptions            `yaml:"rag" json:"rag"`
}

// normalize fills defaulted fields in place.
func (a *Agent) normalize() {
	if a.ID == "" {
		a.ID = a.Name
	}
	if a.RAG.Mode == "" {
		a.RAG.Mode = RAGModeTool
	}
	if a.RAG.Limit <= 0 {
		a.RAG.Limit = DefaultRAGLimit
	}
	if a.RAG.Threshold <= 0 {
		a.RAG.Threshold = DefaultRAGThreshold
	}
	if a.RAG.EntityExtraction.SimilarityThreshold <= 0 {
		a.RAG.EntityExtraction.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if a.RAG.EntityExtraction.AutoMergeThreshold <= 0 {
		a.RAG.EntityExtraction.AutoMergeThreshold = DefaultAutoMergeThreshold
	}
}

// Registry holds the configured agents, addressable by name or id.
// Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Agent
	byID   map[string]*Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Agent),
		byID:   make(map[string]*Agent),
	}
}

// Register adds an agent, normalizing defaults. Name and id collisions
// are errors.
func (r *Registry) Register(a *Agent) error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	a.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[a.Name]; exists {
		return fmt.Errorf("agent %q already registered", a.Name)
	}
	if _, exists := r.byID[a.ID]; exists {
		return fmt.Errorf("agent id %q already registered", a.ID)
	}
	r.byName[a.Name] = a
	r.byID[a.ID] = a
	return nil
}

// Resolve finds an agent by id or name, id winning on collision.
func (r *Registry) Resolve(idOrName string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byID[idOrName]; ok {
		return a, true
	}
	a, ok := r.byName[idOrName]
	return a, ok
}

// IsAgent reports whether the participant id or name belongs to a
// registered agent.
func (r *Registry) IsAgent(idOrName string) bool {
	_, ok := r.Resolve(idOrName)
	return ok
}

// List returns all agents sorted by name.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]*Agent, 0, len(r.byName))
	for _, a := range r.byName {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// Namespaces returns the search scopes for this agent in a thread, most
// specific first: thread, agent, configured extras, global.
func (a *Agent) Namespaces(threadID string) []string {
	scopes := []string{
		models.ThreadNamespace(threadID),
		models.AgentNamespace(a.ID),
	}
	scopes = append(scopes, a.RAG.Namespaces...)
	return append(scopes, models.GlobalNamespace)
}
