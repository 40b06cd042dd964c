// Package config loads and validates the parley.yaml configuration:
// server settings, database, queue tuning, the embedding pipeline, LLM
// providers, and agent definitions.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/cleanup"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
)

// Duration wraps time.Duration with YAML support for both duration
// strings ("250ms", "2m") and bare integers (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// YAMLConfig represents the complete parley.yaml file structure.
type YAMLConfig struct {
	Server     *ServerYAML              `yaml:"server"`
	Database   *DatabaseYAML            `yaml:"database"`
	Queue      *QueueYAML               `yaml:"queue"`
	RAG        *RAGYAML                 `yaml:"rag"`
	Providers  map[string]ProviderYAML  `yaml:"providers"`
	Agents     map[string]AgentYAML     `yaml:"agents"`
	MCPServers map[string]MCPServerYAML `yaml:"mcp_servers"`
	Routing    *RoutingYAML             `yaml:"routing"`
	Retention  *RetentionYAML           `yaml:"retention"`
}

// ServerYAML holds HTTP API settings.
type ServerYAML struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	// AuthToken enables bearer-token auth on the API when set.
	AuthToken      string   `yaml:"auth_token,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// DatabaseYAML holds the PostgreSQL connection settings.
type DatabaseYAML struct {
	URL string `yaml:"url"`
}

// QueueYAML mirrors queue.Config for the YAML file. Unset fields fall
// back to the queue defaults.
type QueueYAML struct {
	WorkerCount       int      `yaml:"worker_count,omitempty"`
	PollInterval      Duration `yaml:"poll_interval,omitempty"`
	PollJitter        Duration `yaml:"poll_jitter,omitempty"`
	LeaseDuration     Duration `yaml:"lease_duration,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	ProcessTimeout    Duration `yaml:"process_timeout,omitempty"`
	ReapInterval      Duration `yaml:"reap_interval,omitempty"`
	RetentionPeriod   Duration `yaml:"retention_period,omitempty"`
	RetentionInterval Duration `yaml:"retention_interval,omitempty"`
}

// RAGYAML groups ingest-pipeline settings.
type RAGYAML struct {
	Embedding *EmbeddingYAML `yaml:"embedding,omitempty"`
	Chunking  *ChunkingYAML  `yaml:"chunking,omitempty"`
}

// EmbeddingYAML configures the embedding client.
type EmbeddingYAML struct {
	APIKey         string `yaml:"api_key,omitempty"`
	BaseURL        string `yaml:"base_url,omitempty"`
	Model          string `yaml:"model,omitempty"`
	BatchSize      int    `yaml:"batch_size,omitempty"`
	MaxInputTokens int    `yaml:"max_input_tokens,omitempty"`
}

// ChunkingYAML configures the document chunker.
type ChunkingYAML struct {
	Strategy     string `yaml:"strategy,omitempty"`
	ChunkSize    int    `yaml:"chunk_size,omitempty"`
	ChunkOverlap int    `yaml:"chunk_overlap,omitempty"`
}

// ProviderYAML is one named LLM provider entry. Fallback references
// another provider entry by name.
type ProviderYAML struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	Temperature *float32 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Fallback    string   `yaml:"fallback,omitempty"`
}

// AgentYAML is one agent definition. Provider references an entry of the
// providers map; Model, Temperature, and MaxTokens override it.
type AgentYAML struct {
	ID           string           `yaml:"id,omitempty"`
	Description  string           `yaml:"description,omitempty"`
	Instructions string           `yaml:"instructions,omitempty"`
	Tools        []string         `yaml:"tools,omitempty"`
	Provider     string           `yaml:"provider"`
	Model        string           `yaml:"model,omitempty"`
	Temperature  *float32         `yaml:"temperature,omitempty"`
	MaxTokens    int              `yaml:"max_tokens,omitempty"`
	RAG          agent.RAGOptions `yaml:"rag,omitempty"`
}

// MCPServerYAML is one MCP server entry. The server runs as a stdio
// subprocess; its tools register under "<name>_<tool>" keys.
type MCPServerYAML struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// Tools limits which server tools are exposed; empty exposes all.
	Tools []string `yaml:"tools,omitempty"`
}

// RetentionYAML tunes the stream-event retention sweep.
type RetentionYAML struct {
	StreamRetention Duration `yaml:"stream_retention,omitempty"`
	Interval        Duration `yaml:"interval,omitempty"`
}

// RoutingYAML tunes the message pipeline.
type RoutingYAML struct {
	// MaxAgentTurns caps consecutive agent-to-agent hops per thread.
	MaxAgentTurns int `yaml:"max_agent_turns,omitempty"`
	// HistoryLimit caps how many recent messages feed each LLM call.
	HistoryLimit int `yaml:"history_limit,omitempty"`
	// SummarizeEvery refreshes the thread summary each time the message
	// count crosses a multiple of N; 0 disables summaries.
	SummarizeEvery int `yaml:"summarize_every,omitempty"`
	// FileRoot confines the file tools; empty disables them.
	FileRoot string `yaml:"file_root,omitempty"`
}

// Config is the validated, ready-to-use configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Queue      queue.Config
	Embedding  *rag.EmbeddingConfig // nil when no embedding API key is configured
	Chunking   rag.ChunkConfig
	Agents     []*agent.Agent
	MCPServers []mcp.ServerConfig
	Routing    RoutingConfig
	Retention  cleanup.Config
}

// ServerConfig holds resolved HTTP API settings.
type ServerConfig struct {
	Host           string
	Port           int
	AuthToken      string
	AllowedOrigins []string
}

// DatabaseConfig holds resolved database settings.
type DatabaseConfig struct {
	URL string
}

// RoutingConfig holds resolved pipeline tuning.
type RoutingConfig struct {
	MaxAgentTurns  int
	HistoryLimit   int
	SummarizeEvery int
	FileRoot       string
}

// Defaults applied when the YAML leaves fields unset.
const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8080
	DefaultHistoryLimit   = 50
	DefaultSummarizeEvery = 20
)

// ResolveProvider builds the models.ProviderConfig for one provider
// entry, following the fallback chain. A cycle terminates the chain
// rather than erroring; validation reports it separately.
func (y *YAMLConfig) ResolveProvider(name string) (models.ProviderConfig, bool) {
	return y.resolveProvider(name, map[string]bool{})
}

func (y *YAMLConfig) resolveProvider(name string, seen map[string]bool) (models.ProviderConfig, bool) {
	entry, ok := y.Providers[name]
	if !ok || seen[name] {
		return models.ProviderConfig{}, false
	}
	seen[name] = true

	cfg := models.ProviderConfig{
		Provider:    entry.Provider,
		Model:       entry.Model,
		APIKey:      entry.APIKey,
		BaseURL:     entry.BaseURL,
		Temperature: entry.Temperature,
		MaxTokens:   entry.MaxTokens,
	}
	if entry.Fallback != "" {
		if fb, ok := y.resolveProvider(entry.Fallback, seen); ok {
			cfg.FallbackProvider = &fb
		}
	}
	return cfg, true
}
