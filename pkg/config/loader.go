package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/cleanup"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
)

// Load reads, expands, parses, and validates the configuration file.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Resolve agent definitions against the providers map
//  6. Validate everything
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML content. Split from Load for
// tests and embedded configuration.
func Parse(data []byte) (*Config, error) {
	data = ExpandEnv(data)

	var yml YAMLConfig
	if err := yaml.Unmarshal(data, &yml); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	cfg := &Config{
		Server:    resolveServer(yml.Server),
		Queue:     resolveQueue(yml.Queue),
		Chunking:  resolveChunking(yml.RAG),
		Routing:   resolveRouting(yml.Routing),
		Retention: resolveRetention(yml.Retention),
	}

	if yml.Database != nil {
		cfg.Database.URL = yml.Database.URL
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	cfg.Embedding = resolveEmbedding(yml.RAG)

	agents, err := resolveAgents(&yml)
	if err != nil {
		return nil, err
	}
	cfg.Agents = agents
	cfg.MCPServers = resolveMCPServers(&yml)

	if err := validate(cfg, &yml); err != nil {
		return nil, err
	}

	slog.Info("configuration loaded",
		"agents", len(cfg.Agents),
		"providers", len(yml.Providers),
		"workers", cfg.Queue.WorkerCount)
	return cfg, nil
}

func resolveServer(y *ServerYAML) ServerConfig {
	cfg := ServerConfig{Host: DefaultHost, Port: DefaultPort}
	if y == nil {
		return cfg
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	cfg.AuthToken = y.AuthToken
	cfg.AllowedOrigins = y.AllowedOrigins
	return cfg
}

// resolveQueue merges user YAML over the queue defaults so unset fields
// keep their production values.
func resolveQueue(y *QueueYAML) queue.Config {
	cfg := queue.DefaultConfig()
	if y == nil {
		return cfg
	}
	user := queue.Config{
		WorkerCount:       y.WorkerCount,
		PollInterval:      y.PollInterval.Std(),
		PollJitter:        y.PollJitter.Std(),
		LeaseDuration:     y.LeaseDuration.Std(),
		HeartbeatInterval: y.HeartbeatInterval.Std(),
		ProcessTimeout:    y.ProcessTimeout.Std(),
		ReapInterval:      y.ReapInterval.Std(),
		RetentionPeriod:   y.RetentionPeriod.Std(),
		RetentionInterval: y.RetentionInterval.Std(),
	}
	// Non-zero user values override defaults.
	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		slog.Warn("failed to merge queue config, using defaults", "error", err)
		return queue.DefaultConfig()
	}
	return cfg
}

func resolveChunking(y *RAGYAML) rag.ChunkConfig {
	cfg := rag.DefaultChunkConfig()
	if y == nil || y.Chunking == nil {
		return cfg
	}
	c := y.Chunking
	if c.Strategy != "" {
		cfg.Strategy = rag.ChunkStrategy(c.Strategy)
	}
	if c.ChunkSize > 0 {
		cfg.ChunkSize = c.ChunkSize
	}
	if c.ChunkOverlap > 0 {
		cfg.ChunkOverlap = c.ChunkOverlap
	}
	return cfg
}

// resolveEmbedding returns nil when no API key is available, which
// disables vector search and auto-RAG rather than failing startup.
func resolveEmbedding(y *RAGYAML) *rag.EmbeddingConfig {
	cfg := rag.EmbeddingConfig{APIKey: os.Getenv("OPENAI_API_KEY")}
	if y != nil && y.Embedding != nil {
		e := y.Embedding
		if e.APIKey != "" {
			cfg.APIKey = e.APIKey
		}
		cfg.BaseURL = e.BaseURL
		cfg.Model = e.Model
		cfg.BatchSize = e.BatchSize
		cfg.MaxInputTokens = e.MaxInputTokens
	}
	if cfg.APIKey == "" {
		return nil
	}
	return &cfg
}

func resolveRouting(y *RoutingYAML) RoutingConfig {
	cfg := RoutingConfig{
		HistoryLimit:   DefaultHistoryLimit,
		SummarizeEvery: DefaultSummarizeEvery,
	}
	if y == nil {
		return cfg
	}
	if y.MaxAgentTurns > 0 {
		cfg.MaxAgentTurns = y.MaxAgentTurns
	}
	if y.HistoryLimit > 0 {
		cfg.HistoryLimit = y.HistoryLimit
	}
	if y.SummarizeEvery != 0 {
		cfg.SummarizeEvery = y.SummarizeEvery
	}
	if cfg.SummarizeEvery < 0 {
		cfg.SummarizeEvery = 0
	}
	cfg.FileRoot = y.FileRoot
	return cfg
}

func resolveRetention(y *RetentionYAML) cleanup.Config {
	cfg := cleanup.DefaultConfig()
	if y == nil {
		return cfg
	}
	if y.StreamRetention.Std() > 0 {
		cfg.StreamRetention = y.StreamRetention.Std()
	}
	if y.Interval.Std() > 0 {
		cfg.Interval = y.Interval.Std()
	}
	return cfg
}

// resolveMCPServers returns MCP server configs in name order for
// deterministic connection and registration.
func resolveMCPServers(yml *YAMLConfig) []mcp.ServerConfig {
	names := make([]string, 0, len(yml.MCPServers))
	for name := range yml.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]mcp.ServerConfig, 0, len(names))
	for _, name := range names {
		y := yml.MCPServers[name]
		servers = append(servers, mcp.ServerConfig{
			Name:    name,
			Command: y.Command,
			Args:    y.Args,
			Env:     y.Env,
			Tools:   y.Tools,
		})
	}
	return servers
}

// resolveAgents builds agent definitions, binding each to its resolved
// provider config. Agents are returned in name order for deterministic
// registration.
func resolveAgents(yml *YAMLConfig) ([]*agent.Agent, error) {
	names := make([]string, 0, len(yml.Agents))
	for name := range yml.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	agents := make([]*agent.Agent, 0, len(names))
	for _, name := range names {
		y := yml.Agents[name]
		llm, ok := yml.ResolveProvider(y.Provider)
		if !ok {
			return nil, newValidationError("agent", name, "provider",
				fmt.Errorf("%w: provider %q is not defined", ErrInvalidReference, y.Provider))
		}
		if y.Model != "" {
			llm.Model = y.Model
		}
		if y.Temperature != nil {
			llm.Temperature = y.Temperature
		}
		if y.MaxTokens > 0 {
			llm.MaxTokens = y.MaxTokens
		}

		agents = append(agents, &agent.Agent{
			Name:         name,
			ID:           y.ID,
			Description:  y.Description,
			Instructions: y.Instructions,
			AllowedTools: y.Tools,
			LLM:          llm,
			RAG:          y.RAG,
		})
	}
	return agents, nil
}
