package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

const (
	searchDefaultLimit     = 10
	searchDefaultThreshold = 0.3
)

func searchKnowledgeTool() *Tool {
	return &Tool{
		Key:         "search_knowledge",
		Name:        "Search Knowledge",
		Description: "Semantic search over the knowledge graph: document chunks plus extracted entities and concepts in scope.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "What to search for"},
				"namespaces": {"type": "array", "items": {"type": "string"}, "description": "Override the default search scopes"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50},
				"threshold": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["query"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Query      string   `json:"query"`
				Namespaces []string `json:"namespaces"`
				Limit      int      `json:"limit"`
				Threshold  *float64 `json:"threshold"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			if env.Embedder == nil {
				return nil, fmt.Errorf("knowledge search is unavailable (no embedding provider configured)")
			}

			namespaces := params.Namespaces
			if len(namespaces) == 0 {
				namespaces = env.Namespaces
			}
			if len(namespaces) == 0 {
				namespaces = []string{models.GlobalNamespace}
			}
			limit := params.Limit
			if limit <= 0 {
				limit = searchDefaultLimit
			}
			threshold := searchDefaultThreshold
			if params.Threshold != nil {
				threshold = *params.Threshold
			}

			embedding, err := env.Embedder.Embed(ctx, params.Query)
			if err != nil {
				return nil, fmt.Errorf("failed to embed query: %w", err)
			}

			chunks, err := env.Graph.SearchChunksFromGraph(ctx, graph.ChunkSearchRequest{
				Embedding:  embedding,
				Namespaces: namespaces,
				Limit:      limit,
				Threshold:  threshold,
			})
			if err != nil {
				return nil, err
			}
			entities, err := env.Graph.SearchNodes(ctx, graph.SearchRequest{
				Embedding:     embedding,
				Namespaces:    namespaces,
				NodeTypes:     []string{models.NodeTypeEntity, models.NodeTypeConcept, "memory"},
				Limit:         limit,
				MinSimilarity: threshold,
			})
			if err != nil {
				return nil, err
			}

			type chunkHit struct {
				Content    string  `json:"content"`
				Similarity float64 `json:"similarity"`
				Document   string  `json:"document,omitempty"`
			}
			type nodeHit struct {
				Name       string  `json:"name"`
				Type       string  `json:"type"`
				Content    string  `json:"content,omitempty"`
				Similarity float64 `json:"similarity"`
			}

			result := struct {
				Chunks []chunkHit `json:"chunks"`
				Nodes  []nodeHit  `json:"nodes"`
			}{Chunks: []chunkHit{}, Nodes: []nodeHit{}}

			for _, m := range chunks {
				hit := chunkHit{Content: m.Chunk.Content, Similarity: m.Similarity}
				if m.Document != nil {
					hit.Document = m.Document.Name
				}
				result.Chunks = append(result.Chunks, hit)
			}
			for _, m := range entities {
				result.Nodes = append(result.Nodes, nodeHit{
					Name:       m.Node.Name,
					Type:       m.Node.Type,
					Content:    m.Node.Content,
					Similarity: m.Similarity,
				})
			}
			return result, nil
		},
	}
}

func listNamespacesTool() *Tool {
	return &Tool{
		Key:         "list_namespaces",
		Name:        "List Namespaces",
		Description: "List knowledge-graph namespaces and their node counts.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			infos, err := env.Graph.ListNamespaces(ctx)
			if err != nil {
				return nil, err
			}
			if infos == nil {
				infos = []graph.NamespaceInfo{}
			}
			return map[string]any{"namespaces": infos}, nil
		},
	}
}

func updateMyMemoryTool() *Tool {
	return &Tool{
		Key:         "update_my_memory",
		Name:        "Update My Memory",
		Description: "Save a durable note to your persistent memory. Retrieved later via search_knowledge.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Short label for the note"},
				"content": {"type": "string", "description": "What to remember"}
			},
			"required": ["content"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			if env.AgentID == "" {
				return nil, fmt.Errorf("memory is only available to agents")
			}
			if params.Name == "" {
				params.Name = "note " + time.Now().UTC().Format("2006-01-02 15:04")
			}

			var embedding []float32
			if env.Embedder != nil {
				var err error
				embedding, err = env.Embedder.Embed(ctx, params.Content)
				if err != nil {
					return nil, fmt.Errorf("failed to embed memory: %w", err)
				}
			}

			node, err := env.Graph.CreateNode(ctx, &models.Node{
				Namespace: models.AgentNamespace(env.AgentID),
				Type:      "memory",
				Name:      params.Name,
				Content:   params.Content,
				Embedding: embedding,
				Data:      map[string]any{"agentId": env.AgentID},
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"nodeId": node.ID, "name": node.Name}, nil
		},
	}
}

func ingestDocumentTool() *Tool {
	return &Tool{
		Key:         "ingest_document",
		Name:        "Ingest Document",
		Description: "Queue a document (URL, file path, or pasted text) for ingestion into the knowledge graph.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {"type": "string", "description": "URL, file path, or raw text"},
				"title": {"type": "string"},
				"namespace": {"type": "string", "description": "Target namespace (defaults to global)"},
				"forceReindex": {"type": "boolean"}
			},
			"required": ["source"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Source       string `json:"source"`
				Title        string `json:"title"`
				Namespace    string `json:"namespace"`
				ForceReindex bool   `json:"forceReindex"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			namespace := params.Namespace
			if namespace == "" {
				namespace = models.GlobalNamespace
			}
			if !models.ValidNamespace(namespace) {
				return nil, fmt.Errorf("invalid namespace %q", namespace)
			}

			env.Emit(&models.Event{
				Type:      models.EventTypeRAGIngest,
				Namespace: namespace,
				Payload: models.MustMarshal(models.RAGIngestPayload{
					Source:       params.Source,
					Title:        params.Title,
					Namespace:    namespace,
					ForceReindex: params.ForceReindex,
				}),
			})
			return map[string]any{"queued": true, "namespace": namespace}, nil
		},
	}
}

func createThreadTool() *Tool {
	return &Tool{
		Key:         "create_thread",
		Name:        "Create Thread",
		Description: "Create a new conversation thread.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"participants": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["name"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Name         string   `json:"name"`
				Participants []string `json:"participants"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			participants := params.Participants
			if env.AgentID != "" && !contains(participants, env.AgentID) {
				participants = append(participants, env.AgentID)
			}
			thread, err := env.Threads.CreateThread(ctx, services.CreateThreadRequest{
				Name:         params.Name,
				Participants: participants,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"threadId": thread.ID, "name": thread.Name}, nil
		},
	}
}

func createTaskTool() *Tool {
	return &Tool{
		Key:         "create_task",
		Name:        "Create Task",
		Description: "Start a background task: a new thread with an initial instruction addressed to an agent.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "The task instruction"},
				"targetId": {"type": "string", "description": "Agent to hand the task to (defaults to yourself)"},
				"name": {"type": "string", "description": "Thread name"}
			},
			"required": ["content"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Content  string `json:"content"`
				TargetID string `json:"targetId"`
				Name     string `json:"name"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			target := params.TargetID
			if target == "" {
				target = env.AgentID
			}
			if target == "" {
				return nil, fmt.Errorf("task needs a target agent")
			}
			name := params.Name
			if name == "" {
				name = "task for " + target
			}

			thread, err := env.Threads.CreateThread(ctx, services.CreateThreadRequest{
				Name:         name,
				Participants: []string{env.AgentID, target},
			})
			if err != nil {
				return nil, err
			}

			// Explicit thread id and namespace: the task runs on its own
			// thread, not the one the tool call came from.
			env.Emit(&models.Event{
				Type:      models.EventTypeNewMessage,
				ThreadID:  thread.ID,
				Namespace: models.ThreadNamespace(thread.ID),
				Payload: models.MustMarshal(models.NewMessagePayload{
					Content: models.TextContent(params.Content),
					Sender: models.Sender{
						Type: models.SenderTypeAgent,
						ID:   env.AgentID,
						Name: env.AgentName,
					},
					Metadata: map[string]any{models.MetaTargetID: target},
				}),
			})
			return map[string]any{"threadId": thread.ID, "targetId": target}, nil
		},
	}
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
