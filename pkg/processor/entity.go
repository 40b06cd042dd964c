package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
)

const entityExtractionSystemPrompt = `Extract the named entities and key concepts from the message below.

Respond with a JSON array only, no prose. Each element:
{"name": "canonical name", "type": "entity" or "concept", "description": "one sentence"}

Skip greetings, filler, and anything already obvious from context. An empty array is a valid answer.`

// extractedCandidate is one entity the extraction LLM proposes.
type extractedCandidate struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// processEntityExtract asks the agent's LLM for entities in a message,
// then resolves each candidate against the agent's existing knowledge:
// near-duplicates merge into the existing node, weaker matches become new
// nodes linked by RELATED_TO, and everything gets a MENTIONS edge from
// the source message node.
func processEntityExtract(ctx context.Context, ev *models.Event, deps *Deps) (*queue.Outcome, error) {
	var payload models.EntityExtractPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return nil, err
	}

	a, ok := deps.Agents.Resolve(payload.AgentName)
	if !ok || !a.RAG.EntityExtraction.Enabled || deps.Embedder == nil {
		return &queue.Outcome{}, nil
	}
	logger := deps.Logger.With("event_id", ev.ID, "agent", a.Name, "source_node", payload.SourceNodeID)

	candidates, err := extractEntities(ctx, a.LLM, payload.Content, deps)
	if err != nil {
		if llm.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		// Extraction is best-effort background work; a terminal LLM
		// failure just drops this message's entities.
		logger.Warn("entity extraction failed", "error", err)
		return &queue.Outcome{}, nil
	}
	if len(candidates) == 0 {
		return &queue.Outcome{}, nil
	}

	agentNs := models.AgentNamespace(a.ID)
	searchNs := []string{agentNs, payload.Namespace, models.GlobalNamespace}

	merged, created := 0, 0
	for _, cand := range candidates {
		if cand.Name == "" {
			continue
		}
		embedding, err := deps.Embedder.Embed(ctx, cand.Name+": "+cand.Description)
		if err != nil {
			return nil, err
		}

		matches, err := deps.Graph.SearchNodes(ctx, graph.SearchRequest{
			Embedding:     embedding,
			Namespaces:    searchNs,
			NodeTypes:     []string{models.NodeTypeEntity, models.NodeTypeConcept},
			Limit:         1,
			MinSimilarity: a.RAG.EntityExtraction.SimilarityThreshold,
		})
		if err != nil {
			return nil, err
		}

		var node *models.Node
		switch {
		case len(matches) > 0 && matches[0].Similarity >= a.RAG.EntityExtraction.AutoMergeThreshold:
			node, err = mergeEntity(ctx, matches[0].Node, cand, deps)
			if err != nil {
				return nil, err
			}
			merged++

		default:
			node, err = createEntity(ctx, agentNs, cand, embedding, deps)
			if err != nil {
				return nil, err
			}
			created++
			if len(matches) > 0 {
				// A weaker match stays separate but is worth linking.
				_, err = deps.Graph.CreateEdge(ctx, &models.Edge{
					SourceID: node.ID,
					TargetID: matches[0].Node.ID,
					Type:     models.EdgeTypeRelatedTo,
					Data:     map[string]any{"similarity": matches[0].Similarity},
				})
				if err != nil {
					return nil, err
				}
			}
		}

		_, err = deps.Graph.CreateEdge(ctx, &models.Edge{
			SourceID: payload.SourceNodeID,
			TargetID: node.ID,
			Type:     models.EdgeTypeMentions,
			Data:     map[string]any{"extractedName": cand.Name},
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("entity extraction done", "candidates", len(candidates), "merged", merged, "created", created)
	return &queue.Outcome{
		Result: models.MustMarshal(map[string]any{"merged": merged, "created": created}),
	}, nil
}

func extractEntities(ctx context.Context, cfg models.ProviderConfig, content string, deps *Deps) ([]extractedCandidate, error) {
	req := &llm.Request{
		System:   entityExtractionSystemPrompt,
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: content}},
	}
	result, err := deps.LLM.Generate(ctx, cfg, req, nil)
	if err != nil {
		return nil, err
	}
	return parseCandidates(result.Text)
}

// parseCandidates pulls the JSON array out of the model's reply,
// tolerating surrounding prose or code fences.
func parseCandidates(text string) ([]extractedCandidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in extraction response")
	}
	var candidates []extractedCandidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("decoding extraction response: %w", err)
	}
	return candidates, nil
}

// mergeEntity folds a candidate into an existing node: the extracted name
// becomes an alias and the mention count increments. Aliases keep their
// stored order, new names appended, so repeated merges are stable.
func mergeEntity(ctx context.Context, existing *models.Node, cand extractedCandidate, deps *Deps) (*models.Node, error) {
	data := existing.Data
	if data == nil {
		data = map[string]any{}
	}
	aliases := anyToStrings(data["aliases"])
	if cand.Name != existing.Name && !containsString(aliases, cand.Name) {
		data["aliases"] = append(aliases, cand.Name)
	}
	data["mentionCount"] = asIntData(data["mentionCount"]) + 1

	return deps.Graph.UpdateNode(ctx, existing.ID, graph.NodeUpdate{Data: data})
}

func createEntity(ctx context.Context, namespace string, cand extractedCandidate, embedding []float32, deps *Deps) (*models.Node, error) {
	nodeType := models.NodeTypeEntity
	if cand.Type == models.NodeTypeConcept {
		nodeType = models.NodeTypeConcept
	}
	return deps.Graph.CreateNode(ctx, &models.Node{
		Namespace: namespace,
		Type:      nodeType,
		Name:      cand.Name,
		Content:   cand.Description,
		Embedding: embedding,
		Data:      map[string]any{"mentionCount": 1},
	})
}

// anyToStrings normalizes a JSONB-round-tripped string slice, keeping
// element order.
func anyToStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		var out []string
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asIntData(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
