package models

import (
	"encoding/json"
	"time"
)

// Thread metadata keys recognized by the routing pipeline. Unrecognized
// keys are forwarded untouched.
const (
	ThreadMetaParticipantTargets = "participantTargets"
	ThreadMetaAgentTurnCount     = "agentTurnCount"
	ThreadMetaMaxAgentTurns      = "maxAgentTurns"
	ThreadMetaPendingToolBatches = "pendingToolBatches"
	ThreadMetaUserContext        = "userContext"
	ThreadMetaUserExternalID     = "userExternalId"
)

// DefaultMaxAgentTurns caps consecutive agent-to-agent hops before the
// conversation is forced back to a user.
const DefaultMaxAgentTurns = 5

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

// Thread statuses.
const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
)

// Thread is a conversation with an ordered participant set. Metadata
// carries the persisted routing state (see the ThreadMeta* keys); the
// lease fields are owned by the queue runtime.
type Thread struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ExternalID   string         `json:"external_id,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Status       ThreadStatus   `json:"status"`
	Participants []string       `json:"participants"`
	ParentID     *string        `json:"parent_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Summary      string         `json:"summary,omitempty"`

	WorkerLockedBy       *string    `json:"worker_locked_by,omitempty"`
	WorkerLeaseExpiresAt *time.Time `json:"worker_lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasParticipant reports whether name is in the participants list.
func (t *Thread) HasParticipant(name string) bool {
	for _, p := range t.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// ToolBatchResult is one aggregated tool result inside a pending batch.
type ToolBatchResult struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content,omitempty"`
	Status     string `json:"status,omitempty"`
}

// ToolBatch aggregates the results of one tool-call batch inside thread
// metadata. Results never exceed BatchSize; failed results count toward
// completeness.
type ToolBatch struct {
	BatchSize int               `json:"batchSize"`
	AgentName string            `json:"agentName"`
	SenderID  string            `json:"senderId"`
	Results   []ToolBatchResult `json:"results"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Complete reports whether every call in the batch has reported back.
func (b *ToolBatch) Complete() bool {
	return len(b.Results) >= b.BatchSize
}

// AddResult appends a result unless one with the same tool-call id is
// already present (at-least-once delivery can replay a tool message).
// Returns true if the result was added.
func (b *ToolBatch) AddResult(r ToolBatchResult) bool {
	for _, existing := range b.Results {
		if existing.ToolCallID != "" && existing.ToolCallID == r.ToolCallID {
			return false
		}
	}
	if len(b.Results) >= b.BatchSize {
		return false
	}
	b.Results = append(b.Results, r)
	return true
}

// ThreadMeta wraps a thread metadata map with typed accessors. Metadata is
// persisted as JSONB, so integers round-trip as float64 and nested structs
// as map[string]any; the accessors normalize both directions.
type ThreadMeta map[string]any

// Meta returns the thread's metadata as a ThreadMeta, initializing the map
// if needed so mutations stick.
func (t *Thread) Meta() ThreadMeta {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	return ThreadMeta(t.Metadata)
}

// ParticipantTarget returns the persisted "whom you were speaking to"
// target for a sender, or "".
func (m ThreadMeta) ParticipantTarget(senderID string) string {
	targets, ok := m[ThreadMetaParticipantTargets].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := targets[senderID].(string)
	return s
}

// SetParticipantTarget persists the sender's current target.
func (m ThreadMeta) SetParticipantTarget(senderID, targetID string) {
	targets, ok := m[ThreadMetaParticipantTargets].(map[string]any)
	if !ok {
		targets = map[string]any{}
		m[ThreadMetaParticipantTargets] = targets
	}
	targets[senderID] = targetID
}

// AgentTurnCount returns the consecutive agent-to-agent hop counter.
func (m ThreadMeta) AgentTurnCount() int {
	return asInt(m[ThreadMetaAgentTurnCount])
}

// SetAgentTurnCount stores the hop counter.
func (m ThreadMeta) SetAgentTurnCount(n int) {
	m[ThreadMetaAgentTurnCount] = n
}

// MaxAgentTurns returns the loop-prevention cap, defaulting when unset.
func (m ThreadMeta) MaxAgentTurns() int {
	if v, ok := m[ThreadMetaMaxAgentTurns]; ok {
		if n := asInt(v); n > 0 {
			return n
		}
	}
	return DefaultMaxAgentTurns
}

// UserContext returns the opaque user-identity hint, or "".
func (m ThreadMeta) UserContext() string {
	s, _ := m[ThreadMetaUserContext].(string)
	return s
}

// PendingToolBatch returns the aggregation entry for a batch id, or nil.
func (m ThreadMeta) PendingToolBatch(batchID string) *ToolBatch {
	batches, ok := m[ThreadMetaPendingToolBatches].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := batches[batchID]
	if !ok {
		return nil
	}
	return decodeToolBatch(raw)
}

// PutPendingToolBatch upserts a batch aggregation entry. The batch is
// stored as a plain map so it survives the JSONB round trip.
func (m ThreadMeta) PutPendingToolBatch(batchID string, b *ToolBatch) {
	batches, ok := m[ThreadMetaPendingToolBatches].(map[string]any)
	if !ok {
		batches = map[string]any{}
		m[ThreadMetaPendingToolBatches] = batches
	}
	results := make([]any, 0, len(b.Results))
	for _, r := range b.Results {
		results = append(results, map[string]any{
			"toolCallId": r.ToolCallID,
			"name":       r.Name,
			"content":    r.Content,
			"status":     r.Status,
		})
	}
	batches[batchID] = map[string]any{
		"batchSize": b.BatchSize,
		"agentName": b.AgentName,
		"senderId":  b.SenderID,
		"results":   results,
		"createdAt": b.CreatedAt.Format(time.RFC3339Nano),
	}
}

// PruneToolBatches drops batch entries created before cutoff, plus any
// entry that no longer decodes. Completed batches stay in metadata until
// pruned so a replayed completing result still sees the batch as
// complete.
func (m ThreadMeta) PruneToolBatches(cutoff time.Time) {
	batches, ok := m[ThreadMetaPendingToolBatches].(map[string]any)
	if !ok {
		return
	}
	for id, raw := range batches {
		b := decodeToolBatch(raw)
		if b == nil || b.CreatedAt.Before(cutoff) {
			delete(batches, id)
		}
	}
}

func decodeToolBatch(raw any) *ToolBatch {
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	b := &ToolBatch{
		BatchSize: asInt(entry["batchSize"]),
	}
	b.AgentName, _ = entry["agentName"].(string)
	b.SenderID, _ = entry["senderId"].(string)
	if ts, ok := entry["createdAt"].(string); ok {
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if results, ok := entry["results"].([]any); ok {
		for _, item := range results {
			rm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var r ToolBatchResult
			r.ToolCallID, _ = rm["toolCallId"].(string)
			r.Name, _ = rm["name"].(string)
			r.Content, _ = rm["content"].(string)
			r.Status, _ = rm["status"].(string)
			b.Results = append(b.Results, r)
		}
	}
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
