package models

import "time"

// DocumentStatus is the ingest lifecycle state of a document.
type DocumentStatus string

// Document statuses.
const (
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the ingest-pipeline record for one ingested source. The
// content hash dedups re-ingestion; chunks exist both as rows (below) and
// as chunk nodes in the graph.
type Document struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Title       string         `json:"title"`
	Source      string         `json:"source"`
	SourceURI   string         `json:"source_uri,omitempty"`
	SourceType  string         `json:"source_type,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DocumentChunk is one span of a document's text with its embedding.
// Mirrors the chunk node written to the graph; (document_id, chunk_index)
// is unique so replayed ingests are idempotent.
type DocumentChunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Index         int       `json:"chunk_index"`
	Content       string    `json:"content"`
	TokenCount    int       `json:"token_count"`
	StartPosition int       `json:"start_position"`
	EndPosition   int       `json:"end_position"`
	Embedding     []float32 `json:"embedding,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
