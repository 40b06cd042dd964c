package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/models"
)

// DocumentService manages ingest-pipeline document records and their
// relational chunk rows. The graph store holds the searchable dual of
// every chunk; this service owns the source of truth for ingest status.
type DocumentService struct {
	pool *pgxpool.Pool
}

// NewDocumentService creates a new DocumentService.
func NewDocumentService(pool *pgxpool.Pool) *DocumentService {
	return &DocumentService{pool: pool}
}

const documentColumns = `id, namespace, title, source, source_uri, source_type, mime_type,
	content_hash, status, chunk_count, error, metadata, created_at, updated_at`

// CreateDocumentRequest carries the fields for a new document record.
type CreateDocumentRequest struct {
	Namespace   string
	Title       string
	Source      string
	SourceURI   string
	SourceType  string
	MimeType    string
	ContentHash string
	Metadata    map[string]any
}

// CreateDocument inserts a document in processing state.
func (s *DocumentService) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*models.Document, error) {
	if req.Namespace == "" {
		return nil, NewValidationError("namespace", "required")
	}
	if req.ContentHash == "" {
		return nil, NewValidationError("content_hash", "required")
	}

	id := models.NewID()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, namespace, title, source, source_uri, source_type,
			mime_type, content_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+documentColumns,
		id, req.Namespace, req.Title, req.Source, req.SourceURI, req.SourceType,
		req.MimeType, req.ContentHash, orEmptyMap(req.Metadata))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *DocumentService) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

// FindByContentHash returns the newest document in a namespace with the
// given hash, or ErrNotFound. Used to skip re-ingesting unchanged content.
func (s *DocumentService) FindByContentHash(ctx context.Context, namespace, hash string) (*models.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE namespace = $1 AND content_hash = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		namespace, hash)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: document with hash %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents in a namespace, newest first.
func (s *DocumentService) ListDocuments(ctx context.Context, namespace string, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE namespace = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkIndexed transitions a document to indexed with its final chunk count.
func (s *DocumentService) MarkIndexed(ctx context.Context, id string, chunkCount int) error {
	return s.setStatus(ctx, id, models.DocumentStatusIndexed, chunkCount, "")
}

// MarkFailed transitions a document to failed with the pipeline error.
func (s *DocumentService) MarkFailed(ctx context.Context, id string, ingestErr error) error {
	msg := ""
	if ingestErr != nil {
		msg = ingestErr.Error()
	}
	return s.setStatus(ctx, id, models.DocumentStatusFailed, 0, msg)
}

func (s *DocumentService) setStatus(ctx context.Context, id string, status models.DocumentStatus, chunkCount int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, chunk_count = $3, error = $4, updated_at = now()
		WHERE id = $1`,
		id, status, chunkCount, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

// ReplaceChunks atomically swaps a document's chunk rows. Replayed ingest
// events converge on the same final set.
func (s *DocumentService) ReplaceChunks(ctx context.Context, documentID string, chunks []*models.DocumentChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = models.NewID()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (id, document_id, chunk_index, content,
				token_count, start_position, end_position, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::vector)`,
			c.ID, documentID, c.Index, c.Content, c.TokenCount,
			c.StartPosition, c.EndPosition, graph.EncodeVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replace: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in order.
func (s *DocumentService) ListChunks(ctx context.Context, documentID string) ([]*models.DocumentChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, token_count,
			start_position, end_position, embedding::text, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.DocumentChunk
	for rows.Next() {
		var c models.DocumentChunk
		var embeddingText *string
		err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.TokenCount,
			&c.StartPosition, &c.EndPosition, &embeddingText, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if embeddingText != nil {
			c.Embedding, err = graph.DecodeVector(*embeddingText)
			if err != nil {
				return nil, fmt.Errorf("failed to decode chunk embedding: %w", err)
			}
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteDocument removes a document and its chunk rows. Graph nodes keyed
// by source_id are the caller's responsibility.
func (s *DocumentService) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.Namespace, &d.Title, &d.Source, &d.SourceURI,
		&d.SourceType, &d.MimeType, &d.ContentHash, &d.Status, &d.ChunkCount,
		&d.Error, &d.Metadata, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
