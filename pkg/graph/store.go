// Package graph implements the namespaced knowledge-graph store: nodes,
// edges, and vector search over node embeddings.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/pkg/models"
)

// Store persists nodes and edges. All operations are transactional; a
// single mutation runs in an implicit transaction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a graph store on the shared connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const nodeColumns = `id, namespace, type, name, content, embedding::text, data, source_type, source_id, created_at, updated_at`

// CreateNode inserts a node, assigning an id when none is set. A nil
// embedding is stored as NULL and excluded from vector search.
func (s *Store) CreateNode(ctx context.Context, n *models.Node) (*models.Node, error) {
	if !models.ValidNamespace(n.Namespace) {
		return nil, fmt.Errorf("invalid namespace %q", n.Namespace)
	}
	if n.Type == "" {
		return nil, fmt.Errorf("node type is required")
	}
	if n.ID == "" {
		n.ID = models.NewID()
	}
	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (id, namespace, type, name, content, embedding, data, source_type, source_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::vector, $7, $8, $9, $10, $11)`,
		n.ID, n.Namespace, n.Type, n.Name, n.Content, EncodeVector(n.Embedding),
		orEmptyMap(n.Data), n.SourceType, n.SourceID, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create node: %w", err))
	}
	return n, nil
}

// NodeUpdate is a partial node update. Nil fields are left unchanged.
type NodeUpdate struct {
	Name      *string
	Content   *string
	Embedding []float32
	// ClearEmbedding sets the embedding to NULL.
	ClearEmbedding bool
	Data           map[string]any
}

// UpdateNode applies a partial update and returns the full node.
// Namespace, type, and source backrefs are immutable.
func (s *Store) UpdateNode(ctx context.Context, id string, upd NodeUpdate) (*models.Node, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Name != nil {
		sets = append(sets, "name = "+arg(*upd.Name))
	}
	if upd.Content != nil {
		sets = append(sets, "content = "+arg(*upd.Content))
	}
	if upd.ClearEmbedding {
		sets = append(sets, "embedding = NULL")
	} else if upd.Embedding != nil {
		sets = append(sets, "embedding = "+arg(EncodeVector(upd.Embedding))+"::vector")
	}
	if upd.Data != nil {
		sets = append(sets, "data = "+arg(upd.Data))
	}

	query := fmt.Sprintf(`UPDATE nodes SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(sets, ", "), nodeColumns)
	row := s.pool.QueryRow(ctx, query, args...)
	n, err := scanNode(row)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to update node %s: %w", id, err))
	}
	return n, nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*models.Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		return nil, classify(err)
	}
	return n, nil
}

// GetNodesByNamespace lists nodes in a namespace, optionally filtered by
// type, ordered by creation time.
func (s *Store) GetNodesByNamespace(ctx context.Context, namespace, nodeType string) ([]*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE namespace = $1`
	args := []any{namespace}
	if nodeType != "" {
		query += ` AND type = $2`
		args = append(args, nodeType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query nodes: %w", err))
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetNodeBySource returns the first node with the given source backref
// and type, or ErrNotFound.
func (s *Store) GetNodeBySource(ctx context.Context, sourceType, sourceID, nodeType string) (*models.Node, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE source_type = $1 AND source_id = $2 AND type = $3
		ORDER BY created_at ASC LIMIT 1`,
		sourceType, sourceID, nodeType)
	n, err := scanNode(row)
	if err != nil {
		return nil, classify(err)
	}
	return n, nil
}

// DeleteNodesBySource removes every node created from a source, cascading
// incident edges. Returns the number of nodes deleted.
func (s *Store) DeleteNodesBySource(ctx context.Context, sourceType, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM nodes WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete nodes by source: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// CreateEdge inserts an edge. Re-creating an existing
// (source, target, type) edge is idempotent and returns the existing
// edge's shape with the new data ignored.
func (s *Store) CreateEdge(ctx context.Context, e *models.Edge) (*models.Edge, error) {
	if e.SourceID == "" || e.TargetID == "" || e.Type == "" {
		return nil, fmt.Errorf("edge requires source, target, and type")
	}
	if e.ID == "" {
		e.ID = models.NewID()
	}
	e.CreatedAt = time.Now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO edges (id, source_id, target_id, type, data, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, target_id, type) DO NOTHING`,
		e.ID, e.SourceID, e.TargetID, e.Type, orEmptyMap(e.Data), e.Weight, e.CreatedAt)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create edge: %w", err))
	}
	return e, nil
}

// GetEdgesForNode lists edges incident to a node, optionally filtered by
// type.
func (s *Store) GetEdgesForNode(ctx context.Context, nodeID string, dir models.EdgeDirection, types []string) ([]*models.Edge, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("invalid edge direction %q", dir)
	}
	var cond string
	switch dir {
	case models.EdgeDirOut:
		cond = "source_id = $1"
	case models.EdgeDirIn:
		cond = "target_id = $1"
	default:
		cond = "(source_id = $1 OR target_id = $1)"
	}
	query := `SELECT id, source_id, target_id, type, data, weight, created_at FROM edges WHERE ` + cond
	args := []any{nodeID}
	if len(types) > 0 {
		query += ` AND type = ANY($2)`
		args = append(args, types)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query edges: %w", err))
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Type, &e.Data, &e.Weight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &e)
	}
	return edges, classify(rows.Err())
}

// DeleteEdgesForNode removes all edges incident to a node.
func (s *Store) DeleteEdgesForNode(ctx context.Context, nodeID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM edges WHERE source_id = $1 OR target_id = $1`, nodeID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete edges: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// ListNamespaces returns every namespace that holds at least one node,
// sorted, with per-namespace node counts.
func (s *Store) ListNamespaces(ctx context.Context) ([]NamespaceInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, COUNT(*) FROM nodes
		GROUP BY namespace
		ORDER BY namespace ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list namespaces: %w", err))
	}
	defer rows.Close()

	var infos []NamespaceInfo
	for rows.Next() {
		var info NamespaceInfo
		if err := rows.Scan(&info.Namespace, &info.NodeCount); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, classify(rows.Err())
}

// NamespaceInfo is one entry of a namespace listing.
type NamespaceInfo struct {
	Namespace string `json:"namespace"`
	NodeCount int    `json:"nodeCount"`
}

// SearchRequest parameterizes a vector search over nodes.
type SearchRequest struct {
	Embedding     []float32
	Namespaces    []string
	NodeTypes     []string
	Limit         int
	MinSimilarity float64
}

// SearchNodes runs cosine-similarity search over node embeddings in the
// given namespaces. Nodes with NULL embeddings never match. Ties break by
// insertion order, older first.
func (s *Store) SearchNodes(ctx context.Context, req SearchRequest) ([]models.NodeMatch, error) {
	if len(req.Embedding) == 0 {
		return nil, nil
	}
	if len(req.Namespaces) == 0 {
		return nil, fmt.Errorf("search requires an explicit namespace list")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	query := `
		SELECT ` + nodeColumns + `, 1 - (embedding <=> $1::vector) AS similarity
		FROM nodes
		WHERE embedding IS NOT NULL
		  AND namespace = ANY($2)`
	args := []any{EncodeVector(req.Embedding), req.Namespaces}
	if len(req.NodeTypes) > 0 {
		args = append(args, req.NodeTypes)
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	args = append(args, req.MinSimilarity)
	query += fmt.Sprintf(" AND 1 - (embedding <=> $1::vector) >= $%d", len(args))
	args = append(args, req.Limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector ASC, created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to search nodes: %w", err))
	}
	defer rows.Close()

	var matches []models.NodeMatch
	for rows.Next() {
		n, similarity, err := scanNodeWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, models.NodeMatch{Node: n, Similarity: similarity})
	}
	return matches, classify(rows.Err())
}

// ChunkSearchRequest parameterizes chunk retrieval joined with parent
// documents.
type ChunkSearchRequest struct {
	Embedding  []float32
	Namespaces []string
	Limit      int
	Threshold  float64
	// DocumentFilters restricts results to chunks of the named document
	// node ids.
	DocumentFilters []string
}

// SearchChunksFromGraph searches chunk nodes and joins each hit with its
// parent document node (matched by the chunk's source backref).
func (s *Store) SearchChunksFromGraph(ctx context.Context, req ChunkSearchRequest) ([]models.ChunkMatch, error) {
	if len(req.Embedding) == 0 {
		return nil, nil
	}
	if len(req.Namespaces) == 0 {
		return nil, fmt.Errorf("chunk search requires an explicit namespace list")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	query := `
		SELECT c.id, c.namespace, c.type, c.name, c.content, c.embedding::text, c.data, c.source_type, c.source_id, c.created_at, c.updated_at,
		       d.id, d.namespace, d.type, d.name, d.content, d.data, d.source_type, d.source_id, d.created_at, d.updated_at,
		       1 - (c.embedding <=> $1::vector) AS similarity
		FROM nodes c
		LEFT JOIN nodes d ON d.type = 'document' AND d.source_type = 'document' AND d.source_id = c.source_id
		WHERE c.type = 'chunk'
		  AND c.embedding IS NOT NULL
		  AND c.namespace = ANY($2)
		  AND 1 - (c.embedding <=> $1::vector) >= $3`
	args := []any{EncodeVector(req.Embedding), req.Namespaces, req.Threshold}
	if len(req.DocumentFilters) > 0 {
		args = append(args, req.DocumentFilters)
		query += fmt.Sprintf(" AND c.source_id = ANY($%d)", len(args))
	}
	args = append(args, req.Limit)
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1::vector ASC, c.created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to search chunks: %w", err))
	}
	defer rows.Close()

	var matches []models.ChunkMatch
	for rows.Next() {
		var chunk models.Node
		var embeddingText *string
		var doc models.Node
		var docID, docNS, docType, docName, docContent, docSourceType, docSourceID *string
		var docData map[string]any
		var docCreated, docUpdated *time.Time
		var similarity float64

		err := rows.Scan(
			&chunk.ID, &chunk.Namespace, &chunk.Type, &chunk.Name, &chunk.Content,
			&embeddingText, &chunk.Data, &chunk.SourceType, &chunk.SourceID,
			&chunk.CreatedAt, &chunk.UpdatedAt,
			&docID, &docNS, &docType, &docName, &docContent, &docData,
			&docSourceType, &docSourceID, &docCreated, &docUpdated,
			&similarity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk match: %w", err)
		}
		if embeddingText != nil {
			if chunk.Embedding, err = DecodeVector(*embeddingText); err != nil {
				return nil, err
			}
		}

		match := models.ChunkMatch{Chunk: &chunk, Similarity: similarity}
		if docID != nil {
			doc.ID = *docID
			doc.Namespace = deref(docNS)
			doc.Type = deref(docType)
			doc.Name = deref(docName)
			doc.Content = deref(docContent)
			doc.Data = docData
			doc.SourceType = deref(docSourceType)
			doc.SourceID = deref(docSourceID)
			if docCreated != nil {
				doc.CreatedAt = *docCreated
			}
			if docUpdated != nil {
				doc.UpdatedAt = *docUpdated
			}
			match.Document = &doc
		}
		matches = append(matches, match)
	}
	return matches, classify(rows.Err())
}

// structuralEdgeTypes are skipped by FindRelatedNodes: they express
// storage layout, not meaning.
var structuralEdgeTypes = []string{models.EdgeTypeNextChunk, models.EdgeTypeSentBy}

// FindRelatedNodes walks outward from a node over non-structural edges up
// to depth hops, breadth-first, and returns the visited nodes (excluding
// the start node) in visit order.
func (s *Store) FindRelatedNodes(ctx context.Context, nodeID string, depth int) ([]*models.Node, error) {
	if depth <= 0 {
		return nil, nil
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var order []string

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		rows, err := s.pool.Query(ctx, `
			SELECT source_id, target_id FROM edges
			WHERE (source_id = ANY($1) OR target_id = ANY($1))
			  AND NOT (type = ANY($2))`,
			frontier, structuralEdgeTypes)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to expand frontier: %w", err))
		}

		var next []string
		for rows.Next() {
			var src, dst string
			if err := rows.Scan(&src, &dst); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan edge endpoints: %w", err)
			}
			for _, id := range []string{src, dst} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
					order = append(order, id)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify(err)
		}
		frontier = next
	}

	if len(order) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ANY($1)`, order)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to load related nodes: %w", err))
	}
	defer rows.Close()
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}

	// Restore BFS visit order.
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	ordered := make([]*models.Node, 0, len(order))
	for _, id := range order {
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var n models.Node
	var embeddingText *string
	err := row.Scan(&n.ID, &n.Namespace, &n.Type, &n.Name, &n.Content,
		&embeddingText, &n.Data, &n.SourceType, &n.SourceID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if embeddingText != nil {
		if n.Embedding, err = DecodeVector(*embeddingText); err != nil {
			return nil, err
		}
	}
	return &n, nil
}

func scanNodeWithSimilarity(row rowScanner) (*models.Node, float64, error) {
	var n models.Node
	var embeddingText *string
	var similarity float64
	err := row.Scan(&n.ID, &n.Namespace, &n.Type, &n.Name, &n.Content,
		&embeddingText, &n.Data, &n.SourceType, &n.SourceID, &n.CreatedAt, &n.UpdatedAt,
		&similarity)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan node match: %w", err)
	}
	if embeddingText != nil {
		if n.Embedding, err = DecodeVector(*embeddingText); err != nil {
			return nil, 0, err
		}
	}
	return &n, similarity, nil
}

func scanNodes(rows pgx.Rows) ([]*models.Node, error) {
	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, classify(rows.Err())
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
