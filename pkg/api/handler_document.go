package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/models"
)

// IngestDocumentRequest is the body of POST /api/v1/documents.
type IngestDocumentRequest struct {
	Source    string         `json:"source" binding:"required"`
	Title     string         `json:"title,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Force     bool           `json:"force,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// handleIngestDocument enqueues a RAG_INGEST event. Ingestion runs in the
// background; clients poll the document endpoints or follow the stream
// for document.status events.
func (s *Server) handleIngestDocument(c *gin.Context) {
	var req IngestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := s.inst.EnqueueIngest(c.Request.Context(), models.RAGIngestPayload{
		Source:       req.Source,
		Title:        req.Title,
		Namespace:    req.Namespace,
		Metadata:     req.Metadata,
		ForceReindex: req.Force,
	}, req.ThreadID, req.Priority)
	if err != nil {
		if strings.Contains(err.Error(), "invalid namespace") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":  ev.ID,
		"thread_id": ev.ThreadID,
		"status":    string(ev.Status),
	})
}

// handleListDocuments handles GET /api/v1/documents.
// Query params: namespace (default global), limit.
func (s *Server) handleListDocuments(c *gin.Context) {
	namespace := c.DefaultQuery("namespace", models.GlobalNamespace)
	if !models.ValidNamespace(namespace) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid namespace"})
		return
	}

	docs, err := s.inst.Documents().ListDocuments(c.Request.Context(), namespace, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// handleGetDocument handles GET /api/v1/documents/:id.
func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.inst.Documents().GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
