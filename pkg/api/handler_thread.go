package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/models"
)

// handleListThreads handles GET /api/v1/threads.
// Query params: status (active|archived), limit.
func (s *Server) handleListThreads(c *gin.Context) {
	status := models.ThreadStatus(c.Query("status"))
	switch status {
	case "", models.ThreadStatusActive, models.ThreadStatusArchived:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: must be active or archived"})
		return
	}

	threads, err := s.inst.Threads().ListThreads(c.Request.Context(), status, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// handleGetThread handles GET /api/v1/threads/:id. The id may be a thread
// UUID or an external id (?external=true).
func (s *Server) handleGetThread(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		thread *models.Thread
		err    error
	)
	if c.Query("external") == "true" {
		thread, err = s.inst.Threads().GetThreadByExternalID(ctx, id)
	} else {
		thread, err = s.inst.Threads().GetThread(ctx, id)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// handleListMessages handles GET /api/v1/threads/:id/messages.
// Query params: limit, before (RFC3339).
func (s *Server) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	// 404 on unknown threads instead of an empty list.
	if _, err := s.inst.Threads().GetThread(ctx, threadID); err != nil {
		respondError(c, err)
		return
	}

	var before *time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before: must be RFC3339"})
			return
		}
		before = &t
	}

	messages, err := s.inst.Messages().ListMessages(ctx, threadID, queryInt(c, "limit", 0), before)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// queryInt parses an integer query param, falling back when absent or
// malformed.
func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
