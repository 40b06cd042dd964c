package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/models"
)

// CreateMessageRequest is the body of POST /api/v1/messages.
type CreateMessageRequest struct {
	Content  string           `json:"content" binding:"required"`
	Sender   models.Sender    `json:"sender"`
	Thread   models.ThreadRef `json:"thread"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	Priority int              `json:"priority,omitempty"`
}

// CreateMessageResponse returns the ids a client needs to follow the
// resulting turn.
type CreateMessageResponse struct {
	EventID  string `json:"event_id"`
	TraceID  string `json:"trace_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// handleCreateMessage enqueues a NEW_MESSAGE and returns immediately.
// Processing is asynchronous; clients follow the thread's SSE stream or
// poll the messages endpoint.
func (s *Server) handleCreateMessage(c *gin.Context) {
	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Thread.ExternalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread.externalId is required"})
		return
	}
	if req.Sender.Type == "" {
		req.Sender.Type = models.SenderTypeUser
	}

	thread, ev, err := s.inst.EnqueueMessage(c.Request.Context(), models.NewMessagePayload{
		Content:  models.TextContent(req.Content),
		Sender:   req.Sender,
		Thread:   &req.Thread,
		Metadata: req.Metadata,
	}, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, CreateMessageResponse{
		EventID:  ev.ID,
		TraceID:  ev.TraceID,
		ThreadID: thread.ID,
		Status:   string(ev.Status),
	})
}

// handleCancelEvent cancels an in-flight event on this pod.
func (s *Server) handleCancelEvent(c *gin.Context) {
	eventID := c.Param("id")
	if s.inst.Pool().CancelEvent(eventID) {
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "event not in flight on this pod"})
}
