package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/events"
)

// sseHeartbeat keeps idle SSE connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// handleThreadEvents handles GET /api/v1/threads/:id/events as an SSE
// stream. A Last-Event-ID header replays persisted events the client
// missed before attaching to the live stream.
func (s *Server) handleThreadEvents(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	if _, err := s.inst.Threads().GetThread(ctx, threadID); err != nil {
		respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	channel := events.ThreadChannel(threadID)

	// Subscribe before catchup so events arriving during the replay are
	// not lost; duplicates are possible and clients dedup on db_event_id.
	sub, err := s.inst.Broker().Subscribe(ctx, channel)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	if v := c.GetHeader("Last-Event-ID"); v != "" {
		sinceID, err := strconv.ParseInt(v, 10, 64)
		if err == nil && sinceID > 0 {
			catchup, err := s.inst.Publisher().GetCatchupEvents(ctx, channel, sinceID)
			if err != nil {
				writeSSE(c.Writer, 0, []byte(`{"type":"error","error":"catchup failed"}`))
			}
			for _, ev := range catchup {
				data, err := json.Marshal(ev.Payload)
				if err != nil {
					continue
				}
				writeSSE(c.Writer, ev.ID, data)
			}
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSE(c.Writer, sseEventID(payload), payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE writes one SSE frame. id 0 means the event has no catchup
// position (transient token deltas).
func writeSSE(w http.ResponseWriter, id int64, data []byte) {
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// sseEventID extracts the db_event_id a persisted NOTIFY payload carries.
func sseEventID(payload []byte) int64 {
	var envelope struct {
		DBEventID int64 `json:"db_event_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return 0
	}
	return envelope.DBEventID
}
