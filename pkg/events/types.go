// Package events provides real-time event delivery to SSE clients and
// in-process run handles, with PostgreSQL NOTIFY/LISTEN for cross-pod
// distribution.
//
// Two delivery patterns exist, distinguished by persistence:
//
// Persistent (stored in stream_events + NOTIFY):
//
//	message.created   a message was persisted to a thread
//	event.status      a queue event changed lifecycle state
//	thread.status     thread created / archived
//	document.status   ingest pipeline progress (processing/indexed/failed)
//
// Persisted events carry a db_event_id in their NOTIFY copy so clients
// that reconnect can catch up from the stream_events table.
//
// Transient (NOTIFY only, no persistence):
//
//	token             one streaming LLM delta — high-frequency, ephemeral.
//	                  Lost deltas are recovered by the message.created
//	                  event carrying the full final content.
package events

// Persistent stream event types.
const (
	StreamMessageCreated = "message.created"
	StreamEventStatus    = "event.status"
	StreamThreadStatus   = "thread.status"
	StreamDocumentStatus = "document.status"
)

// Transient stream event types (NOTIFY only).
const (
	StreamToken = "token"
)

// GlobalThreadsChannel carries thread-level status events for list views.
const GlobalThreadsChannel = "threads"

// ThreadChannel returns the channel name for a thread's events.
// Format: "thread:{thread_id}"
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}
