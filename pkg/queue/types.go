package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

var (
	// ErrNoEventsAvailable indicates no ready event matched the claim filter.
	ErrNoEventsAvailable = errors.New("no events available")
	// ErrNotOwner indicates the worker no longer holds the event's lease.
	ErrNotOwner = errors.New("worker does not own event")
	// ErrEventNotFound indicates the event does not exist.
	ErrEventNotFound = errors.New("event not found")
)

// Outcome is what a processor hands back to the worker: an optional result
// document recorded on the event, plus follow-up events to append. Produced
// events inherit the parent's trace id and at least its priority.
//
// A processor that wants the event marked failed while still appending
// follow-ups (a failure notice, say) sets Failed instead of returning an
// error: the worker appends Produced, then fails the event with that error.
type Outcome struct {
	Result   json.RawMessage
	Produced []*models.Event
	Failed   error
}

// EventProcessor handles one claimed event. Implementations must be
// idempotent: delivery is at-least-once, so an event may be processed
// again after a lease expiry.
type EventProcessor interface {
	Process(ctx context.Context, event *models.Event) (*Outcome, error)
}

// Config controls worker pool behavior.
type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	PollJitter        time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	ProcessTimeout    time.Duration
	ReapInterval      time.Duration
	RetentionPeriod   time.Duration
	RetentionInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       4,
		PollInterval:      500 * time.Millisecond,
		PollJitter:        100 * time.Millisecond,
		LeaseDuration:     2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		ProcessTimeout:    10 * time.Minute,
		ReapInterval:      time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}
