package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// catchupLimit is the maximum number of events returned in a catchup
// query. Clients that missed more should do a full REST reload.
const catchupLimit = 200

// CatchupEvent holds one persisted stream event for catchup delivery.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// GetCatchupEvents returns persisted stream events on a channel after
// sinceID, oldest first, capped at catchupLimit. Each payload is enriched
// with its db_event_id so clients can resume again.
func (p *Publisher) GetCatchupEvents(ctx context.Context, channel string, sinceID int64) ([]CatchupEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payload FROM stream_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		channel, sinceID, catchupLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var id int64
		var payloadJSON []byte
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode catchup payload %d: %w", id, err)
		}
		payload["db_event_id"] = id
		out = append(out, CatchupEvent{ID: id, Payload: payload})
	}
	return out, rows.Err()
}

// DeleteStreamEventsBefore trims the catchup window, removing persisted
// stream events older than the cutoff. Used by the retention sweep.
func (p *Publisher) DeleteStreamEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM stream_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim stream events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
