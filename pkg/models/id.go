package models

import "github.com/google/uuid"

// NewID returns a time-ordered unique id (UUIDv7). Time ordering keeps
// insertion-order tie-breaks stable under parallel workers.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
