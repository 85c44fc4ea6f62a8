package sched

import "time"

// Entity carries the bookkeeping timestamps shared by all persisted types.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
