package model

import "time"

// Event types recorded in a lease's event log.
const (
	EventLaunched  = "launched"
	EventState     = "state"
	EventReclaimed = "reclaimed"
	EventError     = "error"
	EventRetry     = "retry"
	EventRecovered = "recovered"
)

// Event represents a single event in a lease's lifecycle.
type Event struct {
	ID        int64     `json:"id"`
	LeaseID   string    `json:"lease_id"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}
