package model

import "time"

// EventKind identifies what happened to the memory set.
type EventKind string

const (
	EventStored  EventKind = "stored"
	EventDeleted EventKind = "deleted"
	EventCleared EventKind = "cleared"
)

// Reasons attached to EventDeleted.
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonPruned   = "pruned"
)

// MemoryEvent is published to subscribers after a mutation completes.
type MemoryEvent struct {
	Kind   EventKind `json:"kind"`
	ID     string    `json:"id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
