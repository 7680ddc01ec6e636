package store

import (
	"errors"
	"time"

	"cirrusd/internal/event"
)

// Errors surfaced by the store. ErrDuplicateEvent is benign: callers treat
// it as success, which is what makes Append idempotent.
var (
	ErrDuplicateEvent     = errors.New("store: duplicate event")
	ErrMissingPredecessor = errors.New("store: missing causal predecessor")
	ErrNotFound           = errors.New("store: not found")
)

// ViewEntry is one row of the materialized current-context view: the
// winning event for a (category, key) pair.
type ViewEntry struct {
	Category   event.Category
	Key        string
	EventID    event.ID
	Payload    []byte
	Tombstone  bool
	Generation uint64
	UpdatedAt  time.Time
}

// ViewUpdate is one element of the change feed consumed by the assistant
// layer.
type ViewUpdate struct {
	Category   event.Category
	Key        string
	Generation uint64
}
