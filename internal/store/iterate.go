package store

import (
	"database/sql"
	"fmt"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
)

// Iterator is a lazy, finite, restartable scan over events a peer is
// missing. Callers drive it with Next and must Close it; re-running
// IterateSince with the same vector restarts the scan from the beginning.
type Iterator struct {
	rows  *sql.Rows
	since clock.Vector
	err   error
}

// IterateSince returns every replicable event whose clock exceeds the
// peer's summary mark for its originating device, ordered by (device,
// clock). Quarantined events are included: they are valid log entries and
// the peer may hold the predecessors we lack.
//
// Events scoped device_local never leave this device and are filtered
// here. Recipient filtering for explicit_share is the sync session's job —
// it knows who the peer is; the store does not.
func (s *Store) IterateSince(since clock.Vector) (*Iterator, error) {
	rows, err := s.db.Query(`
		SELECT device_id, clock, body FROM events
		WHERE scope != ?
		ORDER BY device_id, clock`, string(event.ScopeDeviceLocal))
	if err != nil {
		return nil, fmt.Errorf("store: iterate since: %w", err)
	}
	return &Iterator{rows: rows, since: since.Clone()}, nil
}

// Next returns the next missing event, or nil when the scan is exhausted.
func (it *Iterator) Next() (*event.ContextEvent, error) {
	if it.err != nil {
		return nil, it.err
	}
	for it.rows.Next() {
		var deviceHex string
		var clk uint64
		var body []byte
		if err := it.rows.Scan(&deviceHex, &clk, &body); err != nil {
			it.err = fmt.Errorf("store: scan event: %w", err)
			return nil, it.err
		}

		dev, err := event.ParseDeviceID(deviceHex)
		if err != nil {
			it.err = err
			return nil, it.err
		}
		if clk <= it.since.Get(dev) {
			continue
		}

		e, err := event.Decode(body)
		if err != nil {
			it.err = err
			return nil, it.err
		}
		return e, nil
	}
	if err := it.rows.Err(); err != nil {
		it.err = fmt.Errorf("store: iterate events: %w", err)
		return nil, it.err
	}
	return nil, nil
}

// Close releases the underlying rows.
func (it *Iterator) Close() error {
	return it.rows.Close()
}
