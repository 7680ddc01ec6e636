// Package store persists the append-only context event log and the
// materialized current-context view in SQLite. It is the only durable
// state on a device besides the config file and identity key.
//
// Writes are serialized through a single mutex; reads go straight to
// SQLite and never wait on an in-flight merge. WAL mode keeps readers off
// the writer's back.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"cirrusd/internal/event"
)

// Schema for the cirrusd store.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    device_id    TEXT NOT NULL,
    clock        INTEGER NOT NULL,
    category     TEXT NOT NULL,
    key          TEXT NOT NULL,
    scope        TEXT NOT NULL,
    tombstone    INTEGER NOT NULL DEFAULT 0,
    quarantined  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    body         BLOB NOT NULL,
    PRIMARY KEY (device_id, clock)
);

CREATE INDEX IF NOT EXISTS idx_events_key ON events(category, key);
CREATE INDEX IF NOT EXISTS idx_events_quarantined ON events(quarantined) WHERE quarantined = 1;

CREATE TABLE IF NOT EXISTS view (
    category    TEXT NOT NULL,
    key         TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    clock       INTEGER NOT NULL,
    payload     BLOB,
    tombstone   INTEGER NOT NULL DEFAULT 0,
    generation  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (category, key)
);

CREATE TABLE IF NOT EXISTS view_meta (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    generation  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS clock_state (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    local   INTEGER NOT NULL,
    summary BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
    device_id       TEXT PRIMARY KEY,
    public_key      BLOB NOT NULL,
    display_name    TEXT NOT NULL,
    trust_state     TEXT NOT NULL,
    paired_at       INTEGER,
    revoked_at      INTEGER,
    last_seen_clock INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed event log plus materialized view.
type Store struct {
	db *sql.DB

	// mu serializes all mutations. Concurrent sync sessions submit event
	// batches; the actual append/view step happens one at a time.
	mu sync.Mutex

	feed *feed
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO view_meta (id, generation) VALUES (1, 0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init view meta: %w", err)
	}

	return &Store{db: db, feed: newFeed()}, nil
}

// Close closes the database and the change feed.
func (s *Store) Close() error {
	s.feed.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append adds an event to the local log.
//
// It is idempotent: appending an event that is already present returns
// ErrDuplicateEvent, which callers treat as success. If any causal
// predecessor is absent from the log, Append returns
// ErrMissingPredecessor and stores nothing; the caller must obtain the
// predecessors first (or eventually quarantine the event).
func (s *Store) Append(e *event.ContextEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.hasEvent(e.ID)
	if err != nil {
		return err
	}
	if ok {
		return ErrDuplicateEvent
	}

	missing, err := s.missingPredecessors(e)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s needs %s", ErrMissingPredecessor, e.ID, missing[0])
	}

	return s.insertEvent(e, false)
}

// AppendQuarantined stores an event whose predecessors could not be
// obtained. The event stays in the raw log, flagged, and is excluded from
// the materialized view until released.
func (s *Store) AppendQuarantined(e *event.ContextEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.hasEvent(e.ID)
	if err != nil {
		return err
	}
	if ok {
		return ErrDuplicateEvent
	}
	return s.insertEvent(e, true)
}

func (s *Store) insertEvent(e *event.ContextEvent, quarantined bool) error {
	body, err := e.Encode()
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (device_id, clock, category, key, scope, tombstone, quarantined, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.Device.String(), e.ID.Clock, string(e.Category), e.Key, string(e.Scope),
		boolToInt(e.Tombstone), boolToInt(quarantined), e.CreatedAt.UnixNano(), body,
	)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// HasEvent reports whether the event with the given ID is in the log,
// quarantined or not.
func (s *Store) HasEvent(id event.ID) (bool, error) {
	return s.hasEvent(id)
}

func (s *Store) hasEvent(id event.ID) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM events WHERE device_id = ? AND clock = ?`,
		id.Device.String(), id.Clock).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has event: %w", err)
	}
	return true, nil
}

// GetEvent retrieves one event by ID. Returns ErrNotFound if absent.
func (s *Store) GetEvent(id event.ID) (*event.ContextEvent, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM events WHERE device_id = ? AND clock = ?`,
		id.Device.String(), id.Clock).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event: %w", err)
	}
	return event.Decode(body)
}

// MissingPredecessors returns the causal predecessors of e that are not in
// the local log. An empty result means e can be appended.
func (s *Store) MissingPredecessors(e *event.ContextEvent) ([]event.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingPredecessors(e)
}

func (s *Store) missingPredecessors(e *event.ContextEvent) ([]event.ID, error) {
	var missing []event.ID
	for _, p := range e.Predecessors {
		ok, err := s.hasEvent(p)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// Quarantined returns every event currently excluded from the view because
// its predecessors never arrived.
func (s *Store) Quarantined() ([]*event.ContextEvent, error) {
	rows, err := s.db.Query(`SELECT body FROM events WHERE quarantined = 1 ORDER BY device_id, clock`)
	if err != nil {
		return nil, fmt.Errorf("store: query quarantined: %w", err)
	}
	defer rows.Close()

	var events []*event.ContextEvent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scan quarantined: %w", err)
		}
		e, err := event.Decode(body)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate quarantined: %w", err)
	}
	return events, nil
}

// ReleaseQuarantined clears the quarantine flag once the event's
// predecessors are present. The caller is responsible for folding the
// event back into the view.
func (s *Store) ReleaseQuarantined(id event.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE events SET quarantined = 0 WHERE device_id = ? AND clock = ? AND quarantined = 1`,
		id.Device.String(), id.Clock)
	if err != nil {
		return fmt.Errorf("store: release quarantined: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: quarantined event %s", ErrNotFound, id)
	}
	return nil
}

// LatestClock returns the highest clock in the log for one device, zero
// if the device has no events.
func (s *Store) LatestClock(d event.DeviceID) (uint64, error) {
	var clk sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(clock) FROM events WHERE device_id = ?`, d.String()).Scan(&clk)
	if err != nil {
		return 0, fmt.Errorf("store: latest clock: %w", err)
	}
	if !clk.Valid {
		return 0, nil
	}
	return uint64(clk.Int64), nil
}

// LatestSharedClock returns the highest clock among one device's
// paired_devices events, zero if there are none.
func (s *Store) LatestSharedClock(d event.DeviceID) (uint64, error) {
	var clk sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(clock) FROM events WHERE device_id = ? AND scope = ?`,
		d.String(), string(event.ScopePairedDevices)).Scan(&clk)
	if err != nil {
		return 0, fmt.Errorf("store: latest shared clock: %w", err)
	}
	if !clk.Valid {
		return 0, nil
	}
	return uint64(clk.Int64), nil
}

// EventCount returns the total number of events in the log.
func (s *Store) EventCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
