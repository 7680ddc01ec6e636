package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cirrusd/internal/event"
)

// ViewEntry returns the winning event for one (category, key), if any.
// Reads never block on in-flight merges: they observe the last committed
// view row, possibly stale but always internally consistent.
func (s *Store) ViewEntry(category event.Category, key string) (ViewEntry, bool, error) {
	var entry ViewEntry
	var deviceHex string
	var tombstone int
	var updatedNs int64

	err := s.db.QueryRow(`
		SELECT category, key, device_id, clock, payload, tombstone, generation, updated_at
		FROM view WHERE category = ? AND key = ?`, string(category), key,
	).Scan(&entry.Category, &entry.Key, &deviceHex, &entry.EventID.Clock,
		&entry.Payload, &tombstone, &entry.Generation, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ViewEntry{}, false, nil
	}
	if err != nil {
		return ViewEntry{}, false, fmt.Errorf("store: view entry: %w", err)
	}

	dev, err := event.ParseDeviceID(deviceHex)
	if err != nil {
		return ViewEntry{}, false, err
	}
	entry.EventID.Device = dev
	entry.Tombstone = tombstone != 0
	entry.UpdatedAt = time.Unix(0, updatedNs)
	return entry, true, nil
}

// ViewCategory returns every entry in a category, key-ordered. Tombstoned
// entries are included; callers decide whether a retracted key counts.
func (s *Store) ViewCategory(category event.Category) ([]ViewEntry, error) {
	rows, err := s.db.Query(`
		SELECT category, key, device_id, clock, payload, tombstone, generation, updated_at
		FROM view WHERE category = ? ORDER BY key`, string(category))
	if err != nil {
		return nil, fmt.Errorf("store: view category: %w", err)
	}
	defer rows.Close()
	return scanViewEntries(rows)
}

// SetViewEntry installs a new winner for (entry.Category, entry.Key),
// bumps the global generation counter, stamps it on the entry and pushes a
// change notification. The caller (the merge engine) has already decided
// the event wins.
func (s *Store) SetViewEntry(entry ViewEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin view update: %w", err)
	}
	defer tx.Rollback()

	var gen uint64
	if err := tx.QueryRow(`UPDATE view_meta SET generation = generation + 1 WHERE id = 1 RETURNING generation`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("store: bump generation: %w", err)
	}

	now := time.Now().UnixNano()
	_, err = tx.Exec(`
		INSERT INTO view (category, key, device_id, clock, payload, tombstone, generation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, key) DO UPDATE SET
			device_id = excluded.device_id,
			clock = excluded.clock,
			payload = excluded.payload,
			tombstone = excluded.tombstone,
			generation = excluded.generation,
			updated_at = excluded.updated_at`,
		string(entry.Category), entry.Key, entry.EventID.Device.String(), entry.EventID.Clock,
		entry.Payload, boolToInt(entry.Tombstone), gen, now,
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert view entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit view update: %w", err)
	}

	s.feed.publish(ViewUpdate{Category: entry.Category, Key: entry.Key, Generation: gen})
	return gen, nil
}

// Generation returns the current view generation counter.
func (s *Store) Generation() (uint64, error) {
	var gen uint64
	if err := s.db.QueryRow(`SELECT generation FROM view_meta WHERE id = 1`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("store: read generation: %w", err)
	}
	return gen, nil
}

// Rebuild reconstructs the materialized view from the raw log. This is the
// corruption recovery path: slow, but it only depends on the append-only
// log and the deterministic winner rule, so the result is identical to
// what incremental merging would have produced. Quarantined events stay
// excluded.
func (s *Store) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT body FROM events WHERE quarantined = 0 ORDER BY device_id, clock`)
	if err != nil {
		return fmt.Errorf("store: rebuild scan: %w", err)
	}
	defer rows.Close()

	type slot struct {
		id        event.ID
		payload   []byte
		tombstone bool
	}
	winners := make(map[[2]string]slot)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("store: rebuild scan: %w", err)
		}
		e, err := event.Decode(body)
		if err != nil {
			return err
		}
		k := [2]string{string(e.Category), e.Key}
		cur, ok := winners[k]
		if !ok || event.Supersedes(e.ID, cur.id) {
			winners[k] = slot{id: e.ID, payload: e.Payload, tombstone: e.Tombstone}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: rebuild iterate: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: rebuild begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM view`); err != nil {
		return fmt.Errorf("store: rebuild clear: %w", err)
	}

	var gen uint64
	if err := tx.QueryRow(`UPDATE view_meta SET generation = generation + 1 WHERE id = 1 RETURNING generation`).Scan(&gen); err != nil {
		return fmt.Errorf("store: rebuild generation: %w", err)
	}

	now := time.Now().UnixNano()
	for k, w := range winners {
		_, err := tx.Exec(`
			INSERT INTO view (category, key, device_id, clock, payload, tombstone, generation, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			k[0], k[1], w.id.Device.String(), w.id.Clock, w.payload, boolToInt(w.tombstone), gen, now,
		)
		if err != nil {
			return fmt.Errorf("store: rebuild insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: rebuild commit: %w", err)
	}
	return nil
}

func scanViewEntries(rows *sql.Rows) ([]ViewEntry, error) {
	var entries []ViewEntry
	for rows.Next() {
		var entry ViewEntry
		var deviceHex string
		var tombstone int
		var updatedNs int64
		if err := rows.Scan(&entry.Category, &entry.Key, &deviceHex, &entry.EventID.Clock,
			&entry.Payload, &tombstone, &entry.Generation, &updatedNs); err != nil {
			return nil, fmt.Errorf("store: scan view entry: %w", err)
		}
		dev, err := event.ParseDeviceID(deviceHex)
		if err != nil {
			return nil, err
		}
		entry.EventID.Device = dev
		entry.Tombstone = tombstone != 0
		entry.UpdatedAt = time.Unix(0, updatedNs)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate view entries: %w", err)
	}
	return entries, nil
}
