package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
	"cirrusd/internal/trust"
)

// The store is the durable home for the causality tracker and the device
// registry as well as the event log. Both live in the same database so a
// backup or a corruption check covers the whole engine state.

// LoadClockState implements clock.Persistence.
func (s *Store) LoadClockState() (uint64, clock.Vector, error) {
	var local uint64
	var summaryCBOR []byte
	err := s.db.QueryRow(`SELECT local, summary FROM clock_state WHERE id = 1`).Scan(&local, &summaryCBOR)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, clock.Vector{}, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: load clock state: %w", err)
	}

	var raw map[string]uint64
	if err := event.Unmarshal(summaryCBOR, &raw); err != nil {
		return 0, nil, fmt.Errorf("store: decode summary vector: %w", err)
	}
	summary := make(clock.Vector, len(raw))
	for hex, c := range raw {
		d, err := event.ParseDeviceID(hex)
		if err != nil {
			return 0, nil, err
		}
		summary[d] = c
	}
	return local, summary, nil
}

// SaveClockState implements clock.Persistence. The single row is
// overwritten on every advance; WAL mode makes this cheap.
func (s *Store) SaveClockState(local uint64, v clock.Vector) error {
	raw := make(map[string]uint64, len(v))
	for d, c := range v {
		raw[d.String()] = c
	}
	summaryCBOR, err := event.Marshal(raw)
	if err != nil {
		return fmt.Errorf("store: encode summary vector: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO clock_state (id, local, summary) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET local = excluded.local, summary = excluded.summary`,
		local, summaryCBOR)
	if err != nil {
		return fmt.Errorf("store: save clock state: %w", err)
	}
	return nil
}

// UpsertDeviceRecord implements trust.Persistence.
func (s *Store) UpsertDeviceRecord(rec trust.DeviceRecord) error {
	var pairedAt, revokedAt int64
	if !rec.PairedAt.IsZero() {
		pairedAt = rec.PairedAt.UnixNano()
	}
	if !rec.RevokedAt.IsZero() {
		revokedAt = rec.RevokedAt.UnixNano()
	}

	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, public_key, display_name, trust_state, paired_at, revoked_at, last_seen_clock)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			public_key = excluded.public_key,
			display_name = excluded.display_name,
			trust_state = excluded.trust_state,
			paired_at = excluded.paired_at,
			revoked_at = excluded.revoked_at,
			last_seen_clock = excluded.last_seen_clock`,
		rec.Device.String(), []byte(rec.PublicKey), rec.DisplayName, string(rec.TrustState),
		pairedAt, revokedAt, rec.LastSeenClock,
	)
	if err != nil {
		return fmt.Errorf("store: upsert device: %w", err)
	}
	return nil
}

// GetDeviceRecord implements trust.Persistence.
func (s *Store) GetDeviceRecord(d event.DeviceID) (trust.DeviceRecord, error) {
	row := s.db.QueryRow(`
		SELECT device_id, public_key, display_name, trust_state, paired_at, revoked_at, last_seen_clock
		FROM devices WHERE device_id = ?`, d.String())
	rec, err := scanDeviceRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.DeviceRecord{}, fmt.Errorf("%w: %s", trust.ErrUnknownDevice, d)
	}
	return rec, err
}

// ListDeviceRecords implements trust.Persistence.
func (s *Store) ListDeviceRecords() ([]trust.DeviceRecord, error) {
	rows, err := s.db.Query(`
		SELECT device_id, public_key, display_name, trust_state, paired_at, revoked_at, last_seen_clock
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var recs []trust.DeviceRecord
	for rows.Next() {
		rec, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRecord(row rowScanner) (trust.DeviceRecord, error) {
	var rec trust.DeviceRecord
	var deviceHex, state string
	var pubkey []byte
	var pairedAt, revokedAt int64

	if err := row.Scan(&deviceHex, &pubkey, &rec.DisplayName, &state, &pairedAt, &revokedAt, &rec.LastSeenClock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trust.DeviceRecord{}, err
		}
		return trust.DeviceRecord{}, fmt.Errorf("store: scan device: %w", err)
	}

	d, err := event.ParseDeviceID(deviceHex)
	if err != nil {
		return trust.DeviceRecord{}, err
	}
	rec.Device = d
	rec.PublicKey = pubkey
	rec.TrustState = trust.State(state)
	if pairedAt != 0 {
		rec.PairedAt = time.Unix(0, pairedAt)
	}
	if revokedAt != 0 {
		rec.RevokedAt = time.Unix(0, revokedAt)
	}
	return rec, nil
}
