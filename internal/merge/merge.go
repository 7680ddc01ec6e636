// Package merge folds context events into the store and keeps the
// materialized view convergent.
//
// The log is a state-based CRDT: the event set only grows, union is
// commutative, associative and idempotent, and the view winner for each
// (category, key) is chosen by a total order — (clock, device id) — that
// every device computes identically. Whatever order events arrive in, and
// however often, all devices that have seen the same events hold the same
// view.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cirrusd/internal/clock"
	"cirrusd/internal/event"
	"cirrusd/internal/store"
)

// Revocations answers whether a device has been revoked. The trust
// registry provides it.
type Revocations interface {
	Revoked(d event.DeviceID) bool
}

// Result summarizes one Apply call.
type Result struct {
	Applied     int // newly appended and folded into the view
	Duplicates  int // already present, no-op
	Deferred    int // waiting on predecessors, will retry
	Quarantined int // gave up waiting, kept in log, excluded from view
	Released    int // previously quarantined, now satisfied
	Dropped     int // from revoked devices or structurally invalid
}

// Engine is the single writer for the store. Sync sessions and local
// producers submit events; the engine serializes append, clock observation
// and view maintenance.
type Engine struct {
	store   *store.Store
	tracker *clock.Tracker
	revoked Revocations
	schemas *event.SchemaRegistry
	log     *slog.Logger

	// maxRetries bounds how many Apply rounds an event may wait for its
	// predecessors before quarantine.
	maxRetries int

	mu        sync.Mutex
	deferred  map[event.ID]*deferredEvent
	lastLocal event.ID
	// lastShared is the last locally minted paired_devices event.
	// Replicable events chain onto it instead of lastLocal: a predecessor
	// scoped device_local or explicit_share may be unobtainable for some
	// peer, which would strand the successor in that peer's quarantine.
	lastShared event.ID
}

type deferredEvent struct {
	ev      *event.ContextEvent
	retries int
}

// Options configures an Engine.
type Options struct {
	// MaxDeferredRetries is the number of Apply rounds an event with
	// missing predecessors survives before quarantine. Zero means the
	// default of 3.
	MaxDeferredRetries int
	// Schemas validates custom-category payloads. Nil disables schema
	// checking.
	Schemas *event.SchemaRegistry
	// Logger for merge decisions. Nil uses the default logger.
	Logger *slog.Logger
}

// NewEngine builds an engine over the given store and tracker.
func NewEngine(st *store.Store, tracker *clock.Tracker, revoked Revocations, opts Options) (*Engine, error) {
	if opts.MaxDeferredRetries <= 0 {
		opts.MaxDeferredRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		store:      st,
		tracker:    tracker,
		revoked:    revoked,
		schemas:    opts.Schemas,
		log:        opts.Logger,
		maxRetries: opts.MaxDeferredRetries,
		deferred:   make(map[event.ID]*deferredEvent),
	}

	// Recover the local chain heads so new events chain onto pre-restart
	// history.
	clk, err := st.LatestClock(tracker.Device())
	if err != nil {
		return nil, err
	}
	if clk > 0 {
		e.lastLocal = event.ID{Device: tracker.Device(), Clock: clk}
	}
	shared, err := st.LatestSharedClock(tracker.Device())
	if err != nil {
		return nil, err
	}
	if shared > 0 {
		e.lastShared = event.ID{Device: tracker.Device(), Clock: shared}
	}
	return e, nil
}

// Record mints a local context event and applies it. Producers (sensor and
// telemetry sources) own the payload and the privacy scope; the engine
// assigns the clock and causal predecessors.
func (e *Engine) Record(category event.Category, key string, payload []byte, scope event.Scope, recipients []event.DeviceID, tombstone bool) (*event.ContextEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clk, err := e.tracker.AdvanceLocal()
	if err != nil {
		return nil, err
	}

	ev := &event.ContextEvent{
		ID:         event.ID{Device: e.tracker.Device(), Clock: clk},
		Category:   category,
		Key:        key,
		Payload:    payload,
		Scope:      scope,
		Recipients: recipients,
		Tombstone:  tombstone,
		CreatedAt:  time.Now().UTC(),
	}

	// Chain onto local history and onto the event this one supersedes.
	// That is enough causality for the view: a winner can never surface
	// before what it replaced. Replicable events may only name
	// predecessors every receiver can obtain, so they chain onto the
	// shared head; device_local events see the whole local chain.
	chain := e.lastShared
	if scope == event.ScopeDeviceLocal {
		chain = e.lastLocal
	}
	if !chain.IsZero() {
		ev.Predecessors = append(ev.Predecessors, chain)
	}
	if cur, ok, err := e.store.ViewEntry(category, key); err != nil {
		return nil, err
	} else if ok && cur.EventID != chain {
		shareable, err := e.sharedEvent(cur.EventID)
		if err != nil {
			return nil, err
		}
		if scope == event.ScopeDeviceLocal || shareable {
			ev.Predecessors = append(ev.Predecessors, cur.EventID)
		}
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if e.schemas != nil {
		if err := e.schemas.ValidatePayload(ev); err != nil {
			return nil, err
		}
	}

	if err := e.store.Append(ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
		return nil, fmt.Errorf("merge: record: %w", err)
	}
	if err := e.foldIntoView(ev); err != nil {
		return nil, err
	}
	e.lastLocal = ev.ID
	if scope == event.ScopePairedDevices {
		e.lastShared = ev.ID
	}
	return ev, nil
}

// sharedEvent reports whether the event is paired_devices scoped, and so
// obtainable by any peer.
func (e *Engine) sharedEvent(id event.ID) (bool, error) {
	ev, err := e.store.GetEvent(id)
	if err != nil {
		return false, err
	}
	return ev.Scope == event.ScopePairedDevices, nil
}

// Apply ingests a batch of remote events. It is order-independent within
// the batch and across calls: events whose predecessors have not arrived
// yet are deferred and retried on later calls, then quarantined after a
// bounded number of rounds. Applying the same batch twice is a no-op.
func (e *Engine) Apply(batch []*event.ContextEvent) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	pending := make([]*event.ContextEvent, 0, len(batch)+len(e.deferred))

	for _, ev := range batch {
		if err := ev.Validate(); err != nil {
			e.log.Warn("dropping invalid event", "error", err)
			res.Dropped++
			continue
		}
		if e.revoked != nil && e.revoked.Revoked(ev.Device()) {
			// Forward-only revocation: the event never enters the log.
			// Anything merged before the revocation stays.
			e.log.Info("dropping event from revoked device", "device", ev.Device().String())
			res.Dropped++
			continue
		}
		if e.schemas != nil {
			if err := e.schemas.ValidatePayload(ev); err != nil {
				e.log.Warn("quarantining event with invalid payload", "event", ev.ID.String(), "error", err)
				if err := e.quarantine(ev, &res); err != nil {
					return res, err
				}
				continue
			}
		}
		pending = append(pending, ev)
	}

	// Fold in events deferred from earlier rounds; their predecessors may
	// be in this batch. Retry counts survive the round trip.
	prior := make(map[event.ID]int)
	for id, d := range e.deferred {
		pending = append(pending, d.ev)
		prior[id] = d.retries
		delete(e.deferred, id)
	}

	// Repeatedly sweep the pending set. Each sweep applies everything
	// whose predecessors are present; a sweep with no progress means the
	// rest is blocked on events we do not have.
	for len(pending) > 0 {
		var blocked []*event.ContextEvent
		progress := false

		for _, ev := range pending {
			err := e.store.Append(ev)
			switch {
			case err == nil:
				res.Applied++
				progress = true
				if err := e.observeAndFold(ev); err != nil {
					return res, err
				}
			case errors.Is(err, store.ErrDuplicateEvent):
				res.Duplicates++
				progress = true
				if err := e.tracker.Observe(ev.Device(), ev.Clock()); err != nil {
					return res, err
				}
			case errors.Is(err, store.ErrMissingPredecessor):
				blocked = append(blocked, ev)
			default:
				return res, fmt.Errorf("merge: apply %s: %w", ev.ID, err)
			}
		}

		pending = blocked
		if !progress {
			break
		}
	}

	// Whatever is still blocked waits for the next round, or gives up.
	for _, ev := range pending {
		d := &deferredEvent{ev: ev, retries: prior[ev.ID] + 1}
		if d.retries >= e.maxRetries {
			e.log.Warn("quarantining event with unreachable predecessors", "event", ev.ID.String())
			if err := e.quarantine(ev, &res); err != nil {
				return res, err
			}
			continue
		}
		e.deferred[ev.ID] = d
		res.Deferred++
	}

	if res.Applied > 0 {
		released, err := e.releaseQuarantined()
		if err != nil {
			return res, err
		}
		res.Released += released
	}
	return res, nil
}

// observeAndFold advances the summary vector and updates the view for a
// freshly appended event.
func (e *Engine) observeAndFold(ev *event.ContextEvent) error {
	if err := e.tracker.Observe(ev.Device(), ev.Clock()); err != nil {
		return err
	}
	return e.foldIntoView(ev)
}

// foldIntoView installs ev as the view winner for its (category, key) if
// it supersedes the current one.
func (e *Engine) foldIntoView(ev *event.ContextEvent) error {
	cur, ok, err := e.store.ViewEntry(ev.Category, ev.Key)
	if err != nil {
		return err
	}
	if ok && !event.Supersedes(ev.ID, cur.EventID) {
		return nil
	}
	_, err = e.store.SetViewEntry(store.ViewEntry{
		Category:  ev.Category,
		Key:       ev.Key,
		EventID:   ev.ID,
		Payload:   ev.Payload,
		Tombstone: ev.Tombstone,
	})
	return err
}

// quarantine stores the event flagged out of the view. The clock is still
// observed: the event is in the raw log and will replicate onward, so the
// summary vector must cover it or peers would resend it forever.
func (e *Engine) quarantine(ev *event.ContextEvent, res *Result) error {
	err := e.store.AppendQuarantined(ev)
	if errors.Is(err, store.ErrDuplicateEvent) {
		res.Duplicates++
		return nil
	}
	if err != nil {
		return err
	}
	res.Quarantined++
	return e.tracker.Observe(ev.Device(), ev.Clock())
}

// releaseQuarantined re-checks quarantined events after progress. Any
// whose predecessors have all arrived rejoin the view.
func (e *Engine) releaseQuarantined() (int, error) {
	quarantined, err := e.store.Quarantined()
	if err != nil {
		return 0, err
	}

	released := 0
	for _, ev := range quarantined {
		missing, err := e.store.MissingPredecessors(ev)
		if err != nil {
			return released, err
		}
		if len(missing) > 0 {
			continue
		}
		// Events quarantined for a bad payload stay out even when their
		// predecessors arrive.
		if e.schemas != nil && e.schemas.ValidatePayload(ev) != nil {
			continue
		}
		if err := e.store.ReleaseQuarantined(ev.ID); err != nil {
			return released, err
		}
		if err := e.foldIntoView(ev); err != nil {
			return released, err
		}
		e.log.Info("released quarantined event", "event", ev.ID.String())
		released++
	}
	return released, nil
}

// Summary exposes the tracker's summary vector for the sync layer.
func (e *Engine) Summary() clock.Vector {
	return e.tracker.Summary()
}

// DeferredCount reports how many events are waiting on predecessors.
func (e *Engine) DeferredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deferred)
}
