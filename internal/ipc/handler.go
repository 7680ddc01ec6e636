package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cirrusd/internal/discovery"
	"cirrusd/internal/event"
	"cirrusd/internal/identity"
	"cirrusd/internal/merge"
	"cirrusd/internal/store"
	"cirrusd/internal/syncp"
	"cirrusd/internal/trust"
)

// DaemonHandler implements Handler against the live daemon components.
type DaemonHandler struct {
	version    string
	deviceName string
	startedAt  time.Time

	id       *identity.Identity
	store    *store.Store
	engine   *merge.Engine
	registry *trust.Registry
	peers    *discovery.Table
	sessions *syncp.Manager
}

// DaemonHandlerConfig configures the daemon handler. Peers and Sessions
// may be nil when discovery or sync is disabled.
type DaemonHandlerConfig struct {
	Version    string
	DeviceName string
	Identity   *identity.Identity
	Store      *store.Store
	Engine     *merge.Engine
	Registry   *trust.Registry
	Peers      *discovery.Table
	Sessions   *syncp.Manager
}

// NewDaemonHandler creates a daemon handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	return &DaemonHandler{
		version:    cfg.Version,
		deviceName: cfg.DeviceName,
		startedAt:  time.Now(),
		id:         cfg.Identity,
		store:      cfg.Store,
		engine:     cfg.Engine,
		registry:   cfg.Registry,
		peers:      cfg.Peers,
		sessions:   cfg.Sessions,
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *ClientConn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgQuery:
		return h.handleQuery(msg)
	case MsgRecord:
		return h.handleRecord(msg)
	case MsgRebuild:
		return h.handleRebuild(msg)
	case MsgListDevices:
		return h.handleListDevices(msg)
	case MsgPair:
		return h.handlePair(msg)
	case MsgRevoke:
		return h.handleRevoke(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	count, err := h.store.EventCount()
	if err != nil {
		return nil, err
	}
	gen, err := h.store.Generation()
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		Version:    h.version,
		Device:     h.id.Device().String(),
		DeviceName: h.deviceName,
		StartedAt:  h.startedAt,
		Uptime:     time.Since(h.startedAt),
		EventCount: count,
		Generation: gen,
		Deferred:   h.engine.DeferredCount(),
		Summary:    make(map[string]uint64),
	}
	for d, c := range h.engine.Summary() {
		resp.Summary[d.String()] = c
	}

	records, err := h.registry.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		ps := PeerStatus{
			Device:   rec.Device.String(),
			Name:     rec.DisplayName,
			Trust:    string(rec.TrustState),
			PairedAt: rec.PairedAt,
		}
		if h.peers != nil {
			if p, ok := h.peers.Lookup(rec.Device); ok {
				ps.Reachable = p.Reachable
				ps.Addr = p.Addr
			}
		}
		resp.Peers = append(resp.Peers, ps)
	}

	if h.sessions != nil {
		for _, st := range h.sessions.Sessions() {
			resp.Sessions = append(resp.Sessions, SessionStatus{
				SessionID: st.SessionID,
				Peer:      st.Peer.String(),
				State:     st.State.String(),
				Sent:      st.Sent,
				Received:  st.Received,
				StartedAt: st.StartedAt,
			})
		}
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleQuery(msg *Message) (*Message, error) {
	var req QueryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	cat := event.Category(req.Category)
	if !cat.Valid() {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown category %q", req.Category)), nil
	}

	var entries []store.ViewEntry
	if req.Key != "" {
		entry, ok, err := h.store.ViewEntry(cat, req.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return NewErrorMessage(msg.Header.RequestID, ErrNotFound,
				fmt.Sprintf("no entry for %s/%s", req.Category, req.Key)), nil
		}
		entries = []store.ViewEntry{entry}
	} else {
		var err error
		entries, err = h.store.ViewCategory(cat)
		if err != nil {
			return nil, err
		}
	}

	resp := &QueryResponse{Entries: make([]ViewEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, ViewEntry{
			Category:   string(e.Category),
			Key:        e.Key,
			EventID:    e.EventID.String(),
			Payload:    e.Payload,
			Tombstone:  e.Tombstone,
			Generation: e.Generation,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	return NewResponse(MsgQueryResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleRecord(msg *Message) (*Message, error) {
	var req RecordRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	recipients := make([]event.DeviceID, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		d, err := event.ParseDeviceID(r)
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
				fmt.Sprintf("bad recipient %q", r)), nil
		}
		recipients = append(recipients, d)
	}

	ev, err := h.engine.Record(
		event.Category(req.Category), req.Key, req.Payload,
		event.Scope(req.Scope), recipients, req.Tombstone)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	return NewResponse(MsgRecordResp, msg.Header.RequestID, &RecordResponse{
		EventID: ev.ID.String(),
		Clock:   ev.Clock(),
	})
}

func (h *DaemonHandler) handleRebuild(msg *Message) (*Message, error) {
	if err := h.store.Rebuild(); err != nil {
		return nil, err
	}
	gen, err := h.store.Generation()
	if err != nil {
		return nil, err
	}
	return NewResponse(MsgRebuildResp, msg.Header.RequestID, &RebuildResponse{Generation: gen})
}

func (h *DaemonHandler) handleListDevices(msg *Message) (*Message, error) {
	records, err := h.registry.List()
	if err != nil {
		return nil, err
	}
	resp := &ListDevicesResponse{Devices: make([]DeviceInfo, 0, len(records))}
	for _, rec := range records {
		resp.Devices = append(resp.Devices, DeviceInfo{
			Device:    rec.Device.String(),
			Name:      rec.DisplayName,
			Trust:     string(rec.TrustState),
			PairedAt:  rec.PairedAt,
			RevokedAt: rec.RevokedAt,
			LastSeen:  rec.LastSeenClock,
		})
	}
	return NewResponse(MsgListDevicesResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handlePair(msg *Message) (*Message, error) {
	var req PairRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	candidate, err := event.ParseDeviceID(req.Device)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad device id"), nil
	}

	rec, err := h.registry.Pair(candidate, req.Code, req.Proof)
	switch {
	case errors.Is(err, trust.ErrUnknownDevice):
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
	case errors.Is(err, trust.ErrProofInvalid),
		errors.Is(err, trust.ErrAlreadyRevoked),
		errors.Is(err, trust.ErrBadTransition):
		return NewErrorMessage(msg.Header.RequestID, ErrTrustDenied, err.Error()), nil
	case err != nil:
		return nil, err
	}

	// Our matching proof for the other side's confirmation step.
	proof := h.id.Sign(trust.ProofMessage(candidate, h.id.Device(), req.Code))
	return NewResponse(MsgPairResp, msg.Header.RequestID, &PairResponse{
		Device: rec.Device.String(),
		Trust:  string(rec.TrustState),
		Proof:  proof,
	})
}

func (h *DaemonHandler) handleRevoke(msg *Message) (*Message, error) {
	var req RevokeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	d, err := event.ParseDeviceID(req.Device)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad device id"), nil
	}

	if err := h.registry.Revoke(d); err != nil {
		if errors.Is(err, trust.ErrUnknownDevice) {
			return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
		}
		return nil, err
	}
	return NewResponse(MsgRevokeResp, msg.Header.RequestID, &RevokeResponse{
		Device: req.Device,
		Trust:  string(trust.StateRevoked),
	})
}
