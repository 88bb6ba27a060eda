// Package handle implements the DocHandle state machine: the only way a
// caller reads or mutates a document, and the hub every other component
// (DocSynchronizer, RemoteHeadsSubscriptions, Repo) observes for change,
// heads-changed, delete, unavailable, ephemeral-message, and remote-heads
// events.
package handle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/eventbus"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// State is one of the DocHandle's seven lifecycle states.
type State int

const (
	IDLE State = iota
	LOADING
	REQUESTING
	READY
	UNLOADED
	DELETED
	UNAVAILABLE
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "idle"
	case LOADING:
		return "loading"
	case REQUESTING:
		return "requesting"
	case READY:
		return "ready"
	case UNLOADED:
		return "unloaded"
	case DELETED:
		return "deleted"
	case UNAVAILABLE:
		return "unavailable"
	default:
		return "unknown"
	}
}

// EventKey names the events a Handle emits on its bus.
type EventKey string

const (
	EventChange           EventKey = "change"
	EventHeadsChanged     EventKey = "heads-changed"
	EventDelete           EventKey = "delete"
	EventUnavailable      EventKey = "unavailable"
	EventEphemeralMessage EventKey = "ephemeral-message"
	// EventEphemeralOutbound carries a locally broadcast payload toward the
	// network; EventEphemeralMessage is the delivery side. Separate keys so
	// the DocSynchronizer's outbound forwarding cannot echo an inbound
	// delivery back out.
	EventEphemeralOutbound EventKey = "ephemeral-outbound"
	EventRemoteHeads       EventKey = "remote-heads"
	eventStateChanged      EventKey = "state-changed" // internal, drives AwaitState
)

// ChangePayload is the payload of a "change" event.
type ChangePayload struct {
	Heads []string
}

// HeadsChangedPayload is the payload of a "heads-changed" event.
type HeadsChangedPayload struct {
	Heads []string
}

// RemoteHeadsPayload is the payload of a "remote-heads" event.
type RemoteHeadsPayload struct {
	StorageID wire.StorageID
	Heads     []string
}

// Options configures a new Handle.
type Options struct {
	IsNew        bool
	InitialValue map[string]any
	TimeoutDelay time.Duration
}

// Handle is the DocHandle.
type Handle struct {
	id      docid.ID
	factory crdt.Factory
	logger  *logging.Logger
	metrics *monitoring.Metrics
	bus     *eventbus.Bus[EventKey]

	mu           sync.Mutex
	state        State
	doc          crdt.Doc
	lastKnownDoc crdt.Doc // retained across UNLOADED so Reload can skip storage
	remoteHeads  map[wire.StorageID][]string
	timeoutDelay time.Duration
	timeoutTimer *time.Timer
}

// New constructs a Handle in IDLE for id.
func New(id docid.ID, factory crdt.Factory, logger *logging.Logger, metrics *monitoring.Metrics, opts Options) *Handle {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handle{
		id:           id,
		factory:      factory,
		logger:       logger,
		metrics:      metrics,
		bus:          eventbus.New[EventKey](),
		remoteHeads:  make(map[wire.StorageID][]string),
		timeoutDelay: opts.TimeoutDelay,
	}
	if metrics != nil {
		metrics.HandlesCreated.Inc()
	}

	switch {
	case opts.IsNew:
		h.doc = factory.New()
		if len(opts.InitialValue) > 0 {
			_, _ = h.doc.Change(func(tx crdt.ChangeTx) error {
				for k, v := range opts.InitialValue {
					if err := tx.Set(k, v); err != nil {
						return err
					}
				}
				return nil
			})
		}
		h.setState(READY)
	default:
		h.setState(IDLE)
	}
	return h
}

// DocumentID returns the handle's immutable document id.
func (h *Handle) DocumentID() docid.ID { return h.id }

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// On subscribes fn to one of the handle's public events.
func (h *Handle) On(key EventKey, fn func(EventKey, any)) eventbus.Token {
	return h.bus.Subscribe(key, fn)
}

// Off removes a subscription returned by On.
func (h *Handle) Off(tok eventbus.Token) { h.bus.Unsubscribe(tok) }

// OnStateChange subscribes fn to every state transition. Transitions are
// emitted while the handle's internal lock is held, so fn is dispatched on
// its own goroutine — a synchronous callback could not call back into the
// handle without deadlocking.
func (h *Handle) OnStateChange(fn func(State)) eventbus.Token {
	return h.bus.Subscribe(eventStateChanged, func(_ EventKey, payload any) {
		go fn(payload.(State))
	})
}

func (h *Handle) setState(s State) {
	h.state = s
	if h.metrics != nil {
		h.metrics.HandleStateTransitions.WithLabelValues(s.String()).Inc()
	}
	h.bus.Emit(eventStateChanged, s)
}

// Load moves an IDLE handle to LOADING, the entry point for Repo.find.
func (h *Handle) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != IDLE {
		return fmt.Errorf("handle: Load requires IDLE, got %s", h.state)
	}
	h.setState(LOADING)
	if h.timeoutDelay > 0 {
		h.armTimeout()
	}
	return nil
}

// DoneLoading completes a LOADING handle: if doc is non-nil the handle
// becomes READY (storage hit); if doc is nil it becomes REQUESTING
// (storage miss, fall back to the network).
func (h *Handle) DoneLoading(doc crdt.Doc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != LOADING {
		return fmt.Errorf("handle: DoneLoading requires LOADING, got %s", h.state)
	}
	if doc != nil {
		h.doc = doc
		h.cancelTimeout()
		h.setState(READY)
		return nil
	}
	h.setState(REQUESTING)
	if h.timeoutDelay > 0 {
		h.armTimeout()
	}
	return nil
}

// Request is an explicit IDLE/LOADING -> REQUESTING transition, used when
// Repo.find knows immediately there is nothing in storage.
func (h *Handle) Request() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != IDLE && h.state != LOADING {
		return fmt.Errorf("handle: Request requires IDLE or LOADING, got %s", h.state)
	}
	h.cancelTimeout()
	h.setState(REQUESTING)
	if h.timeoutDelay > 0 {
		h.armTimeout()
	}
	return nil
}

// ReceiveDoc transitions REQUESTING -> READY or UNAVAILABLE -> READY when a
// peer has offered the document.
func (h *Handle) ReceiveDoc(doc crdt.Doc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != REQUESTING && h.state != UNAVAILABLE {
		return fmt.Errorf("handle: ReceiveDoc requires REQUESTING or UNAVAILABLE, got %s", h.state)
	}
	h.cancelTimeout()
	h.doc = doc
	h.setState(READY)
	return nil
}

// SeedEmpty transitions REQUESTING or UNAVAILABLE to READY with a fresh
// empty document, so an inbound sync payload that proves a peer holds the
// document has something to be applied into.
func (h *Handle) SeedEmpty() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != REQUESTING && h.state != UNAVAILABLE {
		return fmt.Errorf("handle: SeedEmpty requires REQUESTING or UNAVAILABLE, got %s", h.state)
	}
	h.cancelTimeout()
	h.doc = h.factory.New()
	h.setState(READY)
	return nil
}

func (h *Handle) armTimeout() {
	h.cancelTimeout()
	h.timeoutTimer = time.AfterFunc(h.timeoutDelay, func() {
		_ = h.Unavailable()
	})
}

func (h *Handle) cancelTimeout() {
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}

// Unavailable transitions REQUESTING -> UNAVAILABLE, either from the
// timeout firing or from DocSynchronizer observing every generous peer
// report doc-unavailable. Emitted on a later scheduling turn than the call
// that triggered it, so Repo.Find callers can attach listeners to the
// returned handle before it fires.
func (h *Handle) Unavailable() error {
	h.mu.Lock()
	if h.state != REQUESTING {
		h.mu.Unlock()
		return nil
	}
	h.cancelTimeout()
	h.setState(UNAVAILABLE)
	h.mu.Unlock()
	h.bus.EmitAsync(EventUnavailable, h.id)
	return nil
}

// ReannounceUnavailable re-emits "unavailable" on a later scheduling turn
// if the handle is currently UNAVAILABLE. Repo.Find uses this so a caller
// that looks up an already-unavailable cached handle still observes the
// event after attaching its own listener to the returned handle.
func (h *Handle) ReannounceUnavailable() {
	if h.State() != UNAVAILABLE {
		return
	}
	h.bus.EmitAsync(EventUnavailable, h.id)
}

// Change requires READY. It runs fn against a mutable proxy, commits a
// single change, and, if heads changed, emits "change" then
// "heads-changed" synchronously and in that order before returning, so an
// observer of "heads-changed" sees a doc whose heads equal the emitted
// heads.
func (h *Handle) Change(fn func(crdt.ChangeTx) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return wire.ErrNotReady
	}
	before := h.doc.Heads()
	heads, err := h.doc.Change(fn)
	if err != nil {
		return err
	}
	h.emitIfHeadsChanged(before, heads)
	return nil
}

// ChangeAt commits fn as if the document were at heads, returning the new
// (possibly concurrent) heads.
func (h *Handle) ChangeAt(heads []string, fn func(crdt.ChangeTx) error) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return nil, wire.ErrNotReady
	}
	before := h.doc.Heads()
	newHeads, err := h.doc.ChangeAt(heads, fn)
	if err != nil {
		return nil, err
	}
	h.emitIfHeadsChanged(before, newHeads)
	return newHeads, nil
}

// emitIfHeadsChanged must be called with h.mu held.
func (h *Handle) emitIfHeadsChanged(before, after []string) {
	if headsEqual(before, after) {
		return
	}
	h.bus.Emit(EventChange, ChangePayload{Heads: after})
	h.bus.Emit(EventHeadsChanged, HeadsChangedPayload{Heads: after})
}

// DocSync returns the current document value if READY, or (nil, false)
// otherwise — the synchronous counterpart to Doc.
func (h *Handle) DocSync() (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY || h.doc == nil {
		return nil, false
	}
	return h.doc.Value(), true
}

// Doc blocks until the handle's state enters one of awaitStates (READY by
// default), then returns the document value. It returns ctx.Err() if ctx
// is done first; callers that want to wait indefinitely pass
// context.Background().
func (h *Handle) Doc(ctx context.Context, awaitStates ...State) (map[string]any, error) {
	if len(awaitStates) == 0 {
		awaitStates = []State{READY}
	}
	if err := h.AwaitState(ctx, awaitStates...); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return nil, wire.ErrNotReady
	}
	return h.doc.Value(), nil
}

// AwaitState blocks until the handle's state matches one of states, or ctx
// is done. Implemented as a one-shot subscription auto-cancelled on first
// match, so a caller abandoning the wait leaks nothing.
func (h *Handle) AwaitState(ctx context.Context, states ...State) error {
	h.mu.Lock()
	current := h.state
	h.mu.Unlock()
	for _, s := range states {
		if current == s {
			return nil
		}
	}

	matched := make(chan struct{})
	var once sync.Once
	var tok eventbus.Token
	tok = h.bus.Subscribe(eventStateChanged, func(_ EventKey, payload any) {
		got := payload.(State)
		for _, s := range states {
			if got == s {
				once.Do(func() { close(matched) })
				return
			}
		}
	})
	defer h.bus.Unsubscribe(tok)

	select {
	case <-matched:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Heads requires READY; returns the current heads.
func (h *Handle) Heads() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return nil, wire.ErrNotReady
	}
	return h.doc.Heads(), nil
}

// View returns a read-only Doc as of heads.
func (h *Handle) View(heads []string) (crdt.Doc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return nil, wire.ErrNotReady
	}
	return h.doc.View(heads)
}

// Diff returns an opaque patch between two head sets.
func (h *Handle) Diff(from, to []string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return nil, wire.ErrNotReady
	}
	return h.doc.Diff(from, to)
}

// Merge requires both handles READY. Applies other's doc into this one's,
// emitting change/heads-changed events as Change does if heads moved.
//
// Locks are always taken in a fixed order (by documentId) regardless of
// receiver/argument position, so two concurrent crossed merges (A.Merge(B)
// racing B.Merge(A)) cannot deadlock.
func (h *Handle) Merge(other *Handle) error {
	if docIDLess(h.id, other.id) {
		h.mu.Lock()
		defer h.mu.Unlock()
		other.mu.Lock()
		defer other.mu.Unlock()
	} else {
		other.mu.Lock()
		defer other.mu.Unlock()
		h.mu.Lock()
		defer h.mu.Unlock()
	}

	if h.state != READY || other.state != READY {
		return wire.ErrUnavailable
	}
	before := h.doc.Heads()
	if err := h.doc.Merge(other.doc); err != nil {
		return err
	}
	h.emitIfHeadsChanged(before, h.doc.Heads())
	return nil
}

func docIDLess(a, b docid.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// MergeBytes applies a raw diff/snapshot blob (as loaded via the Handle's
// factory) into this handle's doc — used by DocSynchronizer to apply an
// inbound sync payload without needing a peer Handle.
func (h *Handle) MergeBytes(data []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return false, wire.ErrNotReady
	}
	fragment, err := h.factory.Load(data)
	if err != nil {
		return false, err
	}
	before := h.doc.Heads()
	if err := h.doc.Merge(fragment); err != nil {
		return false, err
	}
	after := h.doc.Heads()
	changed := !headsEqual(before, after)
	if changed {
		h.bus.Emit(EventChange, ChangePayload{Heads: after})
		h.bus.Emit(EventHeadsChanged, HeadsChangedPayload{Heads: after})
	}
	return changed, nil
}

// ReceiveSyncMessage applies an inbound sync-protocol message to the
// handle's doc via engine, returning the engine's updated SyncState.
// Emits change/heads-changed, in that order, if heads moved — used by
// DocSynchronizer instead of reaching into the doc directly.
func (h *Handle) ReceiveSyncMessage(engine crdt.SyncEngine, state crdt.SyncState, data []byte) (crdt.SyncState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return state, wire.ErrNotReady
	}
	before := h.doc.Heads()
	newState, _, err := engine.ReceiveSyncMessage(h.doc, state, data)
	if err != nil {
		return state, err
	}
	h.emitIfHeadsChanged(before, h.doc.Heads())
	return newState, nil
}

// GenerateSyncMessage produces the next outbound sync message for state via
// engine, against the handle's current doc.
func (h *Handle) GenerateSyncMessage(engine crdt.SyncEngine, state crdt.SyncState) (crdt.SyncState, []byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY {
		return state, nil, false, wire.ErrNotReady
	}
	newState, data, ok := engine.GenerateSyncMessage(h.doc, state)
	return newState, data, ok, nil
}

// GenerateRequestMessage produces the sync message a document-less handle
// sends to ask peers for the document, generated via engine against a
// fresh empty doc. Permitted in REQUESTING and UNAVAILABLE (the latter
// lets a newly appeared peer revive an unavailable handle).
func (h *Handle) GenerateRequestMessage(engine crdt.SyncEngine, state crdt.SyncState) (crdt.SyncState, []byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != REQUESTING && h.state != UNAVAILABLE {
		return state, nil, false, wire.ErrNotReady
	}
	newState, data, ok := engine.GenerateSyncMessage(h.factory.New(), state)
	return newState, data, ok, nil
}

// Broadcast requires READY; emits "ephemeral-outbound" for the
// DocSynchronizer to fan out to peers, plus "ephemeral-message" so local
// observers see their own broadcasts.
func (h *Handle) Broadcast(payload []byte) error {
	h.mu.Lock()
	if h.state != READY {
		h.mu.Unlock()
		return wire.ErrNotReady
	}
	h.mu.Unlock()
	h.bus.Emit(EventEphemeralOutbound, payload)
	h.bus.Emit(EventEphemeralMessage, payload)
	return nil
}

// DeliverEphemeral forwards an inbound ephemeral payload to subscribers —
// called by DocSynchronizer on receipt of an "ephemeral" wire message.
func (h *Handle) DeliverEphemeral(payload []byte) {
	h.bus.Emit(EventEphemeralMessage, payload)
}

// Unload transitions READY or UNAVAILABLE to UNLOADED, retaining the last
// known doc value so Reload can restore it without a storage round trip.
func (h *Handle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != READY && h.state != UNAVAILABLE {
		return fmt.Errorf("handle: Unload requires READY or UNAVAILABLE, got %s", h.state)
	}
	h.lastKnownDoc = h.doc
	h.doc = nil
	h.setState(UNLOADED)
	return nil
}

// Reload transitions UNLOADED to READY if a doc was retained, otherwise to
// LOADING so the caller re-fetches from storage.
func (h *Handle) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != UNLOADED {
		return fmt.Errorf("handle: Reload requires UNLOADED, got %s", h.state)
	}
	if h.lastKnownDoc != nil {
		h.doc = h.lastKnownDoc
		h.lastKnownDoc = nil
		h.setState(READY)
		return nil
	}
	h.setState(LOADING)
	return nil
}

// Delete transitions any state to the terminal DELETED state and emits
// "delete".
func (h *Handle) Delete() error {
	h.mu.Lock()
	if h.state == DELETED {
		h.mu.Unlock()
		return nil
	}
	h.cancelTimeout()
	h.setState(DELETED)
	if h.metrics != nil {
		h.metrics.HandlesDeleted.Inc()
	}
	h.mu.Unlock()
	h.bus.Emit(EventDelete, h.id)
	return nil
}

// IsReady, IsDeleted, IsUnavailable are convenience state predicates.
func (h *Handle) IsReady() bool      { return h.State() == READY }
func (h *Handle) IsDeleted() bool    { return h.State() == DELETED }
func (h *Handle) IsUnavailable() bool { return h.State() == UNAVAILABLE }

// SetRemoteHeads records the heads last observed for storageID and emits
// "remote-heads".
func (h *Handle) SetRemoteHeads(storageID wire.StorageID, heads []string) {
	h.mu.Lock()
	h.remoteHeads[storageID] = append([]string(nil), heads...)
	h.mu.Unlock()
	h.bus.Emit(EventRemoteHeads, RemoteHeadsPayload{StorageID: storageID, Heads: heads})
}

// RemoteHeads returns the last known heads for storageID, if any.
func (h *Handle) RemoteHeads(storageID wire.StorageID) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heads, ok := h.remoteHeads[storageID]
	return heads, ok
}

func headsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
