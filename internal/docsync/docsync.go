// Package docsync implements the DocSynchronizer: the per-document sync
// protocol engine that tracks one CRDT SyncState per peer, buffers inbound
// messages while the handle is IDLE or LOADING, and throttles outbound sync messages
// through a per-peer trailing-edge debounce.
package docsync

import (
	"sync"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/debounce"
	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/eventbus"
	"github.com/knirvcorp/automerge-repo-go/internal/handle"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// DefaultSyncDebounceRate is the default trailing-edge delay before an
// outbound sync message is actually sent.
const DefaultSyncDebounceRate = 100 * time.Millisecond

// PeerDocStatus is this synchronizer's belief about whether a peer has,
// wants, or lacks the document.
type PeerDocStatus int

const (
	StatusUnknown PeerDocStatus = iota
	StatusHas
	StatusWants
	StatusUnavailable
)

// EventKey names the events a Synchronizer emits on its bus.
type EventKey string

const (
	EventMessage   EventKey = "message"
	EventSyncState EventKey = "sync-state"
	EventOpenDoc   EventKey = "open-doc"
)

// MessagePayload is the payload of a "message" event: an outbound wire
// message ready for the NetworkSubsystem.
type MessagePayload struct {
	Message wire.Message
}

// SyncStatePayload is the payload of a "sync-state" event, consumed by
// Repo for persistence (throttled per StorageId there).
type SyncStatePayload struct {
	DocumentID docid.ID
	PeerID     wire.PeerID
	StorageID  wire.StorageID // empty when the peer advertised none
	Data       []byte         // nil if no StateCodec was supplied
}

// OpenDocPayload is the payload of an "open-doc" event, fired on the first
// successful sync exchange with a peer — used by RemoteHeadsSubscriptions
// to subscribe.
type OpenDocPayload struct {
	PeerID     wire.PeerID
	DocumentID docid.ID
}

// StateCodec (de)serializes an engine's opaque SyncState for persistence.
// Engine-specific; supplied by whoever constructs the Synchronizer.
type StateCodec struct {
	Encode func(crdt.SyncState) []byte
	Decode func([]byte) crdt.SyncState
}

// Synchronizer is the DocSynchronizer, scoped to one document.
type Synchronizer struct {
	documentID docid.ID
	handle     *handle.Handle
	engine     crdt.SyncEngine
	codec      *StateCodec
	debounce   *debounce.Debouncer[wire.PeerID]
	logger     *logging.Logger
	metrics    *monitoring.Metrics
	bus        *eventbus.Bus[EventKey]

	mu            sync.Mutex
	peers         map[wire.PeerID]bool
	peerMeta      map[wire.PeerID]wire.PeerMetadata
	syncStates    map[wire.PeerID]crdt.SyncState
	peerDocStatus map[wire.PeerID]PeerDocStatus
	pending       []wire.Message
	flushed       bool
	opened        map[wire.PeerID]bool
	sentUnavail   map[wire.PeerID]bool
	handleToks    []eventbus.Token
}

// New constructs a Synchronizer for h, using engine to drive the sync
// protocol. codec may be nil, in which case sync-state events carry no
// encoded bytes and Repo cannot persist them across restarts.
func New(documentID docid.ID, h *handle.Handle, engine crdt.SyncEngine, codec *StateCodec, debounceRate time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Synchronizer {
	if debounceRate <= 0 {
		debounceRate = DefaultSyncDebounceRate
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Synchronizer{
		documentID:    documentID,
		handle:        h,
		engine:        engine,
		codec:         codec,
		debounce:      debounce.New[wire.PeerID](debounceRate),
		logger:        logger,
		metrics:       metrics,
		bus:           eventbus.New[EventKey](),
		peers:         make(map[wire.PeerID]bool),
		peerMeta:      make(map[wire.PeerID]wire.PeerMetadata),
		syncStates:    make(map[wire.PeerID]crdt.SyncState),
		peerDocStatus: make(map[wire.PeerID]PeerDocStatus),
		opened:        make(map[wire.PeerID]bool),
		sentUnavail:   make(map[wire.PeerID]bool),
	}

	s.handleToks = append(s.handleToks,
		h.On(handle.EventHeadsChanged, func(handle.EventKey, any) { s.scheduleOutboundToAll() }),
		h.On(handle.EventRemoteHeads, func(handle.EventKey, any) { s.scheduleOutboundToAll() }),
		h.On(handle.EventUnavailable, func(handle.EventKey, any) { s.sendUnavailableToAll() }),
		h.On(handle.EventEphemeralOutbound, func(_ handle.EventKey, payload any) { s.broadcastEphemeral(payload.([]byte)) }),
		h.OnStateChange(func(st handle.State) { s.onHandleState(st) }),
	)
	s.onHandleState(h.State())

	return s
}

// onHandleState reacts to the handle entering an actionable state: a
// REQUESTING handle asks its peers for the document, and from REQUESTING
// onward buffered inbound messages can be dispatched (a sync payload seeds
// a document-less handle, so there is no reason to keep holding them).
func (s *Synchronizer) onHandleState(st handle.State) {
	switch st {
	case handle.READY, handle.UNAVAILABLE, handle.DELETED:
		s.flushPending()
	case handle.REQUESTING:
		s.flushPending()
		s.scheduleOutboundToAll()
	}
}

// On subscribes fn to one of the synchronizer's events.
func (s *Synchronizer) On(key EventKey, fn func(EventKey, any)) eventbus.Token {
	return s.bus.Subscribe(key, fn)
}

// Off removes a subscription returned by On.
func (s *Synchronizer) Off(tok eventbus.Token) { s.bus.Unsubscribe(tok) }

// HasPeer reports whether peerID is known to this synchronizer.
func (s *Synchronizer) HasPeer(peerID wire.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[peerID]
}

// BeginSync initializes state for any peer not already known and starts
// sync with it. loadSyncState, if non-nil, is consulted for peers that
// advertise a StorageId so a persisted SyncState can seed the exchange
// instead of starting empty.
func (s *Synchronizer) BeginSync(peers []wire.PeerID, meta map[wire.PeerID]wire.PeerMetadata, loadSyncState func(wire.PeerID, wire.StorageID) []byte) {
	s.mu.Lock()
	newPeers := false
	for _, p := range peers {
		if s.peers[p] {
			continue
		}
		s.peers[p] = true
		if m, ok := meta[p]; ok {
			s.peerMeta[p] = m
		}
		s.peerDocStatus[p] = StatusUnknown

		var state crdt.SyncState
		if md, ok := s.peerMeta[p]; ok && md.StorageID != "" && loadSyncState != nil && s.codec != nil {
			if data := loadSyncState(p, md.StorageID); data != nil {
				state = s.codec.Decode(data)
			}
		}
		if state == nil {
			state = s.engine.NewSyncState()
		}
		s.syncStates[p] = state
		newPeers = true
	}
	s.mu.Unlock()

	if newPeers {
		s.scheduleOutboundToAll()
	}
}

// EndSync discards peerID's sync state and status.
func (s *Synchronizer) EndSync(peerID wire.PeerID) {
	s.mu.Lock()
	delete(s.peers, peerID)
	delete(s.peerMeta, peerID)
	delete(s.syncStates, peerID)
	delete(s.peerDocStatus, peerID)
	delete(s.opened, peerID)
	delete(s.sentUnavail, peerID)
	s.mu.Unlock()
	s.debounce.Cancel(peerID)
}

// ReceiveMessage dispatches an inbound wire message by type. Messages
// arriving while the handle is still IDLE or LOADING are buffered and
// replayed in arrival order once the handle reaches an actionable state.
func (s *Synchronizer) ReceiveMessage(msg wire.Message) {
	s.mu.Lock()
	if !s.flushed {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatch(msg)
}

func (s *Synchronizer) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.flushed = true
	s.mu.Unlock()
	for _, msg := range pending {
		s.dispatch(msg)
	}
}

func (s *Synchronizer) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.MessageSync, wire.MessageRequest:
		s.handleSync(msg)
	case wire.MessageDocUnavailable:
		s.handleDocUnavailable(msg)
	case wire.MessageEphemeral:
		s.handle.DeliverEphemeral(msg.Data)
	}
	if s.metrics != nil {
		s.metrics.SyncMessagesReceived.WithLabelValues(string(msg.Type)).Inc()
	}
}

func (s *Synchronizer) handleSync(msg wire.Message) {
	// A sync message proves the sender holds the document: a handle still
	// waiting on the network is seeded with an empty doc so the payload has
	// something to merge into (REQUESTING -> READY, and the UNAVAILABLE
	// revival the state diagram calls peer-offers-doc).
	if msg.Type == wire.MessageSync {
		switch s.handle.State() {
		case handle.REQUESTING, handle.UNAVAILABLE:
			_ = s.handle.SeedEmpty()
		}
	}

	if s.handle.State() != handle.READY {
		// We do not hold the document either; remember that the sender
		// asked so the doc-unavailable fan-out reaches it.
		s.mu.Lock()
		s.peers[msg.SenderID] = true
		if _, ok := s.syncStates[msg.SenderID]; !ok {
			s.syncStates[msg.SenderID] = s.engine.NewSyncState()
		}
		s.peerDocStatus[msg.SenderID] = StatusWants
		s.mu.Unlock()
		if s.handle.State() == handle.UNAVAILABLE {
			s.sendUnavailableTo(msg.SenderID)
		}
		return
	}

	s.mu.Lock()
	state, ok := s.syncStates[msg.SenderID]
	if !ok {
		state = s.engine.NewSyncState()
		s.peers[msg.SenderID] = true
	}
	s.mu.Unlock()

	newState, err := s.handle.ReceiveSyncMessage(s.engine, state, msg.Data)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithDocumentID(s.documentID.String()).Warn("docsync: failed to apply inbound sync message")
		}
		return
	}

	status := StatusHas
	if msg.Type == wire.MessageRequest {
		status = StatusWants
	}
	s.mu.Lock()
	s.syncStates[msg.SenderID] = newState
	s.peerDocStatus[msg.SenderID] = status
	firstExchange := !s.opened[msg.SenderID]
	s.opened[msg.SenderID] = true
	s.mu.Unlock()

	s.emitSyncState(msg.SenderID)
	if firstExchange {
		s.bus.Emit(EventOpenDoc, OpenDocPayload{PeerID: msg.SenderID, DocumentID: s.documentID})
	}
	s.scheduleOutboundToAll()
}

func (s *Synchronizer) handleDocUnavailable(msg wire.Message) {
	s.mu.Lock()
	s.peerDocStatus[msg.SenderID] = StatusUnavailable
	allUnavailable := len(s.peers) > 0
	for p := range s.peers {
		if s.peerDocStatus[p] != StatusUnavailable {
			allUnavailable = false
			break
		}
	}
	s.mu.Unlock()

	if allUnavailable && s.handle.State() == handle.REQUESTING {
		_ = s.handle.Unavailable()
	}
}

func (s *Synchronizer) sendUnavailableToAll() {
	s.mu.Lock()
	peers := make([]wire.PeerID, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.sendUnavailableTo(p)
	}
}

// sendUnavailableTo emits a doc-unavailable to peerID at most once per
// handle lifecycle.
func (s *Synchronizer) sendUnavailableTo(peerID wire.PeerID) {
	s.mu.Lock()
	if s.sentUnavail[peerID] {
		s.mu.Unlock()
		return
	}
	s.sentUnavail[peerID] = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SyncMessagesSent.WithLabelValues(string(wire.MessageDocUnavailable)).Inc()
	}
	s.bus.Emit(EventMessage, MessagePayload{Message: wire.Message{
		Type:       wire.MessageDocUnavailable,
		TargetID:   peerID,
		DocumentID: s.documentID,
	}})
}

// broadcastEphemeral fans a locally broadcast payload out to every known
// peer; the NetworkSubsystem stamps sender, session, and count on send.
func (s *Synchronizer) broadcastEphemeral(data []byte) {
	s.mu.Lock()
	peers := make([]wire.PeerID, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.bus.Emit(EventMessage, MessagePayload{Message: wire.Message{
			Type:       wire.MessageEphemeral,
			TargetID:   p,
			DocumentID: s.documentID,
			Data:       data,
		}})
	}
}

// scheduleOutboundToAll debounces an outbound sync attempt to every known
// peer, per (documentId, peerId) — this synchronizer is scoped to one
// documentId, so the peerId alone is a sufficient debounce key.
func (s *Synchronizer) scheduleOutboundToAll() {
	s.mu.Lock()
	peers := make([]wire.PeerID, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		peer := p
		s.debounce.Trigger(peer, func() { s.sendOutbound(peer) })
	}
}

func (s *Synchronizer) sendOutbound(peerID wire.PeerID) {
	if s.metrics != nil {
		s.metrics.DebounceFires.Inc()
	}
	switch s.handle.State() {
	case handle.READY:
		s.sendSync(peerID)
	case handle.REQUESTING, handle.UNAVAILABLE:
		s.sendRequest(peerID)
	}
}

func (s *Synchronizer) sendSync(peerID wire.PeerID) {
	s.mu.Lock()
	state, ok := s.syncStates[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}

	newState, data, hasMsg, err := s.handle.GenerateSyncMessage(s.engine, state)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.syncStates[peerID] = newState
	s.mu.Unlock()
	if !hasMsg {
		return
	}

	if s.metrics != nil {
		s.metrics.SyncMessagesSent.WithLabelValues(string(wire.MessageSync)).Inc()
	}
	s.bus.Emit(EventMessage, MessagePayload{Message: wire.Message{
		Type:       wire.MessageSync,
		TargetID:   peerID,
		DocumentID: s.documentID,
		Data:       data,
	}})
	s.emitSyncState(peerID)
}

// sendRequest asks peerID for the document this handle is still waiting
// on. The sync engine's opening message, generated against an empty doc,
// is the request payload; the engine produces it once per peer, so a
// repeat trigger while still REQUESTING does not spam.
func (s *Synchronizer) sendRequest(peerID wire.PeerID) {
	s.mu.Lock()
	state, ok := s.syncStates[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}

	newState, data, hasMsg, err := s.handle.GenerateRequestMessage(s.engine, state)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.syncStates[peerID] = newState
	s.mu.Unlock()
	if !hasMsg {
		return
	}

	if s.metrics != nil {
		s.metrics.SyncMessagesSent.WithLabelValues(string(wire.MessageRequest)).Inc()
	}
	s.bus.Emit(EventMessage, MessagePayload{Message: wire.Message{
		Type:       wire.MessageRequest,
		TargetID:   peerID,
		DocumentID: s.documentID,
		Data:       data,
	}})
}

// Close cancels every pending debounced send for this document and detaches
// from the handle's event bus. Called by
// CollectionSynchronizer.RemoveDocument, which discards the synchronizer
// along with any outbound message it had scheduled.
func (s *Synchronizer) Close() {
	s.debounce.Stop()
	for _, tok := range s.handleToks {
		s.handle.Off(tok)
	}
}

func (s *Synchronizer) emitSyncState(peerID wire.PeerID) {
	s.mu.Lock()
	state := s.syncStates[peerID]
	storageID := s.peerMeta[peerID].StorageID
	s.mu.Unlock()

	var data []byte
	if s.codec != nil {
		data = s.codec.Encode(state)
	}
	s.bus.Emit(EventSyncState, SyncStatePayload{
		DocumentID: s.documentID,
		PeerID:     peerID,
		StorageID:  storageID,
		Data:       data,
	})
}

