// Package network implements the NetworkSubsystem: multiplexes N
// Adapters behind a single peerID-keyed routing table, tags outbound
// messages, and applies the inbound ephemeral dedup filter.
package network

import (
	"math/rand"
	"sync"

	"github.com/knirvcorp/automerge-repo-go/internal/eventbus"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// EventKey names the events Subsystem re-emits on its bus.
type EventKey string

const (
	EventPeerCandidate    EventKey = "peer-candidate"
	EventPeerDisconnected EventKey = "peer-disconnected"
	EventMessage          EventKey = "message"
)

// Adapter is the NetworkAdapter contract: connect/disconnect one
// transport, send a message, and report readiness. An Adapter reports
// its own events (peer-candidate, peer-disconnected, message, close,
// ready) by calling the callbacks it was handed at construction — the
// concrete shape of that wiring is left to the adapter implementation
// (see internal/network/memnet).
type Adapter interface {
	Connect(peerID wire.PeerID, metadata wire.PeerMetadata) error
	Disconnect() error
	Send(msg wire.Message) error
	IsReady() bool
	WhenReady(fn func())
}

// Subsystem is the NetworkSubsystem.
type Subsystem struct {
	selfID  wire.PeerID
	logger  *logging.Logger
	metrics *monitoring.Metrics
	bus     *eventbus.Bus[EventKey]

	mu         sync.RWMutex
	adapters   []Adapter
	routing    map[wire.PeerID]Adapter
	sessionSeq map[string]uint32            // outbound ephemeral count, per-process
	seenCount  map[[2]string]uint32         // inbound ephemeral monotone filter: (senderID,sessionID) -> last count
	sessionID  string
}

// New constructs a Subsystem identified by selfID.
func New(selfID wire.PeerID, logger *logging.Logger, metrics *monitoring.Metrics) *Subsystem {
	return &Subsystem{
		selfID:     selfID,
		logger:     logger,
		metrics:    metrics,
		bus:        eventbus.New[EventKey](),
		routing:    make(map[wire.PeerID]Adapter),
		sessionSeq: make(map[string]uint32),
		seenCount:  make(map[[2]string]uint32),
		sessionID:  randomSessionID(),
	}
}

// On subscribes fn to one of Subsystem's emitted events.
func (s *Subsystem) On(key EventKey, fn func(EventKey, any)) eventbus.Token {
	return s.bus.Subscribe(key, fn)
}

// Off removes a subscription returned by On.
func (s *Subsystem) Off(tok eventbus.Token) { s.bus.Unsubscribe(tok) }

// AddAdapter registers adapter with the subsystem.
func (s *Subsystem) AddAdapter(a Adapter) {
	s.mu.Lock()
	s.adapters = append(s.adapters, a)
	s.mu.Unlock()
}

// HandlePeerCandidate records the first adapter to claim peerID and
// re-emits "peer-candidate". Adapters call this from their own callback
// wiring when they discover a peer.
func (s *Subsystem) HandlePeerCandidate(peerID wire.PeerID, a Adapter) {
	s.mu.Lock()
	if _, exists := s.routing[peerID]; exists {
		s.mu.Unlock()
		return
	}
	s.routing[peerID] = a
	s.mu.Unlock()
	s.bus.EmitAsync(EventPeerCandidate, peerID)
}

// HandlePeerDisconnected drops peerID from the routing table and re-emits
// "peer-disconnected" synchronously, so subscribers have finished with the
// old link before a reconnect can register the peer again.
func (s *Subsystem) HandlePeerDisconnected(peerID wire.PeerID) {
	s.mu.Lock()
	delete(s.routing, peerID)
	s.mu.Unlock()
	s.bus.Emit(EventPeerDisconnected, peerID)
}

// HandleInboundMessage drops stale or duplicate ephemerals via the dedup
// filter, then re-emits "message" for every message that passes.
func (s *Subsystem) HandleInboundMessage(msg wire.Message) {
	if msg.Type == wire.MessageEphemeral {
		if s.isStaleEphemeral(msg) {
			if s.metrics != nil {
				s.metrics.EphemeralDropped.WithLabelValues("stale-or-duplicate").Inc()
			}
			return
		}
	}
	s.bus.Emit(EventMessage, msg)
}

func (s *Subsystem) isStaleEphemeral(msg wire.Message) bool {
	key := [2]string{string(msg.SenderID), msg.SessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.seenCount[key]
	if seen && msg.Count <= last {
		return true
	}
	s.seenCount[key] = msg.Count
	return false
}

// Send tags msg with SenderID (and, for ephemerals, a fresh monotone Count
// plus this process's SessionID) and routes it to TargetID's adapter. The
// message is dropped with a log if TargetID is not in the routing table.
func (s *Subsystem) Send(msg wire.Message) error {
	msg.SenderID = s.selfID
	if msg.Type == wire.MessageEphemeral {
		msg.SessionID = s.sessionID
		s.mu.Lock()
		s.sessionSeq[string(msg.TargetID)]++
		msg.Count = s.sessionSeq[string(msg.TargetID)]
		s.mu.Unlock()
	}

	s.mu.RLock()
	a, ok := s.routing[msg.TargetID]
	s.mu.RUnlock()
	if !ok {
		if s.logger != nil {
			s.logger.WithPeerID(string(msg.TargetID)).Warn("network: send dropped, peer not in routing table")
		}
		return nil
	}

	if err := a.Send(msg); err != nil {
		if s.metrics != nil {
			s.metrics.Errors.Inc()
		}
		if s.logger != nil {
			s.logger.WithError(err).WithPeerID(string(msg.TargetID)).Warn("network: adapter send failed")
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.SyncMessagesSent.WithLabelValues(string(msg.Type)).Inc()
	}
	return nil
}

// IsReady is the conjunction of every registered adapter's readiness.
func (s *Subsystem) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.adapters {
		if !a.IsReady() {
			return false
		}
	}
	return true
}

// WhenReady calls fn once every adapter reports ready. With no adapters
// registered, fn runs immediately.
func (s *Subsystem) WhenReady(fn func()) {
	s.mu.RLock()
	adapters := append([]Adapter(nil), s.adapters...)
	s.mu.RUnlock()

	if len(adapters) == 0 {
		fn()
		return
	}
	var mu sync.Mutex
	remaining := len(adapters)
	for _, a := range adapters {
		a.WhenReady(func() {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				fn()
			}
		})
	}
}

// HasPeer reports whether peerID currently has a routed adapter.
func (s *Subsystem) HasPeer(peerID wire.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routing[peerID]
	return ok
}

// Shutdown disconnects every registered adapter.
func (s *Subsystem) Shutdown() {
	s.mu.Lock()
	adapters := append([]Adapter(nil), s.adapters...)
	s.routing = make(map[wire.PeerID]Adapter)
	s.mu.Unlock()
	for _, a := range adapters {
		_ = a.Disconnect()
	}
}

func randomSessionID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
