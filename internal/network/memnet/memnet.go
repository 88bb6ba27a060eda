// Package memnet is an in-memory network.Adapter pair wired directly to
// each other's inbound message callback, standing in for a real socket
// transport.
// Used by the two-peer convergence tests and the demo binary.
package memnet

import (
	"sync"

	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// Adapter is one end of an in-memory link. Pair two with Link.
type Adapter struct {
	selfID wire.PeerID

	mu        sync.Mutex
	peer      *Adapter
	peerID    wire.PeerID
	connected bool
	ready     bool
	whenReady []func()

	onPeerCandidate    func(wire.PeerID, *Adapter)
	onPeerDisconnected func(wire.PeerID)
	onMessage          func(wire.Message)
}

// New constructs an unconnected Adapter for selfID. The three callbacks
// mirror the NetworkAdapter event contract (peer-candidate,
// peer-disconnected, message); a real binding would emit these as bus
// events, here they are plain function hooks the network.Subsystem wires
// at construction.
func New(selfID wire.PeerID, onPeerCandidate func(wire.PeerID, *Adapter), onPeerDisconnected func(wire.PeerID), onMessage func(wire.Message)) *Adapter {
	return &Adapter{
		selfID:             selfID,
		onPeerCandidate:    onPeerCandidate,
		onPeerDisconnected: onPeerDisconnected,
		onMessage:          onMessage,
	}
}

// Link connects a and b to each other, each immediately reporting the
// other as a peer-candidate and becoming ready, as if a transport
// handshake had completed.
func Link(a, b *Adapter) {
	a.mu.Lock()
	a.peer = b
	a.peerID = b.selfID
	a.connected = true
	a.ready = true
	cbs := append([]func(){}, a.whenReady...)
	a.whenReady = nil
	a.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
	if a.onPeerCandidate != nil {
		a.onPeerCandidate(b.selfID, a)
	}

	b.mu.Lock()
	b.peer = a
	b.peerID = a.selfID
	b.connected = true
	b.ready = true
	cbs = append([]func(){}, b.whenReady...)
	b.whenReady = nil
	b.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
	if b.onPeerCandidate != nil {
		b.onPeerCandidate(a.selfID, b)
	}
}

// Connect is a no-op placeholder satisfying network.Adapter; real linking
// happens via Link.
func (a *Adapter) Connect(peerID wire.PeerID, _ wire.PeerMetadata) error {
	return nil
}

// Disconnect tears down the link and notifies both sides.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	peer := a.peer
	peerID := a.peerID
	a.peer = nil
	a.connected = false
	a.ready = false
	a.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.connected = false
		peer.ready = false
		peer.mu.Unlock()
		if peer.onPeerDisconnected != nil {
			peer.onPeerDisconnected(a.selfID)
		}
	}
	if a.onPeerDisconnected != nil && peerID != "" {
		a.onPeerDisconnected(peerID)
	}
	return nil
}

// Send delivers msg to the linked peer's onMessage callback on its own
// goroutine, mirroring an async transport.
func (a *Adapter) Send(msg wire.Message) error {
	a.mu.Lock()
	peer := a.peer
	connected := a.connected
	a.mu.Unlock()
	if !connected || peer == nil {
		return wire.ErrAdapterSend
	}
	go func() {
		peer.mu.Lock()
		cb := peer.onMessage
		peer.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
	}()
	return nil
}

// IsReady reports whether the adapter is currently linked.
func (a *Adapter) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// WhenReady calls fn immediately if already linked, else defers it until
// Link runs.
func (a *Adapter) WhenReady(fn func()) {
	a.mu.Lock()
	if a.ready {
		a.mu.Unlock()
		fn()
		return
	}
	a.whenReady = append(a.whenReady, fn)
	a.mu.Unlock()
}
