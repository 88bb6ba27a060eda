// Package collsync implements the CollectionSynchronizer: it owns the set
// of known peers and the per-document DocSynchronizers, routes peer and
// document lifecycle events into them under a share-policy gate, and
// re-emits their union of events so the Repo observes a single source.
package collsync

import (
	"sync"

	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/docsync"
	"github.com/knirvcorp/automerge-repo-go/internal/eventbus"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// EventKey re-exports docsync's event vocabulary: CollectionSynchronizer
// re-emits exactly the events its DocSynchronizers produce.
type EventKey = docsync.EventKey

const (
	EventMessage   = docsync.EventMessage
	EventSyncState = docsync.EventSyncState
	EventOpenDoc   = docsync.EventOpenDoc
)

// SharePolicy decides whether a document is shared with a peer. Callable
// concurrently per (peerID, documentID) pair; results are never cached.
type SharePolicy func(peerID wire.PeerID, documentID docid.ID) bool

// DocSynchronizerFactory constructs a fresh DocSynchronizer for
// documentID. Supplied by Repo, which is the only component that knows
// how to resolve a documentID to a live DocHandle (creating one lazily if
// the id is unknown).
type DocSynchronizerFactory func(documentID docid.ID) *docsync.Synchronizer

// LoadSyncStateFunc resolves a persisted SyncState blob for (documentID,
// peerID, storageID), or nil if none is stored. Supplied by Repo, backed
// by the StorageSubsystem.
type LoadSyncStateFunc func(documentID docid.ID, peerID wire.PeerID, storageID wire.StorageID) []byte

// Synchronizer is the CollectionSynchronizer.
type Synchronizer struct {
	newDocSync    DocSynchronizerFactory
	loadSyncState LoadSyncStateFunc
	sharePolicy   SharePolicy
	logger        *logging.Logger
	bus           *eventbus.Bus[EventKey]

	mu               sync.Mutex
	peers            map[wire.PeerID]wire.PeerMetadata
	docSynchronizers map[docid.ID]*docsync.Synchronizer
	docSetUp         map[docid.ID]bool
}

// New constructs a Synchronizer. sharePolicy nil is treated as
// "everyone is generous" (always true).
func New(newDocSync DocSynchronizerFactory, loadSyncState LoadSyncStateFunc, sharePolicy SharePolicy, logger *logging.Logger) *Synchronizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Synchronizer{
		newDocSync:       newDocSync,
		loadSyncState:    loadSyncState,
		sharePolicy:      sharePolicy,
		logger:           logger,
		bus:              eventbus.New[EventKey](),
		peers:            make(map[wire.PeerID]wire.PeerMetadata),
		docSynchronizers: make(map[docid.ID]*docsync.Synchronizer),
		docSetUp:         make(map[docid.ID]bool),
	}
}

// On subscribes fn to one of the re-emitted DocSynchronizer events.
func (c *Synchronizer) On(key EventKey, fn func(EventKey, any)) eventbus.Token {
	return c.bus.Subscribe(key, fn)
}

// Off removes a subscription returned by On.
func (c *Synchronizer) Off(tok eventbus.Token) { c.bus.Unsubscribe(tok) }

// HasPeer reports whether peerID is currently known to the collection
// synchronizer.
func (c *Synchronizer) HasPeer(peerID wire.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[peerID]
	return ok
}

// Peers returns the currently known peer ids.
func (c *Synchronizer) Peers() []wire.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PeerID, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Synchronizer) isGenerous(peerID wire.PeerID, documentID docid.ID) bool {
	if c.sharePolicy == nil {
		return true
	}
	return c.sharePolicy(peerID, documentID)
}

// AddPeer is idempotent: adding a peer already known to the synchronizer
// is a no-op. For a newly seen peer, every existing DocSynchronizer is
// asked the share policy and begins sync when it answers true.
func (c *Synchronizer) AddPeer(peerID wire.PeerID, meta wire.PeerMetadata) {
	c.mu.Lock()
	if _, exists := c.peers[peerID]; exists {
		c.mu.Unlock()
		return
	}
	c.peers[peerID] = meta
	docs := make(map[docid.ID]*docsync.Synchronizer, len(c.docSynchronizers))
	for id, ds := range c.docSynchronizers {
		docs[id] = ds
	}
	c.mu.Unlock()

	for documentID, ds := range docs {
		if c.isGenerous(peerID, documentID) {
			c.beginSyncWith(ds, documentID, []wire.PeerID{peerID})
		}
	}
}

// RemovePeer discards peerID from every DocSynchronizer's sync state
// (invoked e.g. when the underlying adapter reports peer-disconnected).
func (c *Synchronizer) RemovePeer(peerID wire.PeerID) {
	c.mu.Lock()
	delete(c.peers, peerID)
	docs := make([]*docsync.Synchronizer, 0, len(c.docSynchronizers))
	for _, ds := range c.docSynchronizers {
		docs = append(docs, ds)
	}
	c.mu.Unlock()

	for _, ds := range docs {
		ds.EndSync(peerID)
	}
}

// AddDocument is idempotent via the docSetUp flag: a DocSynchronizer is
// created and began-sync'd at most once per document until
// RemoveDocument clears that flag. Creates the DocSynchronizer if needed
// and begins sync with every currently known generous peer.
func (c *Synchronizer) AddDocument(documentID docid.ID) {
	c.mu.Lock()
	if c.docSetUp[documentID] {
		c.mu.Unlock()
		return
	}
	c.docSetUp[documentID] = true
	c.mu.Unlock()

	ds := c.getOrCreate(documentID)
	c.beginGenerousSync(ds, documentID)
}

// RemoveDocument drops the DocSynchronizer and its setup flag. Any
// outbound message it had scheduled via debounce is discarded.
func (c *Synchronizer) RemoveDocument(documentID docid.ID) {
	c.mu.Lock()
	ds, ok := c.docSynchronizers[documentID]
	delete(c.docSynchronizers, documentID)
	delete(c.docSetUp, documentID)
	c.mu.Unlock()
	if ok {
		ds.Close()
	}
}

// ReceiveMessage ensures a DocSynchronizer exists for msg.DocumentID
// (lazily creating one, so a message referencing an unknown document
// still gets routed — Repo's newDocSync factory is responsible for
// minting the backing DocHandle too), feeds it the message, then begins
// sync with any newly-generous peer not already known to that
// synchronizer, so late subscribers catch up.
func (c *Synchronizer) ReceiveMessage(msg wire.Message) {
	ds := c.getOrCreate(msg.DocumentID)
	c.mu.Lock()
	c.docSetUp[msg.DocumentID] = true
	c.mu.Unlock()

	ds.ReceiveMessage(msg)
	c.beginGenerousSync(ds, msg.DocumentID)
}

func (c *Synchronizer) getOrCreate(documentID docid.ID) *docsync.Synchronizer {
	c.mu.Lock()
	ds, ok := c.docSynchronizers[documentID]
	c.mu.Unlock()
	if ok {
		return ds
	}

	ds = c.newDocSync(documentID)
	ds.On(docsync.EventMessage, func(k docsync.EventKey, payload any) { c.bus.Emit(EventMessage, payload) })
	ds.On(docsync.EventSyncState, func(k docsync.EventKey, payload any) { c.bus.Emit(EventSyncState, payload) })
	ds.On(docsync.EventOpenDoc, func(k docsync.EventKey, payload any) { c.bus.Emit(EventOpenDoc, payload) })

	c.mu.Lock()
	if existing, raced := c.docSynchronizers[documentID]; raced {
		c.mu.Unlock()
		ds.Close() // lost the construction race; detach from the shared handle
		return existing
	}
	c.docSynchronizers[documentID] = ds
	c.mu.Unlock()
	return ds
}

func (c *Synchronizer) beginGenerousSync(ds *docsync.Synchronizer, documentID docid.ID) {
	c.mu.Lock()
	peers := make([]wire.PeerID, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	var generous []wire.PeerID
	for _, p := range peers {
		if c.isGenerous(p, documentID) {
			generous = append(generous, p)
		}
	}
	if len(generous) > 0 {
		c.beginSyncWith(ds, documentID, generous)
	}
}

func (c *Synchronizer) beginSyncWith(ds *docsync.Synchronizer, documentID docid.ID, peerIDs []wire.PeerID) {
	c.mu.Lock()
	meta := make(map[wire.PeerID]wire.PeerMetadata, len(peerIDs))
	for _, p := range peerIDs {
		if m, ok := c.peers[p]; ok {
			meta[p] = m
		}
	}
	c.mu.Unlock()

	var loadFn func(wire.PeerID, wire.StorageID) []byte
	if c.loadSyncState != nil {
		loadFn = func(peerID wire.PeerID, storageID wire.StorageID) []byte {
			return c.loadSyncState(documentID, peerID, storageID)
		}
	}
	ds.BeginSync(peerIDs, meta, loadFn)
}
