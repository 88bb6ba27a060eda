// Package remoteheads implements RemoteHeadsSubscriptions: a pure
// in-memory subscription graph that lets peers gossip the heads they have
// observed on behalf of a StorageId, so that a peer with no direct
// connection to a storage backend can still learn when its documents
// moved. Keyed by (documentId, storageId); newest timestamp wins.
package remoteheads

import (
	"sync"

	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/eventbus"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// Key identifies one (document, storage) pair in the subscription graph.
type Key struct {
	DocumentID docid.ID
	StorageID  wire.StorageID
}

// EventKey names the events Subscriptions emits.
type EventKey string

const (
	// EventNotifyRemoteHeads fires once per subscriber when our knowledge
	// of a (documentId, storageId) pair changes — Repo turns this into an
	// outbound remote-heads-changed message to TargetID.
	EventNotifyRemoteHeads EventKey = "notify-remote-heads"
	// EventChangeRemoteSubs fires when our own outbound subscription
	// interest toward a peer changes — Repo turns this into an outbound
	// remote-subscription-change message to TargetID.
	EventChangeRemoteSubs EventKey = "change-remote-subs"
)

// NotifyPayload is the payload of an EventNotifyRemoteHeads event.
type NotifyPayload struct {
	TargetID   wire.PeerID
	DocumentID docid.ID
	NewHeads   map[wire.StorageID]wire.RemoteHeadsEntry
}

// ChangeSubsPayload is the payload of an EventChangeRemoteSubs event.
type ChangeSubsPayload struct {
	TargetID wire.PeerID
	Add      []wire.StorageID
	Remove   []wire.StorageID
}

// Subscriptions is the RemoteHeadsSubscriptions component.
//
// Two independent subscription relations are tracked, matching the two
// wire control messages:
//
//   - theirWants[peer]: the StorageIds that peer asked us (via an inbound
//     remote-subscription-change) to notify them about, for any document.
//   - shared[peer]: the documents we are generously syncing with peer
//     (populated from CollectionSynchronizer's open-doc event) — a
//     generous peer is automatically a subscriber of every storage we
//     know about for a document we share with it, without
//     needing an explicit remote-subscription-change for that document.
//
// A peer is a subscriber of (documentId, storageId) when either relation
// would deliver it: it is generous for documentId, or it explicitly asked
// about storageId.
type Subscriptions struct {
	bus     *eventbus.Bus[EventKey]
	metrics *monitoring.Metrics

	mu         sync.Mutex
	theirWants map[wire.PeerID]map[wire.StorageID]bool
	shared     map[wire.PeerID]map[docid.ID]bool
	ourSubs    map[wire.PeerID]map[wire.StorageID]bool
	knowledge  map[Key]wire.RemoteHeadsEntry
}

// New constructs an empty Subscriptions.
func New(metrics *monitoring.Metrics) *Subscriptions {
	return &Subscriptions{
		bus:        eventbus.New[EventKey](),
		metrics:    metrics,
		theirWants: make(map[wire.PeerID]map[wire.StorageID]bool),
		shared:     make(map[wire.PeerID]map[docid.ID]bool),
		ourSubs:    make(map[wire.PeerID]map[wire.StorageID]bool),
		knowledge:  make(map[Key]wire.RemoteHeadsEntry),
	}
}

// On subscribes fn to one of the component's events.
func (s *Subscriptions) On(key EventKey, fn func(EventKey, any)) eventbus.Token {
	return s.bus.Subscribe(key, fn)
}

// Off removes a subscription returned by On.
func (s *Subscriptions) Off(tok eventbus.Token) { s.bus.Unsubscribe(tok) }

// MarkGenerous records that we are generously syncing documentID with
// peerID (called from CollectionSynchronizer's open-doc event), making
// peerID an automatic subscriber of every storage we know about for
// documentID.
func (s *Subscriptions) MarkGenerous(peerID wire.PeerID, documentID docid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.shared[peerID]
	if !ok {
		docs = make(map[docid.ID]bool)
		s.shared[peerID] = docs
	}
	docs[documentID] = true
	if s.metrics != nil {
		s.metrics.RemoteHeadsSubscriptions.Set(float64(s.subscriberCountLocked()))
	}
}

// RemovePeer discards every subscription relation involving peerID —
// called when the peer disconnects.
func (s *Subscriptions) RemovePeer(peerID wire.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.theirWants, peerID)
	delete(s.shared, peerID)
	delete(s.ourSubs, peerID)
	if s.metrics != nil {
		s.metrics.RemoteHeadsSubscriptions.Set(float64(s.subscriberCountLocked()))
	}
}

// ReceiveSubscriptionChange applies an inbound remote-subscription-change
// from peerID: it now wants (or no longer wants) to hear about the named
// storages, for any document.
func (s *Subscriptions) ReceiveSubscriptionChange(peerID wire.PeerID, add, remove []wire.StorageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wants, ok := s.theirWants[peerID]
	if !ok {
		wants = make(map[wire.StorageID]bool)
		s.theirWants[peerID] = wants
	}
	for _, id := range add {
		wants[id] = true
	}
	for _, id := range remove {
		delete(wants, id)
	}
	if s.metrics != nil {
		s.metrics.RemoteHeadsSubscriptions.Set(float64(s.subscriberCountLocked()))
	}
}

// Subscribe records that we want peerID to tell us about the named
// storages and emits EventChangeRemoteSubs so Repo can send peerID an
// outbound remote-subscription-change.
func (s *Subscriptions) Subscribe(peerID wire.PeerID, add, remove []wire.StorageID) {
	s.mu.Lock()
	subs, ok := s.ourSubs[peerID]
	if !ok {
		subs = make(map[wire.StorageID]bool)
		s.ourSubs[peerID] = subs
	}
	for _, id := range add {
		subs[id] = true
	}
	for _, id := range remove {
		delete(subs, id)
	}
	s.mu.Unlock()

	if len(add) == 0 && len(remove) == 0 {
		return
	}
	s.bus.Emit(EventChangeRemoteSubs, ChangeSubsPayload{TargetID: peerID, Add: add, Remove: remove})
}

// ObserveLocal records that we, ourselves, now believe storageID holds
// documentID at heads as of timestamp (observed via a DocSynchronizer
// sync-state event against a peer whose PeerMetadata named storageID).
// Last-writer-wins: a timestamp not newer than what we already hold is
// dropped. On a genuine update, every current subscriber of the pair is
// notified.
func (s *Subscriptions) ObserveLocal(documentID docid.ID, storageID wire.StorageID, heads []string, timestamp int64) {
	if storageID == "" {
		return
	}
	key := Key{DocumentID: documentID, StorageID: storageID}

	s.mu.Lock()
	if existing, ok := s.knowledge[key]; ok && existing.Timestamp >= timestamp {
		s.mu.Unlock()
		return
	}
	entry := wire.RemoteHeadsEntry{Heads: heads, Timestamp: timestamp}
	s.knowledge[key] = entry
	subscribers := s.subscribersLocked(documentID, storageID, "")
	s.mu.Unlock()

	s.notify(subscribers, documentID, map[wire.StorageID]wire.RemoteHeadsEntry{storageID: entry})
}

// ReceiveRemoteHeadsChanged applies an inbound remote-heads-changed from
// fromPeerID, keeping only entries whose timestamp is newer than what we
// already hold, and re-notifies our own subscribers of those (excluding
// fromPeerID, which already knows). Returns the entries that were
// genuinely new, for the caller (Repo) to apply to the DocHandle via
// SetRemoteHeads.
func (s *Subscriptions) ReceiveRemoteHeadsChanged(fromPeerID wire.PeerID, documentID docid.ID, newHeads map[wire.StorageID]wire.RemoteHeadsEntry) map[wire.StorageID]wire.RemoteHeadsEntry {
	changed := make(map[wire.StorageID]wire.RemoteHeadsEntry)

	s.mu.Lock()
	for storageID, entry := range newHeads {
		key := Key{DocumentID: documentID, StorageID: storageID}
		if existing, ok := s.knowledge[key]; ok && existing.Timestamp >= entry.Timestamp {
			continue
		}
		s.knowledge[key] = entry
		changed[storageID] = entry
	}
	if s.metrics != nil && len(changed) > 0 {
		s.metrics.RemoteHeadsChanges.Add(float64(len(changed)))
	}

	perStorageSubs := make(map[wire.StorageID]map[wire.PeerID]bool, len(changed))
	for storageID := range changed {
		perStorageSubs[storageID] = s.subscribersLocked(documentID, storageID, fromPeerID)
	}
	s.mu.Unlock()

	byTarget := make(map[wire.PeerID]map[wire.StorageID]wire.RemoteHeadsEntry)
	for storageID, subs := range perStorageSubs {
		for peerID := range subs {
			m, ok := byTarget[peerID]
			if !ok {
				m = make(map[wire.StorageID]wire.RemoteHeadsEntry)
				byTarget[peerID] = m
			}
			m[storageID] = changed[storageID]
		}
	}
	for peerID, m := range byTarget {
		s.bus.Emit(EventNotifyRemoteHeads, NotifyPayload{TargetID: peerID, DocumentID: documentID, NewHeads: m})
	}

	return changed
}

// subscribersLocked must be called with s.mu held. exclude, if non-empty,
// is omitted from the result.
func (s *Subscriptions) subscribersLocked(documentID docid.ID, storageID wire.StorageID, exclude wire.PeerID) map[wire.PeerID]bool {
	out := make(map[wire.PeerID]bool)
	for peerID, docs := range s.shared {
		if peerID == exclude {
			continue
		}
		if docs[documentID] {
			out[peerID] = true
		}
	}
	for peerID, wants := range s.theirWants {
		if peerID == exclude {
			continue
		}
		if wants[storageID] {
			out[peerID] = true
		}
	}
	return out
}

func (s *Subscriptions) subscriberCountLocked() int {
	total := 0
	for _, docs := range s.shared {
		total += len(docs)
	}
	for _, wants := range s.theirWants {
		total += len(wants)
	}
	return total
}

func (s *Subscriptions) notify(subscribers map[wire.PeerID]bool, documentID docid.ID, newHeads map[wire.StorageID]wire.RemoteHeadsEntry) {
	for peerID := range subscribers {
		s.bus.Emit(EventNotifyRemoteHeads, NotifyPayload{TargetID: peerID, DocumentID: documentID, NewHeads: newHeads})
	}
}
