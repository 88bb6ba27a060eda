// Package docrepo implements Repo: the facade that wires the DocHandle
// cache, StorageSubsystem, NetworkSubsystem, CollectionSynchronizer, and
// RemoteHeadsSubscriptions together behind one small public surface
// (create/find/clone/delete/import/export/flush).
package docrepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knirvcorp/automerge-repo-go/internal/collsync"
	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/debounce"
	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/docsync"
	"github.com/knirvcorp/automerge-repo-go/internal/handle"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/network"
	"github.com/knirvcorp/automerge-repo-go/internal/remoteheads"
	"github.com/knirvcorp/automerge-repo-go/internal/storage"
	"github.com/knirvcorp/automerge-repo-go/internal/tracing"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultSaveDebounceRate is Repo's default trailing-edge delay before a
// changed document is actually persisted.
const DefaultSaveDebounceRate = 100 * time.Millisecond

// AdapterFactory builds a NetworkAdapter bound to sub's callback methods
// (HandlePeerCandidate, HandlePeerDisconnected, HandleInboundMessage).
// Adapters that need to report their own events (memnet, a real
// transport) are necessarily constructed after the NetworkSubsystem they
// report into exists, so Options takes factories rather than
// already-built Adapters.
type AdapterFactory func(sub *network.Subsystem) network.Adapter

// Options configures a Repo.
type Options struct {
	Storage                    storage.Adapter
	Network                    []AdapterFactory
	PeerID                     wire.PeerID
	SharePolicy                collsync.SharePolicy
	IsEphemeral                bool
	EnableRemoteHeadsGossiping bool

	Factory    crdt.Factory
	SyncEngine crdt.SyncEngine
	StateCodec *docsync.StateCodec

	SaveDebounceRate           time.Duration
	SyncDebounceRate           time.Duration
	StorageCompactionThreshold int
	HandleTimeoutDelay         time.Duration

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Repo is the facade over the whole document-sync stack.
type Repo struct {
	selfID  wire.PeerID
	factory crdt.Factory
	engine  crdt.SyncEngine
	codec   *docsync.StateCodec
	// isEphemeral records what we'd advertise as our own PeerMetadata on
	// connect; none of the shipped Adapters (see internal/network/memnet)
	// perform that exchange, so there is nothing to wire it into yet.
	isEphemeral bool
	gossip      bool

	syncDebounceRate time.Duration
	timeoutDelay     time.Duration

	logger  *logging.Logger
	metrics *monitoring.Metrics

	storage     *storage.Subsystem
	network     *network.Subsystem
	collSync    *collsync.Synchronizer
	remoteHeads *remoteheads.Subscriptions

	saveDebounce      *debounce.Debouncer[docid.ID]
	syncStateDebounce *debounce.Debouncer[wire.StorageID]

	mu                    sync.Mutex
	handles               map[docid.ID]*handle.Handle
	peerMeta              map[wire.PeerID]wire.PeerMetadata
	pendingSyncStateSaves map[wire.StorageID]map[docid.ID][]byte
}

// New constructs a Repo from opts, minting a random PeerID if none was
// supplied.
func New(opts Options) *Repo {
	if opts.PeerID == "" {
		opts.PeerID = wire.PeerID(uuid.NewString())
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if opts.SaveDebounceRate <= 0 {
		opts.SaveDebounceRate = DefaultSaveDebounceRate
	}
	if opts.SyncDebounceRate <= 0 {
		opts.SyncDebounceRate = docsync.DefaultSyncDebounceRate
	}

	r := &Repo{
		selfID:                opts.PeerID,
		factory:               opts.Factory,
		engine:                opts.SyncEngine,
		codec:                 opts.StateCodec,
		isEphemeral:           opts.IsEphemeral,
		gossip:                opts.EnableRemoteHeadsGossiping,
		syncDebounceRate:      opts.SyncDebounceRate,
		timeoutDelay:          opts.HandleTimeoutDelay,
		logger:                opts.Logger,
		metrics:               opts.Metrics,
		network:               network.New(opts.PeerID, opts.Logger, opts.Metrics),
		remoteHeads:           remoteheads.New(opts.Metrics),
		saveDebounce:          debounce.New[docid.ID](opts.SaveDebounceRate),
		syncStateDebounce:     debounce.New[wire.StorageID](opts.SaveDebounceRate),
		handles:               make(map[docid.ID]*handle.Handle),
		peerMeta:              make(map[wire.PeerID]wire.PeerMetadata),
		pendingSyncStateSaves: make(map[wire.StorageID]map[docid.ID][]byte),
	}

	if opts.Storage != nil {
		r.storage = storage.New(opts.Storage, opts.Factory, opts.StorageCompactionThreshold, opts.Logger, opts.Metrics)
	}

	r.collSync = collsync.New(r.newDocSynchronizer, r.loadSyncStateFor, opts.SharePolicy, opts.Logger)

	for _, f := range opts.Network {
		r.network.AddAdapter(f(r.network))
	}

	r.wireNetwork()
	r.wireCollSync()
	r.wireRemoteHeads()

	return r
}

// SelfID returns the Repo's own PeerID.
func (r *Repo) SelfID() wire.PeerID { return r.selfID }

// Network exposes the underlying NetworkSubsystem, e.g. so a caller can
// register a peer's metadata after its own handshake completes.
func (r *Repo) Network() *network.Subsystem { return r.network }

// AddPeer registers meta for peerID and feeds it into the
// CollectionSynchronizer, as a real adapter handshake would report to
// Repo once the PeerMetadata exchange completes. The Adapter contract
// does not itself carry metadata on peer-candidate, so Repo exposes this
// as the explicit seam; an adapter binding that negotiates metadata on
// connect calls this once it has it.
func (r *Repo) AddPeer(peerID wire.PeerID, meta wire.PeerMetadata) {
	r.mu.Lock()
	r.peerMeta[peerID] = meta
	r.mu.Unlock()
	r.collSync.AddPeer(peerID, meta)
}

// wireNetwork does not subscribe to EventPeerCandidate: the shipped
// NetworkAdapter contract has no way to carry PeerMetadata on that event,
// so a Repo learns of a peer's metadata (and feeds it to the collection
// synchronizer) only through an explicit call to AddPeer.
func (r *Repo) wireNetwork() {
	r.network.On(network.EventPeerDisconnected, func(_ network.EventKey, payload any) {
		peerID := payload.(wire.PeerID)
		r.collSync.RemovePeer(peerID)
		r.remoteHeads.RemovePeer(peerID)
		r.mu.Lock()
		delete(r.peerMeta, peerID)
		r.mu.Unlock()
	})
	r.network.On(network.EventMessage, func(_ network.EventKey, payload any) {
		r.handleInbound(payload.(wire.Message))
	})
}

func (r *Repo) wireCollSync() {
	r.collSync.On(collsync.EventMessage, func(_ collsync.EventKey, payload any) {
		p := payload.(docsync.MessagePayload)
		if err := r.network.Send(p.Message); err != nil {
			r.logger.WithError(err).WithPeerID(string(p.Message.TargetID)).Warn("docrepo: outbound sync message dropped")
		}
	})
	r.collSync.On(collsync.EventSyncState, func(_ collsync.EventKey, payload any) {
		r.handleSyncState(payload.(docsync.SyncStatePayload))
	})
	r.collSync.On(collsync.EventOpenDoc, func(_ collsync.EventKey, payload any) {
		p := payload.(docsync.OpenDocPayload)
		if r.gossip {
			r.remoteHeads.MarkGenerous(p.PeerID, p.DocumentID)
		}
	})
}

func (r *Repo) wireRemoteHeads() {
	r.remoteHeads.On(remoteheads.EventNotifyRemoteHeads, func(_ remoteheads.EventKey, payload any) {
		p := payload.(remoteheads.NotifyPayload)
		_ = r.network.Send(wire.Message{
			Type:       wire.MessageRemoteHeadsChanged,
			TargetID:   p.TargetID,
			DocumentID: p.DocumentID,
			NewHeads:   p.NewHeads,
		})
	})
	r.remoteHeads.On(remoteheads.EventChangeRemoteSubs, func(_ remoteheads.EventKey, payload any) {
		p := payload.(remoteheads.ChangeSubsPayload)
		_ = r.network.Send(wire.Message{
			Type:     wire.MessageRemoteSubscriptionChange,
			TargetID: p.TargetID,
			Add:      p.Add,
			Remove:   p.Remove,
		})
	})
}

func (r *Repo) handleInbound(msg wire.Message) {
	switch msg.Type {
	case wire.MessageRemoteSubscriptionChange:
		r.remoteHeads.ReceiveSubscriptionChange(msg.SenderID, msg.Add, msg.Remove)
	case wire.MessageRemoteHeadsChanged:
		changed := r.remoteHeads.ReceiveRemoteHeadsChanged(msg.SenderID, msg.DocumentID, msg.NewHeads)
		if len(changed) == 0 {
			return
		}
		h := r.getOrCreateHandle(msg.DocumentID)
		for storageID, entry := range changed {
			h.SetRemoteHeads(storageID, entry.Heads)
		}
	default:
		// sync / request / doc-unavailable / ephemeral: the collection
		// synchronizer lazily creates the DocSynchronizer (and, via
		// newDocSynchronizer, the backing DocHandle) if this documentId
		// is unknown to this Repo.
		r.collSync.ReceiveMessage(msg)
	}
}

func (r *Repo) handleSyncState(p docsync.SyncStatePayload) {
	r.mu.Lock()
	meta := r.peerMeta[p.PeerID]
	h := r.handles[p.DocumentID]
	r.mu.Unlock()

	if r.gossip && h != nil && p.StorageID != "" {
		if heads, err := h.Heads(); err == nil {
			r.remoteHeads.ObserveLocal(p.DocumentID, p.StorageID, heads, time.Now().UnixMilli())
		}
	}

	if meta.IsEphemeral || p.StorageID == "" || p.Data == nil {
		return
	}

	storageID := p.StorageID
	r.mu.Lock()
	pending, ok := r.pendingSyncStateSaves[storageID]
	if !ok {
		pending = make(map[docid.ID][]byte)
		r.pendingSyncStateSaves[storageID] = pending
	}
	pending[p.DocumentID] = p.Data
	r.mu.Unlock()

	r.syncStateDebounce.Trigger(storageID, func() { r.flushSyncStateSaves(storageID) })
}

func (r *Repo) flushSyncStateSaves(storageID wire.StorageID) {
	if r.storage == nil {
		return
	}
	r.mu.Lock()
	pending := r.pendingSyncStateSaves[storageID]
	delete(r.pendingSyncStateSaves, storageID)
	r.mu.Unlock()

	for documentID, data := range pending {
		if err := r.storage.SaveSyncState(documentID, storageID, data); err != nil {
			r.logger.WithError(err).Warn("docrepo: failed to persist sync state")
		}
	}
}

func (r *Repo) loadSyncStateFor(documentID docid.ID, _ wire.PeerID, storageID wire.StorageID) []byte {
	if r.storage == nil || storageID == "" {
		return nil
	}
	data, err := r.storage.LoadSyncState(documentID, storageID)
	if err != nil {
		r.logger.WithError(err).Warn("docrepo: failed to load persisted sync state")
		return nil
	}
	return data
}

func (r *Repo) newDocSynchronizer(documentID docid.ID) *docsync.Synchronizer {
	h := r.getOrCreateHandle(documentID)
	return docsync.New(documentID, h, r.engine, r.codec, r.syncDebounceRate, r.logger, r.metrics)
}

// Create mints a fresh DocumentId, seeds a handle with initialValue (or
// an empty document), marks it READY, and registers it with storage and
// the collection synchronizer.
func (r *Repo) Create(initialValue map[string]any) *handle.Handle {
	_, span := tracing.StartSpan(context.Background(), "docrepo.Create")
	defer span.End()
	id := docid.New()
	span.SetAttributes(attribute.String("document_id", id.String()))
	h := handle.New(id, r.factory, r.logger, r.metrics, handle.Options{
		IsNew:        true,
		InitialValue: initialValue,
		TimeoutDelay: r.timeoutDelay,
	})
	r.register(h)
	r.collSync.AddDocument(id)
	r.saveDebounce.Trigger(id, func() { r.saveErr(id) })
	return h
}

// Find returns the cached handle for urlOrID if present; otherwise it
// creates a new handle in LOADING, attempts a storage load, and on a miss
// waits for network readiness before moving to REQUESTING.
func (r *Repo) Find(urlOrID string) (*handle.Handle, error) {
	_, span := tracing.StartSpan(context.Background(), "docrepo.Find", attribute.String("requested", urlOrID))
	defer span.End()
	id, err := docid.Parse(urlOrID)
	if err != nil {
		return nil, err
	}
	return r.FindByID(id), nil
}

// FindByID is Find without the URL/id-string parsing step.
func (r *Repo) FindByID(id docid.ID) *handle.Handle {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if ok {
		h.ReannounceUnavailable()
		return h
	}
	return r.getOrCreateHandle(id)
}

func (r *Repo) getOrCreateHandle(id docid.ID) *handle.Handle {
	r.mu.Lock()
	if h, ok := r.handles[id]; ok {
		r.mu.Unlock()
		return h
	}
	h := handle.New(id, r.factory, r.logger, r.metrics, handle.Options{TimeoutDelay: r.timeoutDelay})
	r.handles[id] = h
	r.mu.Unlock()

	r.wireHandle(h)
	r.beginLoad(h)
	return h
}

func (r *Repo) register(h *handle.Handle) {
	r.mu.Lock()
	r.handles[h.DocumentID()] = h
	r.mu.Unlock()
	r.wireHandle(h)
}

func (r *Repo) wireHandle(h *handle.Handle) {
	id := h.DocumentID()
	h.On(handle.EventHeadsChanged, func(handle.EventKey, any) {
		r.saveDebounce.Trigger(id, func() { r.saveErr(id) })
	})
}

// beginLoad drives an IDLE handle through Load/DoneLoading against
// storage, falling back to a network request on a storage miss.
func (r *Repo) beginLoad(h *handle.Handle) {
	if err := h.Load(); err != nil {
		return
	}
	id := h.DocumentID()
	go func() {
		var doc crdt.Doc
		if r.storage != nil {
			loaded, err := r.storage.LoadDoc(id)
			if err != nil {
				r.logger.WithError(err).WithDocumentID(id.String()).Warn("docrepo: storage load failed")
			}
			doc = loaded
		}
		if doc != nil {
			_ = h.DoneLoading(doc)
			r.collSync.AddDocument(id)
			return
		}
		r.network.WhenReady(func() {
			_ = h.DoneLoading(nil)
			r.collSync.AddDocument(id)
		})
	}()
}

// Clone requires source READY and non-empty; mints a new id and copies
// history via the CRDT engine's Fork.
func (r *Repo) Clone(source *handle.Handle) (*handle.Handle, error) {
	if !source.IsReady() {
		return nil, wire.ErrUnavailable
	}
	heads, err := source.Heads()
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, wire.ErrUnavailable
	}
	snapshot, err := source.View(heads)
	if err != nil {
		return nil, err
	}

	id := docid.New()
	h := handle.New(id, r.factory, r.logger, r.metrics, handle.Options{TimeoutDelay: r.timeoutDelay})
	if err := h.Load(); err != nil {
		return nil, err
	}
	if err := h.DoneLoading(snapshot.Fork()); err != nil {
		return nil, err
	}
	r.register(h)
	r.collSync.AddDocument(id)
	r.saveDebounce.Trigger(id, func() { r.saveErr(id) })
	return h, nil
}

// Delete transitions the handle to DELETED, removes it from the cache,
// and asks storage to remove its persisted keys.
func (r *Repo) Delete(id docid.ID) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", wire.ErrInvalidDocumentID, id)
	}

	if err := h.Delete(); err != nil {
		return err
	}
	r.collSync.RemoveDocument(id)
	r.saveDebounce.Cancel(id)

	if r.storage != nil {
		if err := r.storage.RemoveDoc(id); err != nil {
			r.logger.WithError(err).WithDocumentID(id.String()).Warn("docrepo: failed to remove document from storage")
		}
	}
	return nil
}

// Export awaits the handle reaching READY, UNAVAILABLE or DELETED and, if it
// is READY, returns a full serialized CRDT document; otherwise it returns
// the error from Heads.
func (r *Repo) Export(ctx context.Context, id docid.ID) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "docrepo.Export", attribute.String("document_id", id.String()))
	defer span.End()
	h := r.FindByID(id)
	if err := h.AwaitState(ctx, handle.READY, handle.UNAVAILABLE, handle.DELETED); err != nil {
		return nil, err
	}
	heads, err := h.Heads()
	if err != nil {
		return nil, err
	}
	doc, err := h.View(heads)
	if err != nil {
		return nil, err
	}
	return doc.Save(), nil
}

// Import seeds a new handle from a serialized CRDT document, as Create
// does from an initial value.
func (r *Repo) Import(data []byte) (*handle.Handle, error) {
	doc, err := r.factory.Load(data)
	if err != nil {
		return nil, err
	}
	id := docid.New()
	h := handle.New(id, r.factory, r.logger, r.metrics, handle.Options{TimeoutDelay: r.timeoutDelay})
	if err := h.Load(); err != nil {
		return nil, err
	}
	if err := h.DoneLoading(doc); err != nil {
		return nil, err
	}
	r.register(h)
	r.collSync.AddDocument(id)
	r.saveDebounce.Trigger(id, func() { r.saveErr(id) })
	return h, nil
}

// Flush forces an immediate storage save of the named handles, or every
// cached handle if none are named.
func (r *Repo) Flush(ids ...docid.ID) error {
	_, span := tracing.StartSpan(context.Background(), "docrepo.Flush", attribute.Int("requested_count", len(ids)))
	defer span.End()
	if len(ids) == 0 {
		r.mu.Lock()
		for id := range r.handles {
			ids = append(ids, id)
		}
		r.mu.Unlock()
	}
	var firstErr error
	for _, id := range ids {
		r.saveDebounce.Cancel(id)
		if err := r.save(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) saveErr(id docid.ID) {
	if err := r.save(id); err != nil {
		r.logger.WithError(err).WithDocumentID(id.String()).Warn("docrepo: debounced save failed")
	}
}

func (r *Repo) save(id docid.ID) error {
	if r.storage == nil {
		return nil
	}
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	heads, err := h.Heads()
	if err != nil {
		return nil // not READY: nothing to save yet
	}
	doc, err := h.View(heads)
	if err != nil {
		return err
	}
	return r.storage.SaveDoc(id, doc)
}

// RemoveFromCache drops id from the handle cache, permitted only when the
// handle is in one of {READY, UNLOADED, DELETED, UNAVAILABLE} (a READY
// handle is unloaded first, retaining its last known doc).
func (r *Repo) RemoveFromCache(id docid.ID) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	switch h.State() {
	case handle.READY:
		if err := h.Unload(); err != nil {
			return err
		}
	case handle.UNLOADED, handle.DELETED, handle.UNAVAILABLE:
	default:
		r.logger.WithDocumentID(id.String()).Warn("docrepo: removeFromCache called on a handle not in READY/UNLOADED/DELETED/UNAVAILABLE")
		return fmt.Errorf("docrepo: cannot remove handle %s in state %s from cache", id, h.State())
	}

	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
	return nil
}

// Handles returns a snapshot of every currently cached DocumentId.
func (r *Repo) Handles() []docid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]docid.ID, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}

// Shutdown disconnects every network adapter and flushes all handles.
func (r *Repo) Shutdown() error {
	err := r.Flush()
	r.network.Shutdown()
	r.saveDebounce.Stop()
	r.syncStateDebounce.Stop()
	return err
}
