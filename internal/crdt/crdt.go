// Package crdt defines the interface boundary to the external CRDT engine.
// Per the purpose and scope of this repo, the engine itself — load, save,
// merge, sync, and patch semantics over a concrete CRDT — is out of scope:
// the core only needs a Doc it can fork/change/merge/diff, and a SyncEngine
// it can hand opaque sync-state and wire bytes to. A real binding (e.g. to
// Automerge) implements Factory and SyncEngine; internal/crdt/memdoc is a
// deterministic stand-in used by the core's own tests and demo.
package crdt

// ChangeTx is the mutation surface handed to a Doc.Change callback.
type ChangeTx interface {
	Set(path string, value any) error
	Delete(path string) error
}

// Doc is one CRDT document value, identified at any instant by its Heads.
type Doc interface {
	// Heads returns the set of change hashes uniquely identifying this
	// document's current version.
	Heads() []string

	// Fork returns an independent copy sharing no further mutation with
	// this Doc (used by Repo.clone).
	Fork() Doc

	// Change runs fn against a mutable view and commits a single change.
	// The returned heads are the new heads after commit.
	Change(fn func(ChangeTx) error) ([]string, error)

	// ChangeAt commits fn as if the document were at the given heads,
	// producing new, possibly-concurrent heads without discarding any
	// change already present in the document.
	ChangeAt(heads []string, fn func(ChangeTx) error) ([]string, error)

	// Merge applies other's changes into this Doc.
	Merge(other Doc) error

	// Save serializes the full document.
	Save() []byte

	// View returns a read-only Doc as of heads.
	View(heads []string) (Doc, error)

	// Diff returns an opaque patch from one set of heads to another.
	Diff(from, to []string) ([]byte, error)

	// Value returns the document's current materialized value.
	Value() map[string]any
}

// SyncState is opaque per-peer sync protocol state.
type SyncState interface{}

// SyncEngine drives the sync protocol between two replicas of a Doc,
// exchanging opaque wire bytes via generated/received sync messages.
type SyncEngine interface {
	// NewSyncState returns a fresh state for a peer with no prior history.
	NewSyncState() SyncState

	// GenerateSyncMessage returns the next outbound sync message for doc
	// given state, the possibly-updated state, and whether a message was
	// produced (false when there is nothing new to send).
	GenerateSyncMessage(doc Doc, state SyncState) (SyncState, []byte, bool)

	// ReceiveSyncMessage applies an inbound sync message to doc, returning
	// the updated state and whether doc's heads changed.
	ReceiveSyncMessage(doc Doc, state SyncState, msg []byte) (SyncState, bool, error)
}

// Factory constructs and loads documents for a given engine.
type Factory interface {
	New() Doc
	Load(data []byte) (Doc, error)
}
