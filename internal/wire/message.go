// Package wire defines the identifiers, peer metadata, and wire message
// envelope exchanged between a Repo and the NetworkAdapters/StorageAdapters
// it orchestrates. These types are the shared vocabulary of the core; apart
// from Message.Valid's field check they carry no behavior of their own.
package wire

import "github.com/knirvcorp/automerge-repo-go/internal/docid"

// PeerID is a free-form, process-unique string. Two PeerIDs naming the same
// logical peer across reconnects are treated as the same peer by identity
// comparison only — the core does no normalization.
type PeerID string

// StorageID identifies a storage backend, not a peer. Multiple peers may
// share a StorageID; ephemeral peers have none.
type StorageID string

// PeerMetadata is exchanged once at connection setup.
type PeerMetadata struct {
	StorageID   StorageID
	IsEphemeral bool
}

// MessageType enumerates the wire message kinds.
type MessageType string

const (
	MessageSync                     MessageType = "sync"
	MessageRequest                  MessageType = "request"
	MessageDocUnavailable           MessageType = "doc-unavailable"
	MessageEphemeral                MessageType = "ephemeral"
	MessageRemoteSubscriptionChange MessageType = "remote-subscription-change"
	MessageRemoteHeadsChanged       MessageType = "remote-heads-changed"
)

// RemoteHeadsEntry is one storage's advertised heads, with the timestamp at
// which they were observed (last-writer-wins per (documentId, storageId)).
type RemoteHeadsEntry struct {
	Heads     []string
	Timestamp int64
}

// Message is the generic envelope for every message type. Fields not
// applicable to a given Type are left zero. Valid reports whether a message
// carries the fields its type requires (Type, SenderID, TargetID, and
// DocumentID where applicable); Repo and NetworkSubsystem do not call it on
// inbound messages.
type Message struct {
	Type       MessageType
	SenderID   PeerID
	TargetID   PeerID
	DocumentID docid.ID

	// sync / request
	Data []byte

	// ephemeral
	Count     uint32
	SessionID string

	// remote-subscription-change
	Add    []StorageID
	Remove []StorageID

	// remote-heads-changed
	NewHeads map[StorageID]RemoteHeadsEntry
}

// Valid reports whether the required fields for msg.Type are present.
func (msg Message) Valid() bool {
	if msg.Type == "" || msg.SenderID == "" || msg.TargetID == "" {
		return false
	}
	switch msg.Type {
	case MessageSync, MessageRequest:
		return !msg.DocumentID.IsZero() && len(msg.Data) > 0
	case MessageDocUnavailable:
		return !msg.DocumentID.IsZero()
	case MessageEphemeral:
		return !msg.DocumentID.IsZero() && msg.SessionID != ""
	case MessageRemoteSubscriptionChange:
		return true
	case MessageRemoteHeadsChanged:
		return !msg.DocumentID.IsZero()
	default:
		return false
	}
}
