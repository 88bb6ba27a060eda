package wire

import "errors"

// Error kinds the core raises. Boundary operations return these to the
// caller. The storage and network subsystems log and count storage/adapter
// failures (see internal/logging, internal/monitoring) and also return them;
// Repo logs and drops them on debounced saves and outbound messages, and
// returns storage failures from Flush.
var (
	ErrInvalidDocumentID = errors.New("automerge-repo: invalid document id")
	ErrNotReady          = errors.New("automerge-repo: handle is not ready")
	ErrHandleDeleted     = errors.New("automerge-repo: handle has been deleted")
	ErrUnavailable       = errors.New("automerge-repo: document is unavailable")
	ErrStorageFailure    = errors.New("automerge-repo: storage operation failed")
	ErrAdapterSend       = errors.New("automerge-repo: adapter send failed")
)
