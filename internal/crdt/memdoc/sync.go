package memdoc

import (
	"encoding/json"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
)

// SyncState is the per-peer progress memdoc's Engine keeps: which op
// hashes are already known to have reached (or come from) the peer, and
// whether the opening message of the exchange has been sent yet.
type SyncState struct {
	Known     map[string]bool
	Announced bool
}

// Engine is the trivial "send every op the peer hasn't acked yet" sync
// protocol used by internal/docsync's tests and the demo binary.
type Engine struct{}

var _ crdt.SyncEngine = Engine{}

func (Engine) NewSyncState() crdt.SyncState {
	return &SyncState{Known: make(map[string]bool)}
}

type syncMessage struct {
	Ops []Op `json:"ops"`
}

func (Engine) GenerateSyncMessage(doc crdt.Doc, state crdt.SyncState) (crdt.SyncState, []byte, bool) {
	d := doc.(*Doc)
	st := state.(*SyncState)

	d.mu.Lock()
	var toSend []Op
	for h, op := range d.ops {
		if !st.Known[h] {
			toSend = append(toSend, op)
		}
	}
	d.mu.Unlock()

	// The opening message of an exchange is sent even when there is
	// nothing to carry, so a document-less replica still has a request
	// payload and a caught-up replica still acks a new peer.
	if len(toSend) == 0 && st.Announced {
		return st, nil, false
	}
	st.Announced = true
	for _, op := range toSend {
		st.Known[op.Hash] = true
	}
	data, _ := json.Marshal(syncMessage{Ops: toSend})
	return st, data, true
}

func (Engine) ReceiveSyncMessage(doc crdt.Doc, state crdt.SyncState, msg []byte) (crdt.SyncState, bool, error) {
	d := doc.(*Doc)
	st := state.(*SyncState)

	var decoded syncMessage
	if err := json.Unmarshal(msg, &decoded); err != nil {
		return st, false, err
	}

	d.mu.Lock()
	before := append([]string(nil), d.heads...)
	changed := false
	for _, op := range decoded.Ops {
		st.Known[op.Hash] = true
		if _, exists := d.ops[op.Hash]; !exists {
			d.ops[op.Hash] = op
			changed = true
		}
	}
	if changed {
		d.heads = recomputeTips(d.ops)
	}
	after := d.heads
	d.mu.Unlock()

	return st, !headsEqual(before, after), nil
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
