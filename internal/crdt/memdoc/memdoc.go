// Package memdoc is a deterministic, in-memory stand-in for a real
// CRDT engine binding (e.g. Automerge), implementing internal/crdt's Doc,
// Factory, and SyncEngine interfaces. It backs the core's own tests and the
// demo binary; nothing outside tests/cmd imports it.
//
// Documents are a flat last-writer-wins map. Each Change/ChangeAt call
// commits one Op whose hash is content-addressed (blake2b-256 of its
// canonical encoding) and whose Deps are the heads it was committed against
// — the same shape as a real CRDT change DAG, just without run-length
// columnar encoding or real operational transform. Conflicting concurrent
// writes to the same path are resolved by (Lamport, Actor, Hash).
package memdoc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
)

// Write is one field mutation within an Op.
type Write struct {
	Path    string
	Value   any
	Deleted bool
}

// Op is one committed change.
type Op struct {
	Hash    string
	Deps    []string
	Actor   string
	Seq     int
	Lamport int64
	Writes  []Write
}

// Doc is the in-memory LWW document.
type Doc struct {
	mu    sync.Mutex
	actor string
	seq   int
	ops   map[string]Op
	heads []string
}

var _ crdt.Doc = (*Doc)(nil)

// New constructs an empty document with a fresh random actor id.
func New() *Doc {
	return &Doc{actor: uuid.NewString(), ops: make(map[string]Op)}
}

// NewWithActor constructs an empty document with an explicit actor id, so
// every local change on it is attributed to that actor.
func NewWithActor(actor string) *Doc {
	return &Doc{actor: actor, ops: make(map[string]Op)}
}

type tx struct {
	writes []Write
}

func (t *tx) Set(path string, value any) error {
	t.writes = append(t.writes, Write{Path: path, Value: value})
	return nil
}

func (t *tx) Delete(path string) error {
	t.writes = append(t.writes, Write{Path: path, Deleted: true})
	return nil
}

// Heads returns the current tip op hashes.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.heads...)
}

// Fork returns an independent copy of the document's full op log.
func (d *Doc) Fork() crdt.Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := &Doc{actor: d.actor, seq: d.seq, ops: make(map[string]Op, len(d.ops)), heads: append([]string(nil), d.heads...)}
	for h, op := range d.ops {
		clone.ops[h] = op
	}
	return clone
}

func (d *Doc) Change(fn func(crdt.ChangeTx) error) ([]string, error) {
	return d.commit(nil, fn)
}

func (d *Doc) ChangeAt(heads []string, fn func(crdt.ChangeTx) error) ([]string, error) {
	return d.commit(heads, fn)
}

func (d *Doc) commit(deps []string, fn func(crdt.ChangeTx) error) ([]string, error) {
	t := &tx{}
	if err := fn(t); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if deps == nil {
		deps = append([]string(nil), d.heads...)
	}
	d.seq++
	op := Op{
		Deps:    sortedCopy(deps),
		Actor:   d.actor,
		Seq:     d.seq,
		Lamport: maxLamport(d.ops, deps) + 1,
		Writes:  t.writes,
	}
	op.Hash = hashOp(op)
	d.ops[op.Hash] = op
	d.heads = recomputeTips(d.ops)
	return append([]string(nil), d.heads...), nil
}

func (d *Doc) Merge(other crdt.Doc) error {
	o, ok := other.(*Doc)
	if !ok {
		return fmt.Errorf("memdoc: Merge requires another *memdoc.Doc")
	}
	o.mu.Lock()
	incoming := make(map[string]Op, len(o.ops))
	for h, op := range o.ops {
		incoming[h] = op
	}
	o.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for h, op := range incoming {
		if _, exists := d.ops[h]; !exists {
			d.ops[h] = op
		}
	}
	d.heads = recomputeTips(d.ops)
	return nil
}

func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := snapshot{Actor: d.actor, Seq: d.seq, Ops: sortedOps(d.ops)}
	data, _ := json.Marshal(snap)
	return data
}

func (d *Doc) Value() map[string]any {
	d.mu.Lock()
	ops := make(map[string]Op, len(d.ops))
	for h, op := range d.ops {
		ops[h] = op
	}
	d.mu.Unlock()
	return materialize(ops)
}

func (d *Doc) View(heads []string) (crdt.Doc, error) {
	d.mu.Lock()
	full := make(map[string]Op, len(d.ops))
	for h, op := range d.ops {
		full[h] = op
	}
	d.mu.Unlock()

	reachable := reachableFrom(full, heads)
	view := &Doc{actor: d.actor, ops: reachable, heads: append([]string(nil), heads...)}
	return view, nil
}

func (d *Doc) Diff(from, to []string) ([]byte, error) {
	d.mu.Lock()
	full := make(map[string]Op, len(d.ops))
	for h, op := range d.ops {
		full[h] = op
	}
	d.mu.Unlock()

	fromSet := reachableFrom(full, from)
	toSet := reachableFrom(full, to)

	var changed []Op
	for h, op := range toSet {
		if _, ok := fromSet[h]; !ok {
			changed = append(changed, op)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Hash < changed[j].Hash })
	return json.Marshal(snapshot{Ops: changed})
}

type snapshot struct {
	Actor string `json:"actor"`
	Seq   int    `json:"seq"`
	Ops   []Op   `json:"ops"`
}

func sortedOps(ops map[string]Op) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func maxLamport(ops map[string]Op, deps []string) int64 {
	var max int64
	for _, h := range deps {
		if op, ok := ops[h]; ok && op.Lamport > max {
			max = op.Lamport
		}
	}
	return max
}

func hashOp(op Op) string {
	// Hash everything but the Hash field itself.
	op.Hash = ""
	data, _ := json.Marshal(op)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// recomputeTips returns the hashes not named as a dependency by any other
// op in the log — the current set of heads.
func recomputeTips(ops map[string]Op) []string {
	isDep := make(map[string]bool, len(ops))
	for _, op := range ops {
		for _, d := range op.Deps {
			isDep[d] = true
		}
	}
	var tips []string
	for h := range ops {
		if !isDep[h] {
			tips = append(tips, h)
		}
	}
	sort.Strings(tips)
	return tips
}

func reachableFrom(ops map[string]Op, heads []string) map[string]Op {
	out := make(map[string]Op)
	queue := append([]string(nil), heads...)
	for len(queue) > 0 {
		h := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, seen := out[h]; seen {
			continue
		}
		op, ok := ops[h]
		if !ok {
			continue
		}
		out[h] = op
		queue = append(queue, op.Deps...)
	}
	return out
}

// materialize resolves per-path LWW across the full op set: the winning
// write for a path is the one with the greatest (Lamport, Actor, Hash).
func materialize(ops map[string]Op) map[string]any {
	type winner struct {
		lamport int64
		actor   string
		hash    string
		write   Write
	}
	winners := make(map[string]winner)
	for _, op := range ops {
		for _, w := range op.Writes {
			cur, ok := winners[w.Path]
			cand := winner{lamport: op.Lamport, actor: op.Actor, hash: op.Hash, write: w}
			if !ok || beats(cand, cur) {
				winners[w.Path] = cand
			}
		}
	}
	out := make(map[string]any, len(winners))
	for path, w := range winners {
		if w.write.Deleted {
			continue
		}
		out[path] = w.write.Value
	}
	return out
}

func beats(a, b struct {
	lamport int64
	actor   string
	hash    string
	write   Write
}) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	if a.actor != b.actor {
		return a.actor > b.actor
	}
	return bytes.Compare([]byte(a.hash), []byte(b.hash)) > 0
}

// Factory constructs and loads memdoc documents.
type Factory struct{}

var _ crdt.Factory = Factory{}

func (Factory) New() crdt.Doc { return New() }

func (Factory) Load(data []byte) (crdt.Doc, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("memdoc: load: %w", err)
	}
	d := &Doc{actor: snap.Actor, seq: snap.Seq, ops: make(map[string]Op, len(snap.Ops))}
	for _, op := range snap.Ops {
		d.ops[op.Hash] = op
	}
	d.heads = recomputeTips(d.ops)
	return d, nil
}
