package memdoc

import (
	"testing"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
)

func TestChangeUpdatesHeadsAndValue(t *testing.T) {
	d := New()
	if len(d.Heads()) != 0 {
		t.Fatal("expected empty initial heads")
	}
	heads, err := d.Change(func(tx crdt.ChangeTx) error { return tx.Set("n", 1.0) })
	if err != nil {
		t.Fatalf("Change failed: %v", err)
	}
	if len(heads) != 1 {
		t.Fatalf("expected 1 head after first change, got %d", len(heads))
	}
	if got := d.Value()["n"]; got != 1.0 {
		t.Fatalf("expected n=1, got %v", got)
	}
}

func TestMergeConverges(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	if _, err := a.Change(func(tx crdt.ChangeTx) error { return tx.Set("x", 0.0) }); err != nil {
		t.Fatal(err)
	}
	// b starts from a's state (simulates a's save being loaded by b).
	if err := b.Merge(a); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Change(func(tx crdt.ChangeTx) error { return tx.Set("y", "from-a") }); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Change(func(tx crdt.ChangeTx) error { return tx.Set("z", "from-b") }); err != nil {
		t.Fatal(err)
	}

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if err := b.Merge(a); err != nil {
		t.Fatal(err)
	}

	av, bv := a.Value(), b.Value()
	if av["y"] != "from-a" || av["z"] != "from-b" || bv["y"] != "from-a" || bv["z"] != "from-b" {
		t.Fatalf("expected convergent value on both sides, got a=%v b=%v", av, bv)
	}
	ah, bh := a.Heads(), b.Heads()
	if len(ah) != len(bh) {
		t.Fatalf("expected equal head counts after mutual merge, got a=%v b=%v", ah, bh)
	}
	for i := range ah {
		if ah[i] != bh[i] {
			t.Fatalf("expected identical heads after mutual merge, got a=%v b=%v", ah, bh)
		}
	}
}

func TestDeleteWinsWhenLater(t *testing.T) {
	d := New()
	if _, err := d.Change(func(tx crdt.ChangeTx) error { return tx.Set("k", "v") }); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Change(func(tx crdt.ChangeTx) error { return tx.Delete("k") }); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Value()["k"]; ok {
		t.Fatal("expected k to be deleted")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := New()
	if _, err := d.Change(func(tx crdt.ChangeTx) error { return tx.Set("a", 1.0) }); err != nil {
		t.Fatal(err)
	}
	data := d.Save()

	loaded, err := Factory{}.Load(data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Value()["a"] != 1.0 {
		t.Fatalf("expected a=1 after reload, got %v", loaded.Value()["a"])
	}
	if len(loaded.Heads()) != len(d.Heads()) {
		t.Fatalf("expected heads to survive round trip")
	}
}

func TestSyncEngineConverges(t *testing.T) {
	eng := Engine{}
	a := NewWithActor("a")
	b := NewWithActor("b")
	sa := eng.NewSyncState()
	sb := eng.NewSyncState()

	if _, err := a.Change(func(tx crdt.ChangeTx) error { return tx.Set("x", 0.0) }); err != nil {
		t.Fatal(err)
	}

	// a -> b
	var msg []byte
	var ok bool
	sa, msg, ok = eng.GenerateSyncMessage(a, sa)
	if !ok {
		t.Fatal("expected a to have something to send")
	}
	sb, changed, err := eng.ReceiveSyncMessage(b, sb, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected b's heads to change on receipt")
	}
	if b.Value()["x"] != 0.0 {
		t.Fatalf("expected b to converge to x=0, got %v", b.Value())
	}

	// Nothing left to send now that both are caught up.
	_, _, ok = eng.GenerateSyncMessage(a, sa)
	if ok {
		t.Fatal("expected no further outbound message once converged")
	}
	_ = sb
}
