package network

import (
	"testing"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

type fakeAdapter struct {
	ready bool
	sent  []wire.Message
	fail  bool
}

func (f *fakeAdapter) Connect(wire.PeerID, wire.PeerMetadata) error { return nil }
func (f *fakeAdapter) Disconnect() error                            { return nil }
func (f *fakeAdapter) Send(msg wire.Message) error {
	if f.fail {
		return wire.ErrAdapterSend
	}
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeAdapter) IsReady() bool { return f.ready }
func (f *fakeAdapter) WhenReady(fn func()) {
	if f.ready {
		fn()
	}
}

func newTestSubsystem() *Subsystem {
	return New(wire.PeerID("self"), logging.NewNop(), monitoring.NewMetrics())
}

func TestSendTagsSenderAndRoutes(t *testing.T) {
	s := newTestSubsystem()
	a := &fakeAdapter{ready: true}
	s.AddAdapter(a)
	s.HandlePeerCandidate(wire.PeerID("peer1"), a)

	err := s.Send(wire.Message{Type: wire.MessageSync, TargetID: "peer1", DocumentID: [16]byte{}, Data: []byte("x")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(a.sent) != 1 {
		t.Fatalf("expected 1 message delivered, got %d", len(a.sent))
	}
	if a.sent[0].SenderID != "self" {
		t.Fatalf("expected SenderID tagged as self, got %q", a.sent[0].SenderID)
	}
}

func TestSendDropsUnroutedTarget(t *testing.T) {
	s := newTestSubsystem()
	err := s.Send(wire.Message{Type: wire.MessageSync, TargetID: "ghost", Data: []byte("x")})
	if err != nil {
		t.Fatalf("expected dropped-not-errored send, got %v", err)
	}
}

func TestEphemeralCountsAreMonotonicPerTarget(t *testing.T) {
	s := newTestSubsystem()
	a := &fakeAdapter{ready: true}
	s.AddAdapter(a)
	s.HandlePeerCandidate(wire.PeerID("peer1"), a)

	for i := 0; i < 3; i++ {
		if err := s.Send(wire.Message{Type: wire.MessageEphemeral, TargetID: "peer1", DocumentID: [16]byte{1}, SessionID: "unused"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.sent) != 3 {
		t.Fatalf("expected 3 sent, got %d", len(a.sent))
	}
	for i, msg := range a.sent {
		if msg.Count != uint32(i+1) {
			t.Fatalf("expected count %d, got %d", i+1, msg.Count)
		}
		if msg.SessionID == "" {
			t.Fatal("expected subsystem to stamp its own session id")
		}
	}
}

func TestEphemeralDedupeDropsStaleAndDuplicateCounts(t *testing.T) {
	s := newTestSubsystem()
	var delivered []wire.Message
	s.On(EventMessage, func(_ EventKey, payload any) {
		delivered = append(delivered, payload.(wire.Message))
	})

	// Delivered out of order: 3, 1, 2 — only count 3 should survive.
	s.HandleInboundMessage(wire.Message{Type: wire.MessageEphemeral, SenderID: "peerA", SessionID: "s1", Count: 3})
	s.HandleInboundMessage(wire.Message{Type: wire.MessageEphemeral, SenderID: "peerA", SessionID: "s1", Count: 1})
	s.HandleInboundMessage(wire.Message{Type: wire.MessageEphemeral, SenderID: "peerA", SessionID: "s1", Count: 2})

	if len(delivered) != 1 {
		t.Fatalf("expected exactly 1 delivered ephemeral, got %d", len(delivered))
	}
	if delivered[0].Count != 3 {
		t.Fatalf("expected the delivered message to be count 3, got %d", delivered[0].Count)
	}
}

func TestIsReadyIsConjunctionOfAdapters(t *testing.T) {
	s := newTestSubsystem()
	a := &fakeAdapter{ready: true}
	b := &fakeAdapter{ready: false}
	s.AddAdapter(a)
	s.AddAdapter(b)
	if s.IsReady() {
		t.Fatal("expected not ready while one adapter is unready")
	}
	b.ready = true
	if !s.IsReady() {
		t.Fatal("expected ready once all adapters are ready")
	}
}

func TestWhenReadyWithNoAdaptersFiresImmediately(t *testing.T) {
	s := newTestSubsystem()
	fired := make(chan struct{}, 1)
	s.WhenReady(func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected immediate fire with zero adapters")
	}
}

func TestPeerDisconnectedRemovesRouting(t *testing.T) {
	s := newTestSubsystem()
	a := &fakeAdapter{ready: true}
	s.AddAdapter(a)
	s.HandlePeerCandidate(wire.PeerID("peer1"), a)
	if !s.HasPeer("peer1") {
		t.Fatal("expected peer1 routed")
	}
	s.HandlePeerDisconnected("peer1")
	if s.HasPeer("peer1") {
		t.Fatal("expected peer1 removed from routing after disconnect")
	}
}
