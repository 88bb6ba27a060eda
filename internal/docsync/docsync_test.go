package docsync

import (
	"testing"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/crdt/memdoc"
	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/handle"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

const testDebounce = 15 * time.Millisecond

func newReadySynchronizer(t *testing.T, initial map[string]any) (*handle.Handle, *Synchronizer) {
	t.Helper()
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{IsNew: true, InitialValue: initial})
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())
	return h, s
}

func awaitMessage(t *testing.T, s *Synchronizer) wire.Message {
	t.Helper()
	got := make(chan wire.Message, 1)
	tok := s.On(EventMessage, func(_ EventKey, payload any) { got <- payload.(MessagePayload).Message })
	defer s.Off(tok)
	select {
	case m := <-got:
		return m
	case <-time.After(time.Second):
		t.Fatal("expected an outbound message event")
		return wire.Message{}
	}
}

func TestBeginSyncSchedulesOutboundSync(t *testing.T) {
	_, s := newReadySynchronizer(t, map[string]any{"a": 1.0})
	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)

	msg := awaitMessage(t, s)
	if msg.Type != wire.MessageSync || msg.TargetID != "peerA" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestPendingMessagesBufferedUntilReady(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{})
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())

	// The handle is still IDLE; this sync message must be buffered, not
	// applied, since ReceiveSyncMessage on a non-READY handle would error.
	s.ReceiveMessage(wire.Message{Type: wire.MessageSync, SenderID: "peerA", DocumentID: h.DocumentID(), Data: []byte(`{"ops":[]}`)})

	// Flip the handle to READY; the buffered message should now flush and
	// dispatch without blocking or panicking.
	_ = h.Load()
	_ = h.DoneLoading(memdoc.New())

	time.Sleep(50 * time.Millisecond)
	if h.State() != handle.READY {
		t.Fatalf("expected handle to remain READY, got %s", h.State())
	}
}

func TestHandleSyncUpdatesPeerDocStatusAndEmitsOpenDoc(t *testing.T) {
	h, s := newReadySynchronizer(t, nil)

	opened := make(chan OpenDocPayload, 1)
	s.On(EventOpenDoc, func(_ EventKey, payload any) { opened <- payload.(OpenDocPayload) })

	donor := memdoc.New()
	data, _ := donorSyncMessage(t, h, donor)
	s.ReceiveMessage(wire.Message{Type: wire.MessageSync, SenderID: "peerA", DocumentID: h.DocumentID(), Data: data})

	select {
	case payload := <-opened:
		if payload.PeerID != "peerA" {
			t.Fatalf("unexpected open-doc payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected open-doc event on first exchange with a new peer")
	}

	if !s.HasPeer("peerA") {
		t.Fatal("expected peerA to be known to the synchronizer after an inbound sync message")
	}
}

// donorSyncMessage produces a sync message a donor doc would send to h, by
// round-tripping through the memdoc sync engine directly.
func donorSyncMessage(t *testing.T, h *handle.Handle, donor *memdoc.Doc) ([]byte, *memdoc.SyncState) {
	t.Helper()
	_, err := donor.Change(func(tx crdt.ChangeTx) error {
		return tx.Set("x", 1.0)
	})
	if err != nil {
		t.Fatal(err)
	}
	engine := memdoc.Engine{}
	state := engine.NewSyncState()
	_, data, ok := engine.GenerateSyncMessage(donor, state)
	if !ok {
		t.Fatal("expected donor to generate a sync message")
	}
	return data, state.(*memdoc.SyncState)
}

func awaitMessageOfType(t *testing.T, s *Synchronizer, want wire.MessageType) wire.Message {
	t.Helper()
	got := make(chan wire.Message, 8)
	tok := s.On(EventMessage, func(_ EventKey, payload any) { got <- payload.(MessagePayload).Message })
	defer s.Off(tok)
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-got:
			if m.Type == want {
				return m
			}
		case <-deadline:
			t.Fatalf("expected an outbound %s message", want)
			return wire.Message{}
		}
	}
}

func TestRequestingHandleSendsRequestToPeers(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{})
	_ = h.Load()
	_ = h.DoneLoading(nil) // storage miss -> REQUESTING
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())

	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)

	msg := awaitMessageOfType(t, s, wire.MessageRequest)
	if msg.TargetID != "peerA" || msg.DocumentID != h.DocumentID() {
		t.Fatalf("unexpected request message: %+v", msg)
	}
	if len(msg.Data) == 0 {
		t.Fatal("expected the request to carry an opening sync payload")
	}
}

func TestInboundSyncSeedsRequestingHandle(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{})
	_ = h.Load()
	_ = h.DoneLoading(nil)
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())

	donor := memdoc.New()
	data, _ := donorSyncMessage(t, h, donor)
	s.ReceiveMessage(wire.Message{Type: wire.MessageSync, SenderID: "peerA", DocumentID: h.DocumentID(), Data: data})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := h.DocSync(); ok && v["x"] == 1.0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the sync payload to seed the handle, state=%s", h.State())
}

func TestRequestAgainstUnavailableHandleGetsDocUnavailable(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{})
	_ = h.Request()
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())
	_ = h.Unavailable()

	ctxDeadline := time.Now().Add(time.Second)
	for h.State() != handle.UNAVAILABLE && time.Now().Before(ctxDeadline) {
		time.Sleep(time.Millisecond)
	}

	got := make(chan wire.Message, 8)
	tok := s.On(EventMessage, func(_ EventKey, payload any) { got <- payload.(MessagePayload).Message })
	defer s.Off(tok)

	s.ReceiveMessage(wire.Message{Type: wire.MessageRequest, SenderID: "asker", DocumentID: h.DocumentID(), Data: []byte(`{"ops":[]}`)})

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-got:
			if msg.Type != wire.MessageDocUnavailable {
				continue
			}
			if msg.TargetID != "asker" {
				t.Fatalf("expected doc-unavailable addressed to the asker, got %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("expected a doc-unavailable reply to the request")
		}
	}
}

func TestBroadcastFansOutToKnownPeers(t *testing.T) {
	h, s := newReadySynchronizer(t, nil)
	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)
	_ = awaitMessage(t, s) // drain the initial sync triggered by BeginSync

	got := make(chan wire.Message, 8)
	tok := s.On(EventMessage, func(_ EventKey, payload any) { got <- payload.(MessagePayload).Message })
	defer s.Off(tok)

	if err := h.Broadcast([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-got:
			if msg.Type != wire.MessageEphemeral {
				continue
			}
			if msg.TargetID != "peerA" || string(msg.Data) != "ping" {
				t.Fatalf("unexpected ephemeral fan-out: %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("expected the broadcast to fan out to peerA")
		}
	}
}

func TestDocUnavailableTransitionsHandleWhenAllPeersUnavailable(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{})
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())
	_ = h.Request()

	s.BeginSync([]wire.PeerID{"peerA", "peerB"}, nil, nil)
	s.ReceiveMessage(wire.Message{Type: wire.MessageDocUnavailable, SenderID: "peerA", DocumentID: h.DocumentID()})
	if h.State() == handle.UNAVAILABLE {
		t.Fatal("should not go unavailable until every peer has reported so")
	}
	s.ReceiveMessage(wire.Message{Type: wire.MessageDocUnavailable, SenderID: "peerB", DocumentID: h.DocumentID()})

	time.Sleep(50 * time.Millisecond)
	if h.State() != handle.UNAVAILABLE {
		t.Fatalf("expected UNAVAILABLE once every peer reports doc-unavailable, got %s", h.State())
	}
}

func TestSendsUnavailableToAllPeersAtMostOnce(t *testing.T) {
	h := handle.New(docid.New(), memdoc.Factory{}, logging.NewNop(), monitoring.NewMetrics(), handle.Options{TimeoutDelay: 10 * time.Millisecond})
	s := New(h.DocumentID(), h, memdoc.Engine{}, nil, testDebounce, logging.NewNop(), monitoring.NewMetrics())
	_ = h.Load()
	_ = h.DoneLoading(nil) // -> REQUESTING, arms the timeout
	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)

	var count int
	done := make(chan struct{})
	s.On(EventMessage, func(_ EventKey, payload any) {
		m := payload.(MessagePayload).Message
		if m.Type == wire.MessageDocUnavailable {
			count++
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a doc-unavailable message after the handle went UNAVAILABLE")
	}
	time.Sleep(50 * time.Millisecond)
	if count != 1 {
		t.Fatalf("expected exactly one doc-unavailable send per peer, got %d", count)
	}
}

func TestEndSyncDiscardsPeerState(t *testing.T) {
	_, s := newReadySynchronizer(t, nil)
	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)
	if !s.HasPeer("peerA") {
		t.Fatal("expected peerA known after BeginSync")
	}
	s.EndSync("peerA")
	if s.HasPeer("peerA") {
		t.Fatal("expected peerA forgotten after EndSync")
	}
}

func TestEphemeralMessageForwardedToHandle(t *testing.T) {
	h, s := newReadySynchronizer(t, nil)
	received := make(chan []byte, 1)
	h.On(handle.EventEphemeralMessage, func(_ handle.EventKey, payload any) { received <- payload.([]byte) })

	s.ReceiveMessage(wire.Message{Type: wire.MessageEphemeral, SenderID: "peerA", DocumentID: h.DocumentID(), Data: []byte("hi"), Count: 1, SessionID: "s1"})

	select {
	case got := <-received:
		if string(got) != "hi" {
			t.Fatalf("expected forwarded ephemeral payload, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ephemeral-message to reach the handle")
	}
}

func TestLocalChangeSchedulesOutboundSyncToPeers(t *testing.T) {
	h, s := newReadySynchronizer(t, nil)
	s.BeginSync([]wire.PeerID{"peerA"}, nil, nil)
	_ = awaitMessage(t, s) // drain the initial sync triggered by BeginSync

	if err := h.Change(func(tx crdt.ChangeTx) error {
		return tx.Set("y", 2.0)
	}); err != nil {
		t.Fatal(err)
	}

	msg := awaitMessage(t, s)
	if msg.Type != wire.MessageSync || msg.TargetID != "peerA" {
		t.Fatalf("expected a follow-up sync after a local change, got %+v", msg)
	}
}
