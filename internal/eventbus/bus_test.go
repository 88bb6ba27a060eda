package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitOrdering(t *testing.T) {
	b := New[string]()
	var got []int
	var mu sync.Mutex
	b.Subscribe("e", func(string, any) {
		mu.Lock()
		got = append(got, 1)
		mu.Unlock()
	})
	b.Subscribe("e", func(string, any) {
		mu.Lock()
		got = append(got, 2)
		mu.Unlock()
	})
	b.Emit("e", nil)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected in-order [1 2], got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New[string]()
	var calls int32
	tok := b.Subscribe("e", func(string, any) { atomic.AddInt32(&calls, 1) })
	b.Emit("e", nil)
	b.Unsubscribe(tok)
	b.Emit("e", nil)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New[string]()
	var secondCalled bool
	b.Subscribe("e", func(string, any) { panic("boom") })
	b.Subscribe("e", func(string, any) { secondCalled = true })
	b.Emit("e", nil)
	if !secondCalled {
		t.Fatal("expected second handler to run despite first panicking")
	}
}

func TestEmitAsyncRunsOnOtherGoroutine(t *testing.T) {
	b := New[string]()
	done := make(chan struct{})
	b.Subscribe("e", func(string, any) { close(done) })
	b.EmitAsync("e", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}
