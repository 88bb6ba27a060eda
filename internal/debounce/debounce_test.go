package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerCollapsesRepeats(t *testing.T) {
	d := New[string](30 * time.Millisecond)
	var calls int32
	for i := 0; i < 5; i++ {
		d.Trigger("k", func() { atomic.AddInt32(&calls, 1) })
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", got)
	}
}

func TestTriggerIsPerKey(t *testing.T) {
	d := New[string](20 * time.Millisecond)
	var a, b int32
	d.Trigger("a", func() { atomic.AddInt32(&a, 1) })
	d.Trigger("b", func() { atomic.AddInt32(&b, 1) })
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("expected both keys to fire once, got a=%d b=%d", a, b)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	d := New[string](20 * time.Millisecond)
	var calls int32
	d.Trigger("k", func() { atomic.AddInt32(&calls, 1) })
	d.Cancel("k")
	time.Sleep(40 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected 0 fires after cancel, got %d", got)
	}
}

func TestStopPreventsFutureTriggers(t *testing.T) {
	d := New[string](10 * time.Millisecond)
	var calls int32
	d.Stop()
	d.Trigger("k", func() { atomic.AddInt32(&calls, 1) })
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected Trigger after Stop to be a no-op, got %d calls", got)
	}
}
