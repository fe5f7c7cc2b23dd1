package invocation

import (
	"testing"
	"time"

	"github.com/oriys/lattice/internal/clock"
)

func TestInboxDeliverPoll(t *testing.T) {
	b := NewInbox()

	if _, ok := b.Poll(); ok {
		t.Fatal("empty inbox should not yield a value")
	}

	b.Deliver("a")
	v, ok := b.Poll()
	if !ok || v != "a" {
		t.Fatalf("Poll() = %v, %v; want a, true", v, ok)
	}
}

func TestInboxNilMapsToNullSentinel(t *testing.T) {
	b := NewInbox()
	b.Deliver(nil)

	v, ok := b.Poll()
	if !ok {
		t.Fatal("expected a value")
	}
	if v != nullResponse {
		t.Fatalf("nil delivery should become the null sentinel, got %v", v)
	}
}

func TestInboxFIFO(t *testing.T) {
	b := NewInbox()
	b.Deliver(1)
	b.Deliver(2)
	b.Deliver(3)

	for want := 1; want <= 3; want++ {
		v, ok := b.Poll()
		if !ok || v != want {
			t.Fatalf("Poll() = %v, %v; want %d, true", v, ok, want)
		}
	}
}

func TestInboxAwaitTimeout(t *testing.T) {
	b := NewInbox()

	start := time.Now()
	_, ok, interrupted := b.Await(50, nil)
	if ok || interrupted {
		t.Fatalf("Await on empty inbox = ok=%v interrupted=%v", ok, interrupted)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Await returned after %v, expected ~50ms", elapsed)
	}
}

func TestInboxAwaitZeroReturnsImmediately(t *testing.T) {
	b := NewInbox()
	start := time.Now()
	if _, ok, _ := b.Await(0, nil); ok {
		t.Fatal("expected no value")
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("Await(0) took %v", elapsed)
	}
}

func TestInboxAwaitWakesOnDeliver(t *testing.T) {
	b := NewInbox()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Deliver("late")
	}()

	v, ok, _ := b.Await(clock.NoTimeout, nil)
	if !ok || v != "late" {
		t.Fatalf("Await = %v, %v; want late, true", v, ok)
	}
}

func TestInboxAwaitInterrupt(t *testing.T) {
	b := NewInbox()
	interrupt := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(interrupt)
	}()

	_, ok, interrupted := b.Await(clock.NoTimeout, interrupt)
	if ok || !interrupted {
		t.Fatalf("Await = ok=%v interrupted=%v; want interrupted", ok, interrupted)
	}

	// A value delivered after the interrupt stays available.
	b.Deliver("kept")
	if v, ok := b.Poll(); !ok || v != "kept" {
		t.Fatalf("Poll after interrupt = %v, %v", v, ok)
	}
}
