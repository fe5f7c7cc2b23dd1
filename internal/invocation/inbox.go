package invocation

import (
	"sync"
	"time"

	"github.com/oriys/lattice/internal/clock"
)

// nullResponse distinguishes "the call returned nil" from "no response
// yet". It never leaves this package: Get translates it back to a nil
// result.
type nullResponseType struct{}

var nullResponse = nullResponseType{}

// Inbox is the per-invocation handoff from a responder (local runner or
// network dispatcher) to the waiting future. It is FIFO and normally holds
// at most one element, but later writes are retained so that re-polls
// during long-poll probing observe them.
type Inbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{signal: make(chan struct{}, 1)}
}

// Deliver enqueues a response without blocking. A nil value is mapped to
// the null-response sentinel before enqueue.
func (b *Inbox) Deliver(v any) {
	if v == nil {
		v = nullResponse
	}
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Poll removes and returns the next element without blocking.
func (b *Inbox) Poll() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	v := b.items[0]
	copy(b.items, b.items[1:])
	b.items = b.items[:len(b.items)-1]
	return v, true
}

// Await blocks up to timeoutMillis for the next element. A timeout of
// clock.NoTimeout waits indefinitely. The interrupt channel, when non-nil,
// aborts the wait early: Await then returns interrupted=true and no value,
// leaving any concurrently delivered element in place for the next call.
func (b *Inbox) Await(timeoutMillis int64, interrupt <-chan struct{}) (v any, ok bool, interrupted bool) {
	if v, ok := b.Poll(); ok {
		return v, true, false
	}
	if timeoutMillis <= 0 && timeoutMillis != clock.NoTimeout {
		return nil, false, false
	}

	var timerC <-chan time.Time
	if timeoutMillis != clock.NoTimeout {
		timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		select {
		case <-b.signal:
			if v, ok := b.Poll(); ok {
				return v, true, false
			}
			// Signal consumed by a previous Poll; keep waiting.
		case <-timerC:
			return nil, false, false
		case <-interrupt:
			return nil, false, true
		}
	}
}
