package invocation

import (
	"sync"
)

// Future is the Call Registry's view of a pending invocation: something
// able to receive exactly the response routed to its call id.
type Future interface {
	Notify(response any)
}

// CallRegistry correlates outgoing call ids with the futures awaiting
// their responses. Ids are allocated from a 64-bit counter and never
// reused within the process lifetime: at one million registrations per
// second the counter takes ~292k years to wrap.
type CallRegistry struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]Future
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[int64]Future)}
}

// Register allocates a fresh call id and stores the future under it.
func (r *CallRegistry) Register(f Future) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.calls[id] = f
	return id
}

// Route delivers a response to the registered future and removes the
// mapping. Responses for unknown ids (already deregistered, or abandoned
// by deadline) are dropped; Route reports whether delivery happened.
func (r *CallRegistry) Route(callID int64, response any) bool {
	r.mu.Lock()
	f, ok := r.calls[callID]
	delete(r.calls, callID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	f.Notify(response)
	return true
}

// Deregister removes a mapping without delivering anything. Futures call
// this on local termination so that abandoned entries never leak.
func (r *CallRegistry) Deregister(callID int64) {
	r.mu.Lock()
	delete(r.calls, callID)
	r.mu.Unlock()
}

// Pending returns the number of calls still awaiting responses.
func (r *CallRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Shutdown fails every pending call with the given error and clears the
// registry. Called on local-node shutdown.
func (r *CallRegistry) Shutdown(err error) {
	r.mu.Lock()
	pending := r.calls
	r.calls = make(map[int64]Future)
	r.mu.Unlock()

	for _, f := range pending {
		f.Notify(err)
	}
}
