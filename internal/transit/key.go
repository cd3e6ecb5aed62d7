package transit

import (
	"context"
	"sync"
)

// TransitKeySize is the expected length of the shared secret delivered by
// the rendezvous/PAKE layer. Transit treats it as opaque beyond that.
const TransitKeySize = 32

// transitKey is a TransitKey as it lives inside the package: opaque bytes,
// settable exactly once, with a broadcast-once waiter list for callers that
// call connect() before the key is known.
type transitKey struct {
	mu      sync.Mutex
	key     []byte
	isSet   bool
	waiters []chan struct{}
}

// set stores the key and wakes any parked waiters in the order they
// registered. A second call is a programming error, so it panics rather
// than silently succeeding or returning an error, since this can only
// happen from a caller bug, not from network conditions.
func (t *transitKey) set(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isSet {
		panic("transit: set_transit_key called twice")
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	t.key = buf
	t.isSet = true
	for _, w := range t.waiters {
		close(w)
	}
	t.waiters = nil
}

// get blocks until the key is available or ctx is done.
func (t *transitKey) get(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.isSet {
		k := t.key
		t.mu.Unlock()
		return k, nil
	}
	ready := make(chan struct{})
	t.waiters = append(t.waiters, ready)
	t.mu.Unlock()

	select {
	case <-ready:
		t.mu.Lock()
		k := t.key
		t.mu.Unlock()
		return k, nil
	case <-ctx.Done():
		t.forget(ready)
		return nil, ctx.Err()
	}
}

// forget removes a waiter that gave up (context cancelled) before the key
// arrived, so set() doesn't accumulate stale channels across a long-lived
// Transit with many cancelled connect() attempts.
func (t *transitKey) forget(ready chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.waiters {
		if w == ready {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}
