package limits

import (
	"sync"

	"github.com/emberchat/emberhub/internal/monitoring"
)

// ConnTracker enforces the global and per-client-address WebSocket
// connection caps. A cap of zero means unlimited.
type ConnTracker struct {
	mu         sync.Mutex
	total      int64
	perAddress map[string]int

	maxTotal      int
	maxPerAddress int
}

func NewConnTracker(maxTotal, maxPerAddress int) *ConnTracker {
	return &ConnTracker{
		perAddress:    make(map[string]int),
		maxTotal:      maxTotal,
		maxPerAddress: maxPerAddress,
	}
}

// Acquire reserves a connection slot for addr. It returns false when either
// cap is hit; the caller must not call Release in that case.
func (t *ConnTracker) Acquire(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxTotal > 0 && t.total >= int64(t.maxTotal) {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		return false
	}
	if t.maxPerAddress > 0 && t.perAddress[addr] >= t.maxPerAddress {
		monitoring.ConnectionsRejected.WithLabelValues("per_address").Inc()
		return false
	}

	t.total++
	t.perAddress[addr]++
	return true
}

// Release frees the slot taken by Acquire. Idempotence is the caller's job;
// the teardown path runs exactly once per connection.
func (t *ConnTracker) Release(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.total > 0 {
		t.total--
	}
	if n := t.perAddress[addr]; n <= 1 {
		delete(t.perAddress, addr)
	} else {
		t.perAddress[addr] = n - 1
	}
}

// Count returns the number of currently tracked connections.
func (t *ConnTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
