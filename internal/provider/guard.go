package provider

import "sync/atomic"

// ConnectionGuard is a scoped token representing a held (or denied) slot.
// Go has no deterministic destructors, so release is explicit: callers
// must `defer guard.Release()` immediately after acquisition. Release is
// idempotent — calling it more than once only decrements the counter
// once — and a no-op on an Exhausted guard.
type ConnectionGuard struct {
	manager  *ActiveProviderManager
	state    AllocationState
	provider *ProviderConfig
	released atomic.Bool
}

// State reports whether the guard holds a slot, and under what policy.
func (g *ConnectionGuard) State() AllocationState {
	return g.state
}

// IsExhausted reports whether no slot was granted.
func (g *ConnectionGuard) IsExhausted() bool {
	return g.state == StateExhausted
}

// Provider returns the ProviderConfig backing this guard, or nil when
// Exhausted.
func (g *ConnectionGuard) Provider() *ProviderConfig {
	return g.provider
}

// Release decrements the held slot's counter exactly once. Safe to call
// from a defer, a disconnect handler and an error path without double
// releasing.
func (g *ConnectionGuard) Release() {
	if g.state == StateExhausted {
		return
	}
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.manager.releaseConnection(g.provider.Name)
}
