package provider

import "sync"

// entry pairs a lineup with the flat list of ProviderConfigs it owns, so
// lookups by provider name don't need to know which variant they're in.
type entry struct {
	providers []*ProviderConfig
	impl      lineup
}

// ActiveProviderManager is the process-wide registry mapping input name
// to Lineup. acquire_connection and friends take the read side of a
// reader-biased lock; only AddInput (startup only) takes the write side.
type ActiveProviderManager struct {
	mu      sync.RWMutex
	entries []entry
}

// NewActiveProviderManager returns an empty manager. Inputs are
// registered with AddInput before serving traffic.
func NewActiveProviderManager() *ActiveProviderManager {
	return &ActiveProviderManager{}
}

// AddInput builds a Lineup from a configuration record: a Single lineup
// when the input has no aliases, otherwise a Multi lineup built by
// instantiating one ProviderConfig for the input itself and one per alias,
// bucketing by priority, and
// sorting priority buckets ascending. Intended to run only at startup;
// takes the write lock.
func (m *ActiveProviderManager) AddInput(cfg InputConfig) {
	e := buildLineupEntry(cfg)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// buildLineupEntry builds a Single lineup when the input has no aliases,
// otherwise one ProviderConfig per alias plus the input itself, bucketed
// by priority and sorted ascending into priorityGroups.
func buildLineupEntry(cfg InputConfig) entry {
	primary := newProviderConfigFromInput(cfg)

	if len(cfg.Aliases) == 0 {
		return entry{
			providers: []*ProviderConfig{primary},
			impl:      &singleLineup{provider: primary},
		}
	}

	all := make([]*ProviderConfig, 0, len(cfg.Aliases)+1)
	all = append(all, primary)
	for _, alias := range cfg.Aliases {
		all = append(all, newProviderConfigFromAlias(cfg, alias))
	}
	return entry{
		providers: all,
		impl:      newMultiLineup(all),
	}
}

// findProvider searches every lineup in insertion order for a provider
// with the given name, descending into priority groups. O(total provider
// count); meant to run at most once per request, never on a hot loop.
func (m *ActiveProviderManager) findProvider(name string) (entry, *ProviderConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		for _, p := range e.providers {
			if p.Name == name {
				return e, p, true
			}
		}
	}
	return entry{}, nil, false
}

// AcquireConnection looks up the lineup registered under input_name and
// delegates to its priority-walk acquire. An unknown name yields an
// Exhausted guard rather than an error — acquisition is a best-effort
// resource decision, not a fallible operation.
func (m *ActiveProviderManager) AcquireConnection(inputName string) *ConnectionGuard {
	e, _, ok := m.findProvider(inputName)
	if !ok {
		return &ConnectionGuard{manager: m, state: StateExhausted}
	}
	state, p := e.impl.acquire()
	return &ConnectionGuard{manager: m, state: state, provider: p}
}

// ForceExactAcquireConnection looks up a specific provider by name
// anywhere in the manager and unconditionally grants it a slot, bypassing
// its capacity. Used for emergency acquisition paths that must land on an
// exact provider regardless of load.
func (m *ActiveProviderManager) ForceExactAcquireConnection(providerName string) *ConnectionGuard {
	_, p, ok := m.findProvider(providerName)
	if !ok {
		return &ConnectionGuard{manager: m, state: StateExhausted}
	}
	state := p.forceAllocate()
	return &ConnectionGuard{manager: m, state: state, provider: p}
}

// PeekNextProvider returns the next candidate provider for input_name
// without committing a slot. Used by the HTTP 302 redirect flow, which
// needs to know where it would send the client without acquiring.
func (m *ActiveProviderManager) PeekNextProvider(inputName string) *ProviderConfig {
	e, _, ok := m.findProvider(inputName)
	if !ok {
		return nil
	}
	return e.impl.peekNext()
}

// releaseConnection is the synchronous release path used by
// ConnectionGuard.Release. The only lock involved is the RLock used to
// find the owning lineup; the counter decrement itself is lock-free.
func (m *ActiveProviderManager) releaseConnection(providerName string) {
	e, _, ok := m.findProvider(providerName)
	if !ok {
		return
	}
	e.impl.release(providerName)
}

// ReleaseConnection locates the lineup containing provider_name and
// releases it. Idempotent and silent on unknown names; exported so
// callers that track provider names directly (rather than holding a
// guard) can still release explicitly.
func (m *ActiveProviderManager) ReleaseConnection(providerName string) {
	m.releaseConnection(providerName)
}

// ActiveConnections returns a snapshot of every provider with a non-zero
// counter, or nil when the snapshot would be empty — letting callers
// distinguish "nothing in flight" from a non-empty snapshot.
func (m *ActiveProviderManager) ActiveConnections() map[string]uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]uint16)
	for _, e := range m.entries {
		for _, p := range e.providers {
			if c := p.CurrentConnections(); c > 0 {
				result[p.Name] = c
			}
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// IsOverLimit reports whether the named provider currently exceeds its
// max_connections (a grace overshoot not yet released). False for
// unknown names.
func (m *ActiveProviderManager) IsOverLimit(providerName string) bool {
	_, p, ok := m.findProvider(providerName)
	if !ok {
		return false
	}
	return p.IsOverLimit()
}

// ProviderLimit returns the configured max_connections for the named
// provider, and false if no provider by that name is registered. A zero
// limit with ok=true means the provider is genuinely unlimited.
func (m *ActiveProviderManager) ProviderLimit(providerName string) (uint16, bool) {
	_, p, ok := m.findProvider(providerName)
	if !ok {
		return 0, false
	}
	return p.MaxConnections, true
}
