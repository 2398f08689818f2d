package provider

import "sync/atomic"

// AllocationState is the outcome of an acquisition attempt against a
// ProviderConfig, a PriorityGroup or a Lineup.
type AllocationState int

const (
	// StateExhausted means no slot, not even a grace slot, was available.
	StateExhausted AllocationState = iota
	// StateAvailable means a slot was granted within max_connections.
	StateAvailable
	// StateGracePeriod means a slot was granted above max_connections,
	// consuming the single elastic overshoot slot.
	StateGracePeriod
)

func (s AllocationState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateGracePeriod:
		return "grace"
	default:
		return "exhausted"
	}
}

// ProviderConfig is the smallest unit of accounting: an immutable
// description of one upstream endpoint plus an atomic in-flight connection
// counter. A ProviderConfig is shared (by pointer) between its owning
// PriorityGroup and any ConnectionGuard that references it.
type ProviderConfig struct {
	ID             uint16
	Name           string
	URL            string
	Username       string
	Password       string
	InputType      InputType
	MaxConnections uint16
	Priority       int16

	current atomic.Int64
}

func newProviderConfigFromInput(cfg InputConfig) *ProviderConfig {
	return &ProviderConfig{
		ID:             cfg.ID,
		Name:           cfg.Name,
		URL:            cfg.URL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		InputType:      cfg.InputType,
		MaxConnections: cfg.MaxConnections,
		Priority:       cfg.Priority,
	}
}

// newProviderConfigFromAlias builds a ProviderConfig for an alias. The
// input type is inherited from the parent input; everything else (name,
// URL, credentials, limit, priority) comes from the alias.
func newProviderConfigFromAlias(input InputConfig, alias AliasConfig) *ProviderConfig {
	return &ProviderConfig{
		ID:             alias.ID,
		Name:           alias.Name,
		URL:            alias.URL,
		Username:       alias.Username,
		Password:       alias.Password,
		InputType:      input.InputType,
		MaxConnections: alias.MaxConnections,
		Priority:       alias.Priority,
	}
}

// tryAllocate decides and applies the grant in one CAS loop rather than a
// bare load-then-increment: it removes the window where a stale read lets
// two racing callers both believe they're under the limit. The grace slot
// stays a deliberate policy choice rather than a side effect of the race.
func (p *ProviderConfig) tryAllocate(grace bool) AllocationState {
	for {
		c := p.current.Load()
		if p.MaxConnections == 0 {
			if p.current.CompareAndSwap(c, c+1) {
				return StateAvailable
			}
			continue
		}
		max := int64(p.MaxConnections)
		switch {
		case c < max:
			if p.current.CompareAndSwap(c, c+1) {
				return StateAvailable
			}
		case grace && c == max:
			if p.current.CompareAndSwap(c, c+1) {
				return StateGracePeriod
			}
		default:
			return StateExhausted
		}
	}
}

// forceAllocate bypasses capacity entirely; used by the force-exact path.
func (p *ProviderConfig) forceAllocate() AllocationState {
	p.current.Add(1)
	return StateAvailable
}

// peekNext mirrors tryAllocate's predicate without mutating the counter.
// Used by the redirect flow to inspect a candidate provider.
func (p *ProviderConfig) peekNext(grace bool) bool {
	c := p.current.Load()
	if p.MaxConnections == 0 {
		return true
	}
	max := int64(p.MaxConnections)
	if !grace && c < max {
		return true
	}
	if grace && c <= max {
		return true
	}
	return false
}

// release decrements the counter if it is positive; underflow is clamped
// to a no-op rather than going negative.
func (p *ProviderConfig) release() {
	c := p.current.Load()
	if c > 0 {
		p.current.Add(-1)
	}
}

// CurrentConnections returns a snapshot of the in-flight connection count.
func (p *ProviderConfig) CurrentConnections() uint16 {
	return uint16(p.current.Load())
}

// IsExhausted reports whether the provider has reached max_connections.
// Always false when MaxConnections is 0 (unlimited).
func (p *ProviderConfig) IsExhausted() bool {
	return p.MaxConnections > 0 && p.current.Load() >= int64(p.MaxConnections)
}

// IsOverLimit reports whether the provider currently exceeds
// max_connections — i.e. a grace overshoot has not yet been released.
func (p *ProviderConfig) IsOverLimit() bool {
	return p.MaxConnections > 0 && p.current.Load() > int64(p.MaxConnections)
}
