package provider

import "sync/atomic"

// priorityGroup is a bag of ProviderConfigs sharing one priority value.
// A group of one member delegates straight through; a group of more than
// one round-robins via a shared cursor.
type priorityGroup struct {
	priority int16
	members  []*ProviderConfig // insertion order preserved
	cursor   atomic.Int64
}

func newPriorityGroup(members []*ProviderConfig) *priorityGroup {
	return &priorityGroup{
		priority: members[0].Priority,
		members:  members,
	}
}

func (g *priorityGroup) isExhausted() bool {
	for _, p := range g.members {
		if !p.IsExhausted() {
			return false
		}
	}
	return true
}

// acquire visits up to len(members) providers in a circular walk starting
// at the shared cursor, trying try_allocate(grace) on each. The cursor is
// stored as (last_visited+1) mod len on the first non-Denied result, or as
// the fully-advanced position if every member denies.
func (g *priorityGroup) acquire(grace bool) (AllocationState, *ProviderConfig) {
	n := len(g.members)
	if n == 1 {
		state := g.members[0].tryAllocate(grace)
		if state == StateExhausted {
			return StateExhausted, nil
		}
		return state, g.members[0]
	}

	idx := int(g.cursor.Load()) % n
	for i := 0; i < n; i++ {
		p := g.members[idx]
		next := (idx + 1) % n
		state := p.tryAllocate(grace)
		if state != StateExhausted {
			g.cursor.Store(int64(next))
			return state, p
		}
		idx = next
	}
	g.cursor.Store(int64(idx))
	return StateExhausted, nil
}

// peekNext is the non-mutating twin of acquire, used by the redirect
// flow. The cursor still advances on both success and failure so
// successive peeks keep rotating (see DESIGN.md open question on peek
// side effects).
func (g *priorityGroup) peekNext(grace bool) *ProviderConfig {
	n := len(g.members)
	if n == 1 {
		if g.members[0].peekNext(grace) {
			return g.members[0]
		}
		return nil
	}

	idx := int(g.cursor.Load()) % n
	for i := 0; i < n; i++ {
		p := g.members[idx]
		next := (idx + 1) % n
		if p.peekNext(grace) {
			g.cursor.Store(int64(next))
			return p
		}
		idx = next
	}
	g.cursor.Store(int64(idx))
	return nil
}
