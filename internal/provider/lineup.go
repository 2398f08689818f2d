package provider

import (
	"sort"
	"sync/atomic"
)

// lineup is implemented by singleLineup and multiLineup: the per-input
// container that owns the priority walk and exposes acquire/peekNext/
// release to the manager.
type lineup interface {
	acquire() (AllocationState, *ProviderConfig)
	peekNext() *ProviderConfig
	release(providerName string)
}

// singleLineup wraps exactly one ProviderConfig — an input with no
// aliases. It bypasses the group/cursor machinery entirely; acquire always
// requests grace directly since there is nothing to round-robin.
type singleLineup struct {
	provider *ProviderConfig
}

func (l *singleLineup) acquire() (AllocationState, *ProviderConfig) {
	state := l.provider.tryAllocate(true)
	if state == StateExhausted {
		return StateExhausted, nil
	}
	return state, l.provider
}

// peekNext never asks for grace on a single-provider lineup: there's no
// sibling to fall back to, and the source only ever probes the strict
// limit here.
func (l *singleLineup) peekNext() *ProviderConfig {
	if l.provider.peekNext(false) {
		return l.provider
	}
	return nil
}

func (l *singleLineup) release(providerName string) {
	if l.provider.Name == providerName {
		l.provider.release()
	}
}

// multiLineup holds priority groups sorted ascending (highest priority
// first) plus a shared cursor advancing when the current head group
// becomes exhausted.
type multiLineup struct {
	groups  []*priorityGroup
	mainIdx atomic.Int64
}

func newMultiLineup(all []*ProviderConfig) *multiLineup {
	buckets := map[int16][]*ProviderConfig{}
	var keys []int16
	for _, p := range all {
		if _, ok := buckets[p.Priority]; !ok {
			keys = append(keys, p.Priority)
		}
		buckets[p.Priority] = append(buckets[p.Priority], p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	groups := make([]*priorityGroup, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, newPriorityGroup(buckets[k]))
	}
	return &multiLineup{groups: groups}
}

// acquire walks groups from mainIdx to len-1 — deliberately not wrapping
// within a single call. A group that denies without grace is retried with
// grace before moving to the next group. When the granting
// group is left fully exhausted, mainIdx advances (mod len) so later
// calls resume past it; a release against an earlier group does not
// rewind mainIdx, it is rediscovered the next time the scan starts there.
func (l *multiLineup) acquire() (AllocationState, *ProviderConfig) {
	n := len(l.groups)
	start := int(l.mainIdx.Load())

	for i := start; i < n; i++ {
		g := l.groups[i]
		state, p := g.acquire(false)
		if state == StateExhausted {
			state, p = g.acquire(true)
		}
		if state != StateExhausted {
			if g.isExhausted() {
				l.mainIdx.Store(int64((i + 1) % n))
			}
			return state, p
		}
	}
	return StateExhausted, nil
}

func (l *multiLineup) peekNext() *ProviderConfig {
	n := len(l.groups)
	start := int(l.mainIdx.Load())

	for i := start; i < n; i++ {
		g := l.groups[i]
		p := g.peekNext(false)
		if p == nil {
			p = g.peekNext(true)
		}
		if p != nil {
			if g.isExhausted() {
				l.mainIdx.Store(int64((i + 1) % n))
			}
			return p
		}
	}
	return nil
}

func (l *multiLineup) release(providerName string) {
	for _, g := range l.groups {
		for _, p := range g.members {
			if p.Name == providerName {
				p.release()
				return
			}
		}
	}
}
