package provider

import "testing"

// TestLineup_SingleProvider_Scenario covers a single provider with no
// aliases taken past its limit into grace then exhaustion.
func TestLineup_SingleProvider_Scenario(t *testing.T) {
	cfg := InputConfig{Name: "p1", MaxConnections: 2}
	e := buildLineupEntry(cfg)

	want := []AllocationState{StateAvailable, StateAvailable, StateGracePeriod, StateExhausted}
	for i, w := range want {
		state, _ := e.impl.acquire()
		if state != w {
			t.Fatalf("call %d: expected %v, got %v", i+1, w, state)
		}
	}
}

// TestLineup_SameParity_Alias covers a primary and one same-priority alias
// round-robining before either hits grace.
func TestLineup_SameParity_Alias(t *testing.T) {
	cfg := InputConfig{
		Name: "p1", MaxConnections: 1, Priority: 1,
		Aliases: []AliasConfig{
			{Name: "a2", MaxConnections: 2, Priority: 1},
		},
	}
	e := buildLineupEntry(cfg)

	type step struct {
		state AllocationState
		name  string
	}
	want := []step{
		{StateAvailable, "p1"},
		{StateAvailable, "a2"},
		{StateAvailable, "a2"},
		{StateGracePeriod, "p1"},
		{StateGracePeriod, "a2"},
		{StateExhausted, ""},
	}
	for i, w := range want {
		state, p := e.impl.acquire()
		if state != w.state {
			t.Fatalf("call %d: expected state %v, got %v", i+1, w.state, state)
		}
		if w.state != StateExhausted && p.Name != w.name {
			t.Fatalf("call %d: expected provider %s, got %s", i+1, w.name, p.Name)
		}
	}
}

// TestLineup_PriorityAlias_Preempts covers a higher-priority alias (lower
// priority number) being drained before the primary is ever touched.
func TestLineup_PriorityAlias_Preempts(t *testing.T) {
	cfg := InputConfig{
		Name: "p1", MaxConnections: 2, Priority: 1,
		Aliases: []AliasConfig{
			{Name: "a2", MaxConnections: 2, Priority: 0},
		},
	}
	e := buildLineupEntry(cfg)

	type step struct {
		state AllocationState
		name  string
	}
	want := []step{
		{StateAvailable, "a2"},
		{StateAvailable, "a2"},
		{StateAvailable, "p1"},
	}
	for i, w := range want {
		state, p := e.impl.acquire()
		if state != w.state || p.Name != w.name {
			t.Fatalf("call %d: expected %v(%s), got %v(%s)", i+1, w.state, w.name, state, p.Name)
		}
	}
}

// TestLineup_MultipleAliases_MixedPriority covers three priority levels:
// a higher-priority alias drained first, then the primary and the
// same-priority alias round-robining, each through grace before the
// lineup reports exhausted.
func TestLineup_MultipleAliases_MixedPriority(t *testing.T) {
	cfg := InputConfig{
		Name: "p1", MaxConnections: 1, Priority: 1,
		Aliases: []AliasConfig{
			{Name: "a2", MaxConnections: 2, Priority: 1},
			{Name: "a3", MaxConnections: 1, Priority: 0},
		},
	}
	e := buildLineupEntry(cfg)

	type step struct {
		state AllocationState
		name  string
	}
	want := []step{
		{StateAvailable, "a3"},
		{StateAvailable, "p1"},
		{StateAvailable, "a2"},
		{StateAvailable, "a2"},
		{StateGracePeriod, "a3"},
		{StateGracePeriod, "p1"},
		{StateGracePeriod, "a2"},
	}
	for i, w := range want {
		state, p := e.impl.acquire()
		if state != w.state || p.Name != w.name {
			t.Fatalf("call %d: expected %v(%s), got %v(%s)", i+1, w.state, w.name, state, p.Name)
		}
	}
	if state, _ := e.impl.acquire(); state != StateExhausted {
		t.Fatalf("8th call: expected Exhausted, got %v", state)
	}
}

// TestLineup_ReleaseInterleaved covers release freeing capacity mid-sequence
// on a two-slot single-provider lineup.
func TestLineup_ReleaseInterleaved(t *testing.T) {
	cfg := InputConfig{Name: "p1", MaxConnections: 2}
	e := buildLineupEntry(cfg)

	step := func(want AllocationState) {
		state, _ := e.impl.acquire()
		if state != want {
			t.Fatalf("expected %v, got %v", want, state)
		}
	}

	step(StateAvailable)
	step(StateAvailable)
	step(StateGracePeriod)
	e.impl.release("p1")
	step(StateGracePeriod)
	e.impl.release("p1")
	e.impl.release("p1")
	step(StateAvailable)
	step(StateGracePeriod)
	step(StateExhausted)
}
