package images

import (
	"sync"

	"golang.org/x/net/html"
)

// State is the processing state of one image element.
type State int

const (
	Unclaimed State = iota
	Queued
	Done
	Failed
	// Skipped marks an image processed without a transform, e.g. in a dry run.
	Skipped
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unclaimed"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Skipped
}

// allowed lists the only legal transitions. Nothing goes back to Unclaimed.
var allowed = map[State][]State{
	Unclaimed: {Queued},
	Queued:    {Done, Failed, Skipped},
}

// Table is the side-table of image states keyed by element identity. It
// replaces flags on the element itself; every transition goes through
// Transition so concurrent discovery passes cannot double-claim.
type Table struct {
	mu     sync.Mutex
	states map[*html.Node]State
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{states: make(map[*html.Node]State)}
}

// Get returns the state of n; unknown elements are Unclaimed.
func (t *Table) Get(n *html.Node) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[n]
}

// Transition moves n from one state to another. It returns false, changing
// nothing, when n is not currently in from or the move is not legal.
func (t *Table) Transition(n *html.Node, from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(n, from, to)
}

func (t *Table) transitionLocked(n *html.Node, from, to State) bool {
	if t.states == nil {
		t.states = make(map[*html.Node]State)
	}
	if t.states[n] != from {
		return false
	}
	for _, next := range allowed[from] {
		if next == to {
			t.states[n] = to
			return true
		}
	}
	return false
}

// Claim moves every unclaimed node to Queued in one step and returns the
// ones this call claimed.
func (t *Table) Claim(nodes []*html.Node) []*html.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		if t.transitionLocked(n, Unclaimed, Queued) {
			out = append(out, n)
		}
	}
	return out
}

// Counts returns how many elements are in each state.
func (t *Table) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[State]int)
	for _, s := range t.states {
		out[s]++
	}
	return out
}
