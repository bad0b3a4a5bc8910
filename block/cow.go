package block

import "fmt"

// CopyOnWrite records that the contents of block Src must be physically
// copied to block Dst before the next attention step.
type CopyOnWrite struct {
	Src int
	Dst int
}

// CopyOnWriteTracker decides whether a block can be mutated in place and
// keeps the ordered log of copies the allocator has scheduled.
type CopyOnWriteTracker struct {
	refcounts    RefCountView
	copyOnWrites []CopyOnWrite
}

func NewCopyOnWriteTracker(refcounts RefCountView) *CopyOnWriteTracker {
	return &CopyOnWriteTracker{refcounts: refcounts}
}

// IsAppendable reports whether b may be mutated in place. A detached block
// (negative ID) and a block with a single owner are both appendable.
func (t *CopyOnWriteTracker) IsAppendable(b Block) bool {
	id := b.BlockID()
	if id < 0 {
		return true
	}
	return t.refcounts.Get(id) <= 1
}

func (t *CopyOnWriteTracker) RecordCOW(src, dst int) {
	if src < 0 || dst < 0 {
		panic(fmt.Sprintf("cow: invalid block ids %d -> %d", src, dst))
	}
	t.copyOnWrites = append(t.copyOnWrites, CopyOnWrite{Src: src, Dst: dst})
}

// ClearCOWs returns the recorded copies in insertion order and empties the
// log. Consumers replay the log to produce a consistent physical state.
func (t *CopyOnWriteTracker) ClearCOWs() []CopyOnWrite {
	cows := t.copyOnWrites
	t.copyOnWrites = nil
	return cows
}
