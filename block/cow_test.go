package block

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCopyOnWriteTrackerAppendable(t *testing.T) {
	a := NewNaiveAllocator(VariantNaive, 4, 2, nil)
	tracker := NewCopyOnWriteTracker(a.refcounter.AsReadOnly())

	detached := newNaiveBlock(a, nil, nil, 2, -1)
	if !tracker.IsAppendable(detached) {
		t.Error("detached block should be appendable")
	}

	b, err := a.AllocateMutableBlock(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !tracker.IsAppendable(b) {
		t.Error("sole-owner block should be appendable")
	}

	a.refcounter.Incr(b.BlockID())
	if tracker.IsAppendable(b) {
		t.Error("shared block should not be appendable")
	}
}

func TestCopyOnWriteTrackerLogOrder(t *testing.T) {
	r := NewRefCounter([]int{0, 1, 2, 3})
	tracker := NewCopyOnWriteTracker(r.AsReadOnly())

	tracker.RecordCOW(0, 1)
	tracker.RecordCOW(2, 3)
	tracker.RecordCOW(0, 2)

	want := []CopyOnWrite{{Src: 0, Dst: 1}, {Src: 2, Dst: 3}, {Src: 0, Dst: 2}}
	if diff := cmp.Diff(want, tracker.ClearCOWs()); diff != "" {
		t.Errorf("cow log mismatch (-want +got):\n%s", diff)
	}

	if got := tracker.ClearCOWs(); len(got) != 0 {
		t.Errorf("log should be empty after clear, got %v", got)
	}
}

func TestCopyOnWriteTrackerRejectsDetachedIDs(t *testing.T) {
	r := NewRefCounter([]int{0})
	tracker := NewCopyOnWriteTracker(r.AsReadOnly())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative id")
		}
	}()
	tracker.RecordCOW(-1, 0)
}
