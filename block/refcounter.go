package block

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RefCounter tracks the number of live references to each physical block ID.
// The ID domain is fixed at construction. An unknown ID or a decrement of a
// zero count is a bug in the allocator rather than a recoverable condition,
// so both panic instead of returning an error.
type RefCounter struct {
	refcounts *orderedmap.OrderedMap[int, int]
}

func NewRefCounter(allBlockIDs []int) *RefCounter {
	refcounts := orderedmap.New[int, int]()
	for _, id := range allBlockIDs {
		refcounts.Set(id, 0)
	}
	return &RefCounter{refcounts: refcounts}
}

// Incr bumps the reference count for blockID and returns the new count.
func (r *RefCounter) Incr(blockID int) int {
	count, ok := r.refcounts.Get(blockID)
	if !ok {
		panic(fmt.Sprintf("refcounter: unknown block id %d", blockID))
	}
	if count < 0 {
		panic(fmt.Sprintf("refcounter: negative refcount %d for block id %d", count, blockID))
	}
	count++
	r.refcounts.Set(blockID, count)
	return count
}

// Decr drops the reference count for blockID and returns the new count.
// Reaching zero is the signal to return the ID to the allocator's free list.
func (r *RefCounter) Decr(blockID int) int {
	count, ok := r.refcounts.Get(blockID)
	if !ok {
		panic(fmt.Sprintf("refcounter: unknown block id %d", blockID))
	}
	if count <= 0 {
		panic(fmt.Sprintf("refcounter: decrement of free block id %d", blockID))
	}
	count--
	r.refcounts.Set(blockID, count)
	return count
}

func (r *RefCounter) Get(blockID int) int {
	count, ok := r.refcounts.Get(blockID)
	if !ok {
		panic(fmt.Sprintf("refcounter: unknown block id %d", blockID))
	}
	return count
}

// AsReadOnly returns a view of the counter that can read counts but not
// change them.
func (r *RefCounter) AsReadOnly() RefCountView {
	return RefCountView{refcounter: r}
}

// RefCountView is a read-only view of a RefCounter.
type RefCountView struct {
	refcounter *RefCounter
}

func (v RefCountView) Get(blockID int) int {
	return v.refcounter.Get(blockID)
}
