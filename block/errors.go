package block

import "errors"

var (
	// ErrNoFreeBlocks is returned when an allocator has no physical block IDs
	// left to hand out. The scheduler recovers from this, typically by
	// preempting a sequence and swapping it out.
	ErrNoFreeBlocks = errors.New("no free blocks available")

	// ErrInvalidState indicates a precondition violation: allocating an
	// already-allocated table, appending to an empty one, forking a detached
	// block, freeing twice. It always means a bug in the caller.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotEnoughSlots is returned when a token chunk does not fit in the
	// empty slots of its target block.
	ErrNotEnoughSlots = errors.New("not enough empty slots")

	// ErrNotSupported is returned for prefix caching operations the naive
	// allocator does not implement.
	ErrNotSupported = errors.New("operation not supported by this allocator")
)
