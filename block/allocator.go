package block

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/emirpasic/gods/v2/lists/doublylinkedlist"
)

// Variant selects the block implementation an allocator hands out.
type Variant int

const (
	VariantNaive Variant = iota
	VariantPrefixCaching
)

// Allocator hands out physical block IDs for one device-local pool and owns
// the sharing bookkeeping: reference counts, the copy-on-write log, and the
// recycling pool of block records.
type Allocator interface {
	AllocateMutableBlock(prev Block) (Block, error)
	AllocateImmutableBlock(prev Block, tokenIDs []int32) (Block, error)
	AllocateImmutableBlocks(prev Block, blockTokenIDs [][]int32) ([]Block, error)
	Free(b Block) error
	Fork(last Block) ([]Block, error)
	SwapOut(blocks []Block) error
	SwapIn(blocks []Block) error

	NumFreeBlocks() int
	NumTotalBlocks() int
	// PhysicalBlockID translates a sparse absolute ID into its rank within
	// the allocator's sorted ID universe.
	PhysicalBlockID(absoluteID int) (int, error)
	AllBlockIDs() []int
	NumFullBlocksTouched(blocks []Block) int
	BlockSize() int

	ClearCopyOnWrites() []CopyOnWrite

	// Prefix caching surface. The naive allocator keeps these in the
	// contract so a prefix-caching allocator is drop-in, but returns empty
	// results or ErrNotSupported.
	MarkBlocksAsAccessed(blockIDs []int, now float64)
	MarkBlocksAsComputed(blockIDs []int)
	CommonComputedBlockIDs(seqBlockIDs [][]int) []int
	FindCachedBlocksPrefix(blockHashes []int64) []int64
	PromoteToImmutableBlock(b Block) (int, error)
	PrefixCacheHitRate() float64
	ResetPrefixCache() bool
}

var _ Allocator = (*NaiveAllocator)(nil)

// Forked sequences bind extra records to already-allocated IDs, so the
// record pool is sized past the ID universe.
const poolSizeFactor = 4

// NaiveAllocator is the non-device-aware core allocator. It is not safe for
// concurrent use; the outer scheduler calls into it serially.
type NaiveAllocator struct {
	blockSize  int
	freeIDs    *doublylinkedlist.List[int]
	allIDs     map[int]struct{}
	sortedIDs  []int
	refcounter *RefCounter
	cowTracker *CopyOnWriteTracker
	pool       *BlockPool
}

// NewNaiveAllocator builds an allocator over the given ID universe. blockIDs
// may be nil, in which case the universe is {0, ..., numBlocks-1}; the
// device-aware facade passes disjoint ranges instead. variant selects the
// block implementation the pool constructs.
func NewNaiveAllocator(variant Variant, numBlocks, blockSize int, blockIDs []int) *NaiveAllocator {
	if blockIDs == nil {
		blockIDs = make([]int, numBlocks)
		for i := range blockIDs {
			blockIDs[i] = i
		}
	}

	a := &NaiveAllocator{
		blockSize:  blockSize,
		freeIDs:    doublylinkedlist.New[int](),
		allIDs:     make(map[int]struct{}, len(blockIDs)),
		refcounter: NewRefCounter(blockIDs),
	}
	for _, id := range blockIDs {
		a.freeIDs.Append(id)
		a.allIDs[id] = struct{}{}
	}
	a.sortedIDs = slices.Clone(blockIDs)
	slices.Sort(a.sortedIDs)
	a.cowTracker = NewCopyOnWriteTracker(a.refcounter.AsReadOnly())

	var createBlock Factory
	switch variant {
	case VariantPrefixCaching:
		createBlock = func(prev Block, tokenIDs []int32, blockSize, blockID int) Block {
			return newPrefixBlock(a, prev, tokenIDs, blockSize, blockID)
		}
	default:
		createBlock = func(prev Block, tokenIDs []int32, blockSize, blockID int) Block {
			return newNaiveBlock(a, prev, tokenIDs, blockSize, blockID)
		}
	}
	a.pool = NewBlockPool(blockSize, createBlock, len(blockIDs)*poolSizeFactor)

	return a
}

// allocateBlockID pops the ID at the front of the free list, which is the
// most recently freed one, and takes the first reference to it.
func (a *NaiveAllocator) allocateBlockID() (int, error) {
	if a.freeIDs.Size() == 0 {
		return -1, ErrNoFreeBlocks
	}
	id, _ := a.freeIDs.Get(0)
	a.freeIDs.Remove(0)
	a.refcounter.Incr(id)
	return id, nil
}

// freeBlockID drops one reference to id. When the count reaches zero the ID
// goes back on the front of the free list, so recently freed IDs are reused
// first and the downstream physical storage stays warm.
func (a *NaiveAllocator) freeBlockID(id int) {
	if a.refcounter.Decr(id) == 0 {
		a.freeIDs.Prepend(id)
	}
}

func (a *NaiveAllocator) AllocateMutableBlock(prev Block) (Block, error) {
	id, err := a.allocateBlockID()
	if err != nil {
		return nil, err
	}
	return a.pool.InitBlock(prev, nil, a.blockSize, id), nil
}

func (a *NaiveAllocator) AllocateImmutableBlock(prev Block, tokenIDs []int32) (Block, error) {
	b, err := a.AllocateMutableBlock(prev)
	if err != nil {
		return nil, err
	}
	if err := b.AppendTokenIDs(tokenIDs); err != nil {
		a.Free(b)
		return nil, err
	}
	return b, nil
}

// AllocateImmutableBlocks is the batch form. All IDs are reserved up front
// so a shortage fails before any state changes; the blocks are then
// initialized in order with prev chaining through the fresh blocks.
func (a *NaiveAllocator) AllocateImmutableBlocks(prev Block, blockTokenIDs [][]int32) ([]Block, error) {
	if len(blockTokenIDs) > a.freeIDs.Size() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNoFreeBlocks, len(blockTokenIDs), a.freeIDs.Size())
	}

	ids := make([]int, len(blockTokenIDs))
	for i := range ids {
		ids[i], _ = a.allocateBlockID()
	}

	blocks := make([]Block, 0, len(blockTokenIDs))
	for i, tokenIDs := range blockTokenIDs {
		b := a.pool.InitBlock(prev, tokenIDs, a.blockSize, ids[i])
		blocks = append(blocks, b)
		prev = b
	}
	return blocks, nil
}

// Free releases the block's physical ID and returns its record to the pool.
func (a *NaiveAllocator) Free(b Block) error {
	return a.free(b, false)
}

func (a *NaiveAllocator) free(b Block, keepObject bool) error {
	id := b.BlockID()
	if id < 0 {
		return fmt.Errorf("%w: block is already detached", ErrInvalidState)
	}
	a.freeBlockID(id)
	b.SetBlockID(-1)
	if !keepObject {
		a.pool.FreeBlock(b)
	}
	return nil
}

// Fork duplicates the chain ending at last into a sibling sequence. The new
// blocks share physical IDs with the sources; the two sequences diverge only
// when one of them appends to a shared block.
func (a *NaiveAllocator) Fork(last Block) ([]Block, error) {
	sourceBlocks := blocksInChain(last)

	forked := make([]Block, 0, len(sourceBlocks))
	var prev Block
	for _, src := range sourceBlocks {
		id := src.BlockID()
		if id < 0 {
			return nil, fmt.Errorf("%w: cannot fork detached block", ErrInvalidState)
		}
		if a.refcounter.Incr(id) == 1 {
			return nil, fmt.Errorf("%w: cannot fork freed block %d", ErrInvalidState, id)
		}
		b := a.pool.InitBlock(prev, src.TokenIDs(), a.blockSize, id)
		forked = append(forked, b)
		prev = b
	}
	return forked, nil
}

// blocksInChain walks prev links back to the sequence root and returns the
// chain in sequence order.
func blocksInChain(last Block) []Block {
	var chain []Block
	for b := last; b != nil; b = b.PrevBlock() {
		chain = append(chain, b)
	}
	slices.Reverse(chain)
	return chain
}

// cowBlockIfNotAppendable is the single point of physical divergence. If b
// is shared, the caller's reference to the current ID is released, a fresh
// ID is allocated, and the src to dst copy is recorded for the next
// ClearCopyOnWrites drain. Returns the ID the block must use from now on.
func (a *NaiveAllocator) cowBlockIfNotAppendable(b Block) (int, error) {
	src := b.BlockID()
	if a.cowTracker.IsAppendable(b) {
		return src, nil
	}

	a.freeBlockID(src)
	dst, err := a.allocateBlockID()
	if err != nil {
		// Re-take the dropped reference so exhaustion leaves the block
		// bound to its source ID.
		a.refcounter.Incr(src)
		return -1, err
	}
	a.cowTracker.RecordCOW(src, dst)
	slog.Debug("copy on write", "src", src, "dst", dst)
	return dst, nil
}

// SwapOut releases each block's physical ID while leaving the records
// intact, so the blocks can be re-bound on another device.
func (a *NaiveAllocator) SwapOut(blocks []Block) error {
	for _, b := range blocks {
		if err := a.free(b, true); err != nil {
			return err
		}
	}
	return nil
}

// SwapIn binds each block to a fresh ID with the same token contents. A
// temporary record carries the allocation; its ID is stamped onto the
// original block and the temporary goes back to the pool.
func (a *NaiveAllocator) SwapIn(blocks []Block) error {
	for _, b := range blocks {
		var tmp Block
		var err error
		if b.IsFull() {
			tmp, err = a.AllocateImmutableBlock(b.PrevBlock(), b.TokenIDs())
		} else {
			tmp, err = a.AllocateMutableBlock(b.PrevBlock())
			if err == nil {
				err = tmp.AppendTokenIDs(b.TokenIDs())
			}
		}
		if err != nil {
			return err
		}

		id := tmp.BlockID()
		tmp.SetBlockID(-1)
		a.pool.FreeBlock(tmp)
		b.SetBlockID(id)
	}
	return nil
}

func (a *NaiveAllocator) NumFreeBlocks() int {
	return a.freeIDs.Size()
}

func (a *NaiveAllocator) NumTotalBlocks() int {
	return len(a.allIDs)
}

func (a *NaiveAllocator) PhysicalBlockID(absoluteID int) (int, error) {
	rank, found := slices.BinarySearch(a.sortedIDs, absoluteID)
	if !found {
		return -1, fmt.Errorf("%w: unknown block id %d", ErrInvalidState, absoluteID)
	}
	return rank, nil
}

// AllBlockIDs returns the allocator's ID universe in ascending order.
func (a *NaiveAllocator) AllBlockIDs() []int {
	return slices.Clone(a.sortedIDs)
}

// NumFullBlocksTouched counts the distinct physical IDs held by full blocks.
func (a *NaiveAllocator) NumFullBlocksTouched(blocks []Block) int {
	fullIDs := make(map[int]struct{})
	for _, b := range blocks {
		if b.IsFull() {
			fullIDs[b.BlockID()] = struct{}{}
		}
	}
	return len(fullIDs)
}

func (a *NaiveAllocator) BlockSize() int {
	return a.blockSize
}

func (a *NaiveAllocator) ClearCopyOnWrites() []CopyOnWrite {
	return a.cowTracker.ClearCOWs()
}

func (a *NaiveAllocator) MarkBlocksAsAccessed(blockIDs []int, now float64) {}

func (a *NaiveAllocator) MarkBlocksAsComputed(blockIDs []int) {}

func (a *NaiveAllocator) CommonComputedBlockIDs(seqBlockIDs [][]int) []int {
	return nil
}

func (a *NaiveAllocator) FindCachedBlocksPrefix(blockHashes []int64) []int64 {
	return nil
}

func (a *NaiveAllocator) PromoteToImmutableBlock(b Block) (int, error) {
	return -1, fmt.Errorf("%w: promotion requires prefix caching", ErrNotSupported)
}

func (a *NaiveAllocator) PrefixCacheHitRate() float64 {
	return 0
}

func (a *NaiveAllocator) ResetPrefixCache() bool {
	return true
}
