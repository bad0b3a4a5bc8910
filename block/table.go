package block

import (
	"fmt"
	"log/slog"
)

// BlockTable maps one sequence's token stream onto a list of blocks. It
// chunks incoming tokens into block-sized pieces, drives the allocator, and
// tracks how many slots the sequence has filled. Like the allocators it is
// single-caller: the outer scheduler serializes access.
type BlockTable struct {
	blockSize             int
	allocator             DeviceAllocator
	blocks                *BlockList
	numFullSlots          int
	maxBlockSlidingWindow int
}

// NewBlockTable wraps blocks (may be nil for an empty table) in a new table.
// maxBlockSlidingWindow is a block count; zero or negative disables the
// window.
func NewBlockTable(blockSize int, allocator DeviceAllocator, blocks []Block, maxBlockSlidingWindow int) *BlockTable {
	t := &BlockTable{
		blockSize:             blockSize,
		allocator:             allocator,
		blocks:                NewBlockList(),
		maxBlockSlidingWindow: maxBlockSlidingWindow,
	}
	if len(blocks) > 0 {
		t.blocks.Update(blocks)
		t.numFullSlots = t.numTokenIDs()
	}
	return t
}

// NumRequiredBlocks returns how many blocks a fresh sequence of tokenIDs
// plus lookahead slots occupies.
func NumRequiredBlocks(tokenIDs []int32, blockSize, numLookaheadSlots int) int {
	return ceilDiv(len(tokenIDs)+numLookaheadSlots, blockSize)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Allocate binds the table to blocks holding tokenIDs. Full chunks become
// immutable blocks; a trailing partial chunk becomes the one mutable block.
func (t *BlockTable) Allocate(tokenIDs []int32, device Device) error {
	if t.isAllocated() {
		return fmt.Errorf("%w: blocks already allocated", ErrInvalidState)
	}
	if len(tokenIDs) == 0 {
		return fmt.Errorf("%w: no token ids to allocate", ErrInvalidState)
	}

	blocks, err := t.allocateBlocksForTokenIDs(nil, tokenIDs, device)
	if err != nil {
		return err
	}
	t.blocks.Update(blocks)
	t.numFullSlots = len(tokenIDs)
	return nil
}

func (t *BlockTable) allocateBlocksForTokenIDs(prev Block, tokenIDs []int32, device Device) ([]Block, error) {
	var fullChunks [][]int32
	var tail []int32
	for _, chunk := range chunkTokens(tokenIDs, t.blockSize) {
		if len(chunk) == t.blockSize {
			fullChunks = append(fullChunks, chunk)
		} else {
			tail = chunk
		}
	}

	var blocks []Block
	if len(fullChunks) > 0 {
		immutable, err := t.allocator.AllocateImmutableBlocks(prev, fullChunks, device)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, immutable...)
		prev = immutable[len(immutable)-1]
	}

	if len(tail) > 0 {
		b, err := t.allocator.AllocateMutableBlock(prev, device)
		if err == nil {
			err = b.AppendTokenIDs(tail)
			if err == nil {
				blocks = append(blocks, b)
			} else {
				err = fmt.Errorf("appending tail tokens: %w", err)
			}
		}
		if err != nil {
			// Release the batch so a partial failure consumes no IDs.
			for _, allocated := range blocks {
				t.allocator.Free(allocated)
			}
			return nil, err
		}
	}

	return blocks, nil
}

// AppendTokenIDs writes tokenIDs into the table, filling the current tail
// block first and growing the table as needed. When a sliding window is
// configured, blocks that fell out of the window are freed and replaced
// with the null sentinel; numComputedSlots locates the window and must be
// provided. Lookahead slots are pre-allocated but not filled.
func (t *BlockTable) AppendTokenIDs(tokenIDs []int32, numLookaheadSlots, numComputedSlots int) error {
	if !t.isAllocated() {
		return fmt.Errorf("%w: no blocks have been allocated", ErrInvalidState)
	}

	if t.maxBlockSlidingWindow > 0 {
		if numComputedSlots < 0 {
			return fmt.Errorf("%w: computed slot count required for sliding window", ErrInvalidState)
		}
		if err := t.evictOutsideWindow(numComputedSlots); err != nil {
			return err
		}
	}

	if err := t.EnsureNumEmptySlots(len(tokenIDs) + numLookaheadSlots); err != nil {
		return err
	}

	firstBlockIdx := t.numFullSlots / t.blockSize
	for i, chunk := range t.chunkTokenBlocksForAppend(tokenIDs) {
		if err := t.blocks.AppendTokenIDs(firstBlockIdx+i, chunk); err != nil {
			return err
		}
	}
	t.numFullSlots += len(tokenIDs)
	return nil
}

// evictOutsideWindow frees every block strictly below the window boundary
// and overwrites its slot with the null sentinel. numFullSlots is left
// untouched; the null block contributes zero tokens by construction.
func (t *BlockTable) evictOutsideWindow(numComputedSlots int) error {
	null := t.allocator.AllocateOrGetNullBlock()
	end := numComputedSlots/t.blockSize - t.maxBlockSlidingWindow
	end = min(end, t.blocks.Size())
	for idx := 0; idx < end; idx++ {
		b := t.blocks.Block(idx)
		if b == null {
			continue
		}
		if err := t.allocator.Free(b); err != nil {
			return err
		}
		t.blocks.SetBlock(idx, null)
		slog.Debug("evicted block outside sliding window", "index", idx)
	}
	return nil
}

// EnsureNumEmptySlots grows the table with mutable blocks until at least
// numEmptySlots slots are writable. The shortage check runs before any
// allocation so exhaustion leaves the table unchanged.
func (t *BlockTable) EnsureNumEmptySlots(numEmptySlots int) error {
	if !t.isAllocated() {
		return fmt.Errorf("%w: no blocks have been allocated", ErrInvalidState)
	}
	if t.numEmptySlots() >= numEmptySlots {
		return nil
	}

	// Growth happens on the decode path, which lives on the GPU pool.
	blocksToAllocate := ceilDiv(numEmptySlots-t.numEmptySlots(), t.blockSize)
	if free := t.allocator.NumFreeBlocks(DeviceGPU); blocksToAllocate > free {
		return fmt.Errorf("%w: need %d blocks, %d free", ErrNoFreeBlocks, blocksToAllocate, free)
	}

	for i := 0; i < blocksToAllocate; i++ {
		last := t.blocks.Block(t.blocks.Size() - 1)
		b, err := t.allocator.AllocateMutableBlock(last, DeviceGPU)
		if err != nil {
			return err
		}
		t.blocks.Append(b)
	}
	return nil
}

// Fork creates a sibling table over the same block chain. The physical IDs
// are shared via reference counting; the block and ID lists are not.
func (t *BlockTable) Fork() (*BlockTable, error) {
	if !t.isAllocated() {
		return nil, fmt.Errorf("%w: no blocks have been allocated", ErrInvalidState)
	}
	forked, err := t.allocator.Fork(t.blocks.Block(t.blocks.Size() - 1))
	if err != nil {
		return nil, err
	}
	return NewBlockTable(t.blockSize, t.allocator, forked, t.maxBlockSlidingWindow), nil
}

// Update replaces the table's blocks, rebuilding the ID mirror. Callers use
// it after operations that rebind blocks in place, such as a device swap.
func (t *BlockTable) Update(blocks []Block) {
	t.blocks.Update(blocks)
}

// Free releases every block and resets the table. Calling Free on an
// already-freed table has no effect.
func (t *BlockTable) Free() error {
	for _, b := range t.blocks.Blocks() {
		if err := t.allocator.Free(b); err != nil {
			return err
		}
	}
	t.blocks.Reset()
	t.numFullSlots = 0
	return nil
}

// PhysicalBlockIDs returns the table's ID mirror. The slice is owned by the
// table and must not be mutated.
func (t *BlockTable) PhysicalBlockIDs() []int {
	return t.blocks.IDs()
}

// UnseenTokenIDs returns the suffix of sequenceTokenIDs that has not been
// appended to the table yet.
func (t *BlockTable) UnseenTokenIDs(sequenceTokenIDs []int32) []int32 {
	if len(sequenceTokenIDs) <= t.numFullSlots {
		return nil
	}
	return sequenceTokenIDs[t.numFullSlots:]
}

func (t *BlockTable) NumFullSlots() int {
	return t.numFullSlots
}

func (t *BlockTable) Blocks() []Block {
	return t.blocks.Blocks()
}

// NumBlocksTouchedByAppendSlots returns how many blocks an append of
// tokenIDs plus lookahead slots would write to, counting the partial tail
// block first.
func (t *BlockTable) NumBlocksTouchedByAppendSlots(tokenIDs []int32, numLookaheadSlots int) int {
	numTokens := len(tokenIDs) + numLookaheadSlots
	firstChunkSize := t.blockSize - t.numFullSlots%t.blockSize
	if numTokens <= firstChunkSize {
		return 1
	}
	return 1 + ceilDiv(numTokens-firstChunkSize, t.blockSize)
}

func (t *BlockTable) isAllocated() bool {
	return t.blocks.Size() > 0
}

func (t *BlockTable) numEmptySlots() int {
	return t.blocks.Size()*t.blockSize - t.numFullSlots
}

func (t *BlockTable) numTokenIDs() int {
	total := 0
	for _, b := range t.blocks.Blocks() {
		total += len(b.TokenIDs())
	}
	return total
}

// chunkTokenBlocksForAppend splits tokenIDs so the first chunk tops up the
// current tail block and the rest fall on block boundaries.
func (t *BlockTable) chunkTokenBlocksForAppend(tokenIDs []int32) [][]int32 {
	if len(tokenIDs) == 0 {
		return nil
	}
	firstChunkSize := t.blockSize - t.numFullSlots%t.blockSize
	if firstChunkSize >= len(tokenIDs) {
		return [][]int32{tokenIDs}
	}
	chunks := [][]int32{tokenIDs[:firstChunkSize]}
	return append(chunks, chunkTokens(tokenIDs[firstChunkSize:], t.blockSize)...)
}

// chunkTokens splits tokenIDs into size-sized pieces; the last piece may be
// short.
func chunkTokens(tokenIDs []int32, size int) [][]int32 {
	var chunks [][]int32
	for i := 0; i < len(tokenIDs); i += size {
		chunks = append(chunks, tokenIDs[i:min(i+size, len(tokenIDs))])
	}
	return chunks
}
