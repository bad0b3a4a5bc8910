package block

import (
	"fmt"
	"log/slog"
)

// Device routes an allocation to one of the underlying device-local pools.
type Device int

const (
	DeviceGPU Device = iota
	DeviceCPU
)

func (d Device) String() string {
	switch d {
	case DeviceGPU:
		return "gpu"
	case DeviceCPU:
		return "cpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// DeviceAllocator multiplexes one allocator per device behind a single
// interface with a globally unique physical ID space.
type DeviceAllocator interface {
	AllocateMutableBlock(prev Block, device Device) (Block, error)
	AllocateImmutableBlock(prev Block, tokenIDs []int32, device Device) (Block, error)
	AllocateImmutableBlocks(prev Block, blockTokenIDs [][]int32, device Device) ([]Block, error)
	Free(b Block) error
	Fork(last Block) ([]Block, error)
	Swap(blocks []Block, src, dst Device) (map[int]int, error)

	NumFreeBlocks(device Device) int
	NumTotalBlocks(device Device) int
	PhysicalBlockID(device Device, absoluteID int) (int, error)
	NumFullBlocksTouched(blocks []Block, device Device) int
	BlockSize() int

	ClearCopyOnWrites() []CopyOnWrite
	AllocateOrGetNullBlock() Block

	MarkBlocksAsAccessed(blockIDs []int, now float64)
	MarkBlocksAsComputed(blockIDs []int)
	CommonComputedBlockIDs(seqBlockIDs [][]int) []int
	FindCachedBlocksPrefix(blockHashes []int64, device Device) []int64
	PrefixCacheHitRate(device Device) float64
	ResetPrefixCache() bool
}

var _ DeviceAllocator = (*CPUGPUBlockAllocator)(nil)

// CPUGPUBlockAllocator fronts a GPU pool and a CPU pool. The GPU allocator
// owns IDs [0, numGPUBlocks) and the CPU allocator owns
// [numGPUBlocks, numGPUBlocks+numCPUBlocks), so an absolute ID identifies
// its device.
type CPUGPUBlockAllocator struct {
	blockSize     int
	allocators    map[Device]*NaiveAllocator
	idToAllocator map[int]*NaiveAllocator
}

func NewCPUGPUBlockAllocator(variant Variant, numGPUBlocks, numCPUBlocks, blockSize int) *CPUGPUBlockAllocator {
	gpuIDs := idRange(0, numGPUBlocks)
	cpuIDs := idRange(numGPUBlocks, numGPUBlocks+numCPUBlocks)

	c := &CPUGPUBlockAllocator{
		blockSize: blockSize,
		allocators: map[Device]*NaiveAllocator{
			DeviceGPU: NewNaiveAllocator(variant, numGPUBlocks, blockSize, gpuIDs),
			DeviceCPU: NewNaiveAllocator(variant, numCPUBlocks, blockSize, cpuIDs),
		},
		idToAllocator: make(map[int]*NaiveAllocator, numGPUBlocks+numCPUBlocks),
	}
	for _, a := range c.allocators {
		for _, id := range a.AllBlockIDs() {
			c.idToAllocator[id] = a
		}
	}
	return c
}

func idRange(start, end int) []int {
	ids := make([]int, 0, end-start)
	for id := start; id < end; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (c *CPUGPUBlockAllocator) AllocateMutableBlock(prev Block, device Device) (Block, error) {
	return c.allocators[device].AllocateMutableBlock(prev)
}

func (c *CPUGPUBlockAllocator) AllocateImmutableBlock(prev Block, tokenIDs []int32, device Device) (Block, error) {
	return c.allocators[device].AllocateImmutableBlock(prev, tokenIDs)
}

func (c *CPUGPUBlockAllocator) AllocateImmutableBlocks(prev Block, blockTokenIDs [][]int32, device Device) ([]Block, error) {
	return c.allocators[device].AllocateImmutableBlocks(prev, blockTokenIDs)
}

// Free routes the block back to the allocator that owns its ID. Freeing the
// null sentinel is a no-op.
func (c *CPUGPUBlockAllocator) Free(b Block) error {
	if b == theNullBlock {
		return nil
	}
	id := b.BlockID()
	a, ok := c.idToAllocator[id]
	if !ok {
		return fmt.Errorf("%w: block id %d belongs to no device", ErrInvalidState, id)
	}
	return a.Free(b)
}

// Fork routes on the last block's ID; a chain never spans devices.
func (c *CPUGPUBlockAllocator) Fork(last Block) ([]Block, error) {
	a, ok := c.idToAllocator[last.BlockID()]
	if !ok {
		return nil, fmt.Errorf("%w: cannot fork detached block", ErrInvalidState)
	}
	return a.Fork(last)
}

// Swap moves blocks from src to dst, returning the old-to-new ID mapping so
// the caller can orchestrate the physical transfer.
func (c *CPUGPUBlockAllocator) Swap(blocks []Block, src, dst Device) (map[int]int, error) {
	srcIDs := make([]int, len(blocks))
	for i, b := range blocks {
		srcIDs[i] = b.BlockID()
	}

	if err := c.allocators[src].SwapOut(blocks); err != nil {
		return nil, err
	}
	if err := c.allocators[dst].SwapIn(blocks); err != nil {
		return nil, err
	}

	mapping := make(map[int]int, len(blocks))
	for i, b := range blocks {
		if srcIDs[i] >= 0 {
			mapping[srcIDs[i]] = b.BlockID()
		}
	}
	slog.Debug("swapped blocks", "count", len(blocks), "src", src, "dst", dst)
	return mapping, nil
}

func (c *CPUGPUBlockAllocator) NumFreeBlocks(device Device) int {
	return c.allocators[device].NumFreeBlocks()
}

func (c *CPUGPUBlockAllocator) NumTotalBlocks(device Device) int {
	return c.allocators[device].NumTotalBlocks()
}

func (c *CPUGPUBlockAllocator) PhysicalBlockID(device Device, absoluteID int) (int, error) {
	return c.allocators[device].PhysicalBlockID(absoluteID)
}

func (c *CPUGPUBlockAllocator) NumFullBlocksTouched(blocks []Block, device Device) int {
	return c.allocators[device].NumFullBlocksTouched(blocks)
}

func (c *CPUGPUBlockAllocator) BlockSize() int {
	return c.blockSize
}

// ClearCopyOnWrites drains both device logs, GPU first. Each log preserves
// its own insertion order.
func (c *CPUGPUBlockAllocator) ClearCopyOnWrites() []CopyOnWrite {
	cows := c.allocators[DeviceGPU].ClearCopyOnWrites()
	return append(cows, c.allocators[DeviceCPU].ClearCopyOnWrites()...)
}

func (c *CPUGPUBlockAllocator) MarkBlocksAsAccessed(blockIDs []int, now float64) {
	c.allocators[DeviceGPU].MarkBlocksAsAccessed(blockIDs, now)
}

func (c *CPUGPUBlockAllocator) MarkBlocksAsComputed(blockIDs []int) {
	c.allocators[DeviceGPU].MarkBlocksAsComputed(blockIDs)
}

func (c *CPUGPUBlockAllocator) CommonComputedBlockIDs(seqBlockIDs [][]int) []int {
	return c.allocators[DeviceGPU].CommonComputedBlockIDs(seqBlockIDs)
}

func (c *CPUGPUBlockAllocator) FindCachedBlocksPrefix(blockHashes []int64, device Device) []int64 {
	return c.allocators[device].FindCachedBlocksPrefix(blockHashes)
}

func (c *CPUGPUBlockAllocator) PrefixCacheHitRate(device Device) float64 {
	return c.allocators[device].PrefixCacheHitRate()
}

func (c *CPUGPUBlockAllocator) ResetPrefixCache() bool {
	ok := true
	for _, a := range c.allocators {
		ok = a.ResetPrefixCache() && ok
	}
	return ok
}

// AllocateOrGetNullBlock returns the process-wide sentinel that stands in
// for sliding-window-evicted slots. It owns no physical ID and holds no
// tokens.
func (c *CPUGPUBlockAllocator) AllocateOrGetNullBlock() Block {
	return theNullBlock
}

var theNullBlock Block = &nullBlock{}

// nullBlock is a zero-capacity, zero-token sentinel. It reports itself full
// so no append path ever targets it, and it keeps block ID -1 so it can
// never be freed into an allocator.
type nullBlock struct{}

func (*nullBlock) AppendTokenIDs(tokenIDs []int32) error {
	return fmt.Errorf("%w: cannot append to the null block", ErrInvalidState)
}

func (*nullBlock) TokenIDs() []int32       { return nil }
func (*nullBlock) NumEmptySlots() int      { return 0 }
func (*nullBlock) IsFull() bool            { return true }
func (*nullBlock) BlockSize() int          { return 0 }
func (*nullBlock) PrevBlock() Block        { return nil }
func (*nullBlock) SetPrevBlock(Block)      { panic("null block is immutable") }
func (*nullBlock) BlockID() int            { return -1 }
func (*nullBlock) SetBlockID(int)          { panic("null block is immutable") }
func (*nullBlock) PoolID() int             { return -1 }
func (*nullBlock) SetPoolID(int)           { panic("null block is immutable") }
func (*nullBlock) Computed() bool          { return false }
func (*nullBlock) SetComputed(bool)        { panic("null block is immutable") }
func (*nullBlock) LastAccessed() float64   { return 0 }
func (*nullBlock) SetLastAccessed(float64) { panic("null block is immutable") }
func (*nullBlock) ContentHash() int64      { return 0 }
