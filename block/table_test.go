package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, blockSize, numGPUBlocks, slidingWindow int) (*BlockTable, *CPUGPUBlockAllocator) {
	t.Helper()
	c := NewCPUGPUBlockAllocator(VariantNaive, numGPUBlocks, numGPUBlocks, blockSize)
	return NewBlockTable(blockSize, c, nil, slidingWindow), c
}

func TestNumRequiredBlocks(t *testing.T) {
	tests := []struct {
		tokens    int
		blockSize int
		lookahead int
		want      int
	}{
		{1, 4, 0, 1},
		{4, 4, 0, 1},
		{5, 4, 0, 2},
		{6, 4, 2, 2},
		{7, 4, 2, 3},
	}
	for _, tt := range tests {
		got := NumRequiredBlocks(make([]int32, tt.tokens), tt.blockSize, tt.lookahead)
		if got != tt.want {
			t.Errorf("NumRequiredBlocks(%d tokens, B=%d, lookahead=%d) = %d, want %d",
				tt.tokens, tt.blockSize, tt.lookahead, got, tt.want)
		}
	}
}

func TestBasicAllocateAndFree(t *testing.T) {
	table, c := newTestTable(t, 4, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2, 3, 4, 5, 6}, DeviceGPU))
	require.Equal(t, 6, table.NumFullSlots())
	require.Len(t, table.PhysicalBlockIDs(), 2)

	blocks := table.Blocks()
	require.Equal(t, []int32{1, 2, 3, 4}, blocks[0].TokenIDs())
	require.Equal(t, []int32{5, 6}, blocks[1].TokenIDs())
	require.True(t, blocks[0].IsFull())
	require.False(t, blocks[1].IsFull())
	require.Equal(t, 6, c.NumFreeBlocks(DeviceGPU))

	require.NoError(t, table.Free())
	require.Equal(t, 8, c.NumFreeBlocks(DeviceGPU))
	require.Empty(t, table.PhysicalBlockIDs())
	require.Zero(t, table.NumFullSlots())
}

func TestFreeIsIdempotent(t *testing.T) {
	table, c := newTestTable(t, 4, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2}, DeviceGPU))
	require.NoError(t, table.Free())
	require.NoError(t, table.Free())
	require.Equal(t, 8, c.NumFreeBlocks(DeviceGPU))
}

func TestAllocatePreconditions(t *testing.T) {
	table, _ := newTestTable(t, 4, 8, 0)

	require.ErrorIs(t, table.Allocate(nil, DeviceGPU), ErrInvalidState)

	require.NoError(t, table.Allocate([]int32{1}, DeviceGPU))
	require.ErrorIs(t, table.Allocate([]int32{2}, DeviceGPU), ErrInvalidState)
}

func TestAppendToUnallocatedTable(t *testing.T) {
	table, _ := newTestTable(t, 4, 8, 0)
	require.ErrorIs(t, table.AppendTokenIDs([]int32{1}, 0, -1), ErrInvalidState)
}

func TestBoundaryChunking(t *testing.T) {
	table, _ := newTestTable(t, 4, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2}, DeviceGPU))
	require.NoError(t, table.AppendTokenIDs([]int32{3, 4, 5, 6}, 0, -1))

	require.Equal(t, 6, table.NumFullSlots())
	blocks := table.Blocks()
	require.Len(t, blocks, 2)
	require.Equal(t, []int32{1, 2, 3, 4}, blocks[0].TokenIDs())
	require.True(t, blocks[0].IsFull())
	require.Equal(t, []int32{5, 6}, blocks[1].TokenIDs())
}

func TestAppendExactBlockMultiples(t *testing.T) {
	table, _ := newTestTable(t, 2, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2}, DeviceGPU))
	require.NoError(t, table.AppendTokenIDs([]int32{3, 4, 5, 6}, 0, -1))

	require.Equal(t, 6, table.NumFullSlots())
	require.Len(t, table.Blocks(), 3)
	for _, b := range table.Blocks() {
		require.True(t, b.IsFull())
	}
}

func TestForkAndCopyOnWrite(t *testing.T) {
	table, c := newTestTable(t, 2, 4, 0)
	gpu := c.allocators[DeviceGPU]

	// One full block and one shared mutable tail.
	require.NoError(t, table.Allocate([]int32{1, 2, 3}, DeviceGPU))
	ids := append([]int(nil), table.PhysicalBlockIDs()...)
	require.Len(t, ids, 2)
	for _, id := range ids {
		require.Equal(t, 1, gpu.refcounter.Get(id))
	}

	forked, err := table.Fork()
	require.NoError(t, err)
	require.Equal(t, ids, forked.PhysicalBlockIDs())
	for _, id := range ids {
		require.Equal(t, 2, gpu.refcounter.Get(id))
	}

	// Appending through the fork diverges the shared tail block.
	require.NoError(t, forked.AppendTokenIDs([]int32{5}, 0, -1))
	forkedIDs := forked.PhysicalBlockIDs()
	require.Equal(t, ids[0], forkedIDs[0])
	require.NotEqual(t, ids[1], forkedIDs[1])
	require.Equal(t, 1, gpu.refcounter.Get(ids[1]))
	require.Equal(t, 1, gpu.refcounter.Get(forkedIDs[1]))

	cows := c.ClearCopyOnWrites()
	require.Equal(t, []CopyOnWrite{{Src: ids[1], Dst: forkedIDs[1]}}, cows)

	// The source table still reads its original IDs.
	require.Equal(t, ids, table.PhysicalBlockIDs())
}

func TestForkPastFullBlocksAllocatesFresh(t *testing.T) {
	table, c := newTestTable(t, 2, 8, 0)

	// Every block full: an append through the fork grows a new block
	// instead of copying, and both tables keep sharing the prefix.
	require.NoError(t, table.Allocate([]int32{1, 2, 3, 4}, DeviceGPU))
	forked, err := table.Fork()
	require.NoError(t, err)

	require.NoError(t, forked.AppendTokenIDs([]int32{5}, 0, -1))
	require.Len(t, forked.PhysicalBlockIDs(), 3)
	require.Len(t, table.PhysicalBlockIDs(), 2)
	require.Empty(t, c.ClearCopyOnWrites())
}

func TestAppendExhaustionLeavesTableUnchanged(t *testing.T) {
	table, c := newTestTable(t, 1, 2, 0)

	require.NoError(t, table.Allocate([]int32{9}, DeviceGPU))
	err := table.AppendTokenIDs([]int32{10, 11}, 0, -1)
	require.ErrorIs(t, err, ErrNoFreeBlocks)

	require.Equal(t, 1, table.NumFullSlots())
	require.Len(t, table.PhysicalBlockIDs(), 1)
	require.Equal(t, 1, c.NumFreeBlocks(DeviceGPU))
}

func TestSlidingWindowEviction(t *testing.T) {
	table, c := newTestTable(t, 2, 8, 2)

	require.NoError(t, table.Allocate([]int32{1, 2, 3, 4, 5, 6}, DeviceGPU))
	require.Equal(t, 5, c.NumFreeBlocks(DeviceGPU))

	require.NoError(t, table.AppendTokenIDs([]int32{7, 8}, 0, 6))

	// Boundary 6/2 - 2 = 1: block 0 is evicted and replaced by the null
	// sentinel; its ID went back to the free list, one new block was
	// allocated for the append.
	ids := table.PhysicalBlockIDs()
	require.Len(t, ids, 4)
	require.Equal(t, -1, ids[0])
	require.Equal(t, theNullBlock, table.Blocks()[0])
	require.Equal(t, 5, c.NumFreeBlocks(DeviceGPU))
	require.Equal(t, 8, table.NumFullSlots())
}

func TestSlidingWindowRequiresComputedSlots(t *testing.T) {
	table, _ := newTestTable(t, 2, 8, 2)

	require.NoError(t, table.Allocate([]int32{1, 2}, DeviceGPU))
	require.ErrorIs(t, table.AppendTokenIDs([]int32{3}, 0, -1), ErrInvalidState)
}

func TestEmptyAppendStillEvicts(t *testing.T) {
	table, c := newTestTable(t, 2, 8, 1)

	require.NoError(t, table.Allocate([]int32{1, 2, 3, 4, 5, 6}, DeviceGPU))
	require.NoError(t, table.AppendTokenIDs(nil, 0, 6))

	// Boundary 6/2 - 1 = 2: the first two blocks are evicted even though no
	// tokens were appended.
	ids := table.PhysicalBlockIDs()
	require.Equal(t, -1, ids[0])
	require.Equal(t, -1, ids[1])
	require.Equal(t, 6, table.NumFullSlots())
	require.Equal(t, 7, c.NumFreeBlocks(DeviceGPU))
}

func TestLookaheadPreallocatesBlocks(t *testing.T) {
	table, c := newTestTable(t, 2, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2}, DeviceGPU))
	require.NoError(t, table.AppendTokenIDs([]int32{3}, 4, -1))

	// One token plus four lookahead slots need five empty slots, which is
	// three fresh blocks on top of the full prompt block.
	require.Len(t, table.PhysicalBlockIDs(), 4)
	require.Equal(t, 3, table.NumFullSlots())
	require.Equal(t, 4, c.NumFreeBlocks(DeviceGPU))
}

func TestUnseenTokenIDs(t *testing.T) {
	table, _ := newTestTable(t, 4, 8, 0)

	seq := []int32{1, 2, 3, 4, 5, 6}
	require.NoError(t, table.Allocate(seq[:4], DeviceGPU))
	require.Equal(t, []int32{5, 6}, table.UnseenTokenIDs(seq))

	require.NoError(t, table.AppendTokenIDs(seq[4:], 0, -1))
	require.Empty(t, table.UnseenTokenIDs(seq))
}

func TestNumBlocksTouchedByAppendSlots(t *testing.T) {
	table, _ := newTestTable(t, 4, 8, 0)
	require.NoError(t, table.Allocate([]int32{1, 2, 3, 4, 5, 6}, DeviceGPU))

	tests := []struct {
		tokens    int
		lookahead int
		want      int
	}{
		{1, 0, 1},
		{2, 0, 1},
		{3, 0, 2},
		{2, 4, 2},
		{7, 0, 3},
	}
	for _, tt := range tests {
		got := table.NumBlocksTouchedByAppendSlots(make([]int32, tt.tokens), tt.lookahead)
		if got != tt.want {
			t.Errorf("NumBlocksTouchedByAppendSlots(%d, %d) = %d, want %d",
				tt.tokens, tt.lookahead, got, tt.want)
		}
	}
}

func TestForkedTableOwnsItsLists(t *testing.T) {
	table, _ := newTestTable(t, 2, 8, 0)

	require.NoError(t, table.Allocate([]int32{1, 2, 3}, DeviceGPU))
	forked, err := table.Fork()
	require.NoError(t, err)

	require.NoError(t, forked.AppendTokenIDs([]int32{4}, 0, -1))
	require.NotEqual(t, table.PhysicalBlockIDs()[1], forked.PhysicalBlockIDs()[1])
	require.Equal(t, 3, table.NumFullSlots())
	require.Equal(t, 4, forked.NumFullSlots())
}

func TestForkUnallocatedTable(t *testing.T) {
	table, _ := newTestTable(t, 2, 8, 0)
	_, err := table.Fork()
	require.ErrorIs(t, err, ErrInvalidState)
}
