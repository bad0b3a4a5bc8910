// Package manager maps in-flight sequences onto per-sequence block tables
// and arbitrates the shared GPU and CPU block pools between them.
package manager

import (
	"fmt"
	"log/slog"

	"github.com/pagedcore/pagedcore/block"
)

// AllocStatus is the manager's verdict on whether a sequence can be
// admitted right now.
type AllocStatus int

const (
	// AllocOK means the sequence fits without dipping below the watermark.
	AllocOK AllocStatus = iota
	// AllocLater means the sequence fits in the cache but not in the
	// currently free blocks; the scheduler should retry after preempting.
	AllocLater
	// AllocNever means the sequence can never fit, even with the cache
	// empty.
	AllocNever
)

func (s AllocStatus) String() string {
	switch s {
	case AllocOK:
		return "ok"
	case AllocLater:
		return "later"
	case AllocNever:
		return "never"
	default:
		return fmt.Sprintf("allocstatus(%d)", int(s))
	}
}

// Config sizes the block pools and the admission watermark.
type Config struct {
	BlockSize    int
	NumGPUBlocks int
	NumCPUBlocks int
	// Watermark is the fraction of GPU blocks kept free as headroom for
	// running sequences; admission of new sequences stops below it.
	Watermark float64
	// SlidingWindowBlocks bounds each sequence to a trailing window of
	// blocks; zero disables the window.
	SlidingWindowBlocks int
	// PrefixCaching selects the prefix-caching block variant.
	PrefixCaching bool
}

// BlockSpaceManager owns the device-aware allocator and one block table per
// live sequence. Single-caller, like everything below it.
type BlockSpaceManager struct {
	cfg             Config
	allocator       block.DeviceAllocator
	tables          map[string]*block.BlockTable
	watermarkBlocks int
}

func NewBlockSpaceManager(cfg Config) *BlockSpaceManager {
	variant := block.VariantNaive
	if cfg.PrefixCaching {
		variant = block.VariantPrefixCaching
	}
	return &BlockSpaceManager{
		cfg:             cfg,
		allocator:       block.NewCPUGPUBlockAllocator(variant, cfg.NumGPUBlocks, cfg.NumCPUBlocks, cfg.BlockSize),
		tables:          make(map[string]*block.BlockTable),
		watermarkBlocks: int(cfg.Watermark * float64(cfg.NumGPUBlocks)),
	}
}

// CanAllocate reports whether a prompt of tokenIDs can be admitted.
func (m *BlockSpaceManager) CanAllocate(tokenIDs []int32, numLookaheadSlots int) AllocStatus {
	required := block.NumRequiredBlocks(tokenIDs, m.cfg.BlockSize, numLookaheadSlots)
	if m.cfg.SlidingWindowBlocks > 0 {
		required = min(required, m.cfg.SlidingWindowBlocks)
	}

	total := m.allocator.NumTotalBlocks(block.DeviceGPU)
	free := m.allocator.NumFreeBlocks(block.DeviceGPU)
	switch {
	case total-required < m.watermarkBlocks:
		return AllocNever
	case free-required >= m.watermarkBlocks:
		return AllocOK
	default:
		return AllocLater
	}
}

// Allocate admits seqID with its prompt tokens.
func (m *BlockSpaceManager) Allocate(seqID string, tokenIDs []int32) error {
	if _, ok := m.tables[seqID]; ok {
		return fmt.Errorf("%w: sequence %s already allocated", block.ErrInvalidState, seqID)
	}
	t := block.NewBlockTable(m.cfg.BlockSize, m.allocator, nil, m.cfg.SlidingWindowBlocks)
	if err := t.Allocate(tokenIDs, block.DeviceGPU); err != nil {
		return err
	}
	m.tables[seqID] = t
	return nil
}

// AppendTokenIDs grows seqID by the freshly decoded tokens.
func (m *BlockSpaceManager) AppendTokenIDs(seqID string, tokenIDs []int32, numLookaheadSlots, numComputedSlots int) error {
	t, err := m.table(seqID)
	if err != nil {
		return err
	}
	return t.AppendTokenIDs(tokenIDs, numLookaheadSlots, numComputedSlots)
}

// Fork creates childID sharing parentID's blocks by reference count.
func (m *BlockSpaceManager) Fork(parentID, childID string) error {
	if _, ok := m.tables[childID]; ok {
		return fmt.Errorf("%w: sequence %s already allocated", block.ErrInvalidState, childID)
	}
	parent, err := m.table(parentID)
	if err != nil {
		return err
	}
	child, err := parent.Fork()
	if err != nil {
		return err
	}
	m.tables[childID] = child
	return nil
}

// Free releases seqID's blocks. Unknown sequences are a no-op so that
// double-frees on teardown stay harmless.
func (m *BlockSpaceManager) Free(seqID string) error {
	t, ok := m.tables[seqID]
	if !ok {
		return nil
	}
	if err := t.Free(); err != nil {
		return err
	}
	delete(m.tables, seqID)
	return nil
}

// SwapOut moves seqID's blocks to the CPU pool and returns the GPU-to-CPU
// ID mapping for the physical transfer.
func (m *BlockSpaceManager) SwapOut(seqID string) (map[int]int, error) {
	t, err := m.table(seqID)
	if err != nil {
		return nil, err
	}
	mapping, err := m.allocator.Swap(t.Blocks(), block.DeviceGPU, block.DeviceCPU)
	if err != nil {
		return nil, err
	}
	t.Update(t.Blocks())
	slog.Debug("swapped out sequence", "seq", seqID, "blocks", len(mapping))
	return mapping, nil
}

// SwapIn brings seqID's blocks back to the GPU pool.
func (m *BlockSpaceManager) SwapIn(seqID string) (map[int]int, error) {
	t, err := m.table(seqID)
	if err != nil {
		return nil, err
	}
	mapping, err := m.allocator.Swap(t.Blocks(), block.DeviceCPU, block.DeviceGPU)
	if err != nil {
		return nil, err
	}
	t.Update(t.Blocks())
	slog.Debug("swapped in sequence", "seq", seqID, "blocks", len(mapping))
	return mapping, nil
}

// CanSwapOut reports whether seqID's blocks fit in the free CPU blocks.
// Checking before SwapOut keeps the swap all-or-nothing.
func (m *BlockSpaceManager) CanSwapOut(seqID string) bool {
	t, ok := m.tables[seqID]
	if !ok {
		return false
	}
	return len(t.Blocks()) <= m.allocator.NumFreeBlocks(block.DeviceCPU)
}

// CanSwapIn reports whether seqID's blocks fit in the free GPU blocks.
func (m *BlockSpaceManager) CanSwapIn(seqID string) bool {
	t, ok := m.tables[seqID]
	if !ok {
		return false
	}
	return len(t.Blocks()) <= m.allocator.NumFreeBlocks(block.DeviceGPU)
}

// PhysicalBlockIDs returns the block table of seqID as physical IDs.
func (m *BlockSpaceManager) PhysicalBlockIDs(seqID string) ([]int, error) {
	t, err := m.table(seqID)
	if err != nil {
		return nil, err
	}
	return t.PhysicalBlockIDs(), nil
}

// UnseenTokenIDs returns the suffix of seqID's full token stream that has
// not been paged in yet.
func (m *BlockSpaceManager) UnseenTokenIDs(seqID string, sequenceTokenIDs []int32) ([]int32, error) {
	t, err := m.table(seqID)
	if err != nil {
		return nil, err
	}
	return t.UnseenTokenIDs(sequenceTokenIDs), nil
}

// ClearCopyOnWrites drains the pending copy schedule for the next step.
func (m *BlockSpaceManager) ClearCopyOnWrites() []block.CopyOnWrite {
	return m.allocator.ClearCopyOnWrites()
}

// NumFreeBlocks exposes the per-device free count for scheduling decisions.
func (m *BlockSpaceManager) NumFreeBlocks(device block.Device) int {
	return m.allocator.NumFreeBlocks(device)
}

func (m *BlockSpaceManager) NumTotalBlocks(device block.Device) int {
	return m.allocator.NumTotalBlocks(device)
}

// NumSequences is the count of live block tables.
func (m *BlockSpaceManager) NumSequences() int {
	return len(m.tables)
}

func (m *BlockSpaceManager) table(seqID string) (*block.BlockTable, error) {
	t, ok := m.tables[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sequence %s", block.ErrInvalidState, seqID)
	}
	return t, nil
}
