package block

import "fmt"

// BlockList is a per-sequence ordered list of blocks with a mirror of their
// physical IDs, kept in lockstep so the hot-path read of the ID table does
// not walk the blocks.
type BlockList struct {
	blocks []Block
	ids    []int
}

func NewBlockList() *BlockList {
	return &BlockList{}
}

func (l *BlockList) Update(blocks []Block) {
	l.blocks = blocks
	l.ids = make([]int, len(blocks))
	for i, b := range blocks {
		l.ids[i] = b.BlockID()
	}
}

func (l *BlockList) Append(b Block) {
	l.blocks = append(l.blocks, b)
	l.ids = append(l.ids, b.BlockID())
}

// AppendTokenIDs delegates to the block at index i and refreshes the ID
// mirror afterwards, since the append may have moved the block to a new
// physical ID via copy-on-write. This is the only place outside the
// allocator that observes a COW.
func (l *BlockList) AppendTokenIDs(i int, tokenIDs []int32) error {
	if i < 0 || i >= len(l.blocks) {
		return fmt.Errorf("%w: block index %d out of range", ErrInvalidState, i)
	}
	b := l.blocks[i]
	if err := b.AppendTokenIDs(tokenIDs); err != nil {
		return err
	}
	l.ids[i] = b.BlockID()
	return nil
}

// SetBlock replaces the block at index i, syncing the ID mirror. Used by
// sliding-window eviction to install the null sentinel.
func (l *BlockList) SetBlock(i int, b Block) {
	l.blocks[i] = b
	l.ids[i] = b.BlockID()
}

func (l *BlockList) Block(i int) Block {
	return l.blocks[i]
}

func (l *BlockList) Blocks() []Block {
	return l.blocks
}

// IDs returns the physical ID mirror. The slice is owned by the list and
// must not be mutated.
func (l *BlockList) IDs() []int {
	return l.ids
}

func (l *BlockList) Size() int {
	return len(l.blocks)
}

func (l *BlockList) Reset() {
	l.blocks = nil
	l.ids = nil
}
