package block

import "fmt"

// Block is a fixed-capacity token buffer, the unit of KV cache allocation.
// A block is mutable while it has empty slots and logically immutable once
// full. BlockID is the physical slot in the global ID space, or -1 while the
// block is detached from any allocator slot.
type Block interface {
	// AppendTokenIDs adds tokens to the block. When the block is bound to a
	// physical ID this is the single point where copy-on-write can occur, so
	// callers must re-read BlockID afterwards.
	AppendTokenIDs(tokenIDs []int32) error

	TokenIDs() []int32
	NumEmptySlots() int
	IsFull() bool
	BlockSize() int

	PrevBlock() Block
	SetPrevBlock(prev Block)

	BlockID() int
	SetBlockID(id int)

	// PoolID is the block record's stable slot in the BlockPool, assigned at
	// birth.
	PoolID() int
	SetPoolID(id int)

	// Prefix caching surface. Only the prefix caching variant implements
	// Computed and LastAccessed; ContentHash is 0 for the naive variant and
	// for any block that is not yet full.
	Computed() bool
	SetComputed(computed bool)
	LastAccessed() float64
	SetLastAccessed(ts float64)
	ContentHash() int64
}

// Factory constructs a block record. prev is the logical predecessor in the
// sequence, tokenIDs are installed without triggering copy-on-write, and
// blockID is the physical ID the record is bound to (-1 for detached).
type Factory func(prev Block, tokenIDs []int32, blockSize, blockID int) Block

var _ Block = (*naiveBlock)(nil)

type naiveBlock struct {
	tokenIDs  []int32
	prevBlock Block
	blockSize int
	allocator *NaiveAllocator
	blockID   int
	poolID    int
}

func newNaiveBlock(allocator *NaiveAllocator, prev Block, tokenIDs []int32, blockSize, blockID int) *naiveBlock {
	b := &naiveBlock{
		tokenIDs:  make([]int32, 0, blockSize),
		prevBlock: prev,
		blockSize: blockSize,
		allocator: allocator,
		blockID:   blockID,
		poolID:    -1,
	}
	if err := b.appendNoCOW(tokenIDs); err != nil {
		panic(fmt.Sprintf("block: %d initial tokens exceed block size %d", len(tokenIDs), blockSize))
	}
	return b
}

func (b *naiveBlock) AppendTokenIDs(tokenIDs []int32) error {
	if err := b.appendNoCOW(tokenIDs); err != nil {
		return err
	}
	if b.blockID >= 0 {
		id, err := b.allocator.cowBlockIfNotAppendable(b)
		if err != nil {
			// Drop the tokens again so a failed copy-on-write leaves the
			// block as it was.
			b.tokenIDs = b.tokenIDs[:len(b.tokenIDs)-len(tokenIDs)]
			return err
		}
		b.blockID = id
	}
	return nil
}

func (b *naiveBlock) appendNoCOW(tokenIDs []int32) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	if len(tokenIDs) > b.NumEmptySlots() {
		return fmt.Errorf("%w: %d tokens, %d slots", ErrNotEnoughSlots, len(tokenIDs), b.NumEmptySlots())
	}
	b.tokenIDs = append(b.tokenIDs, tokenIDs...)
	return nil
}

func (b *naiveBlock) TokenIDs() []int32    { return b.tokenIDs }
func (b *naiveBlock) NumEmptySlots() int   { return b.blockSize - len(b.tokenIDs) }
func (b *naiveBlock) IsFull() bool         { return b.NumEmptySlots() == 0 }
func (b *naiveBlock) BlockSize() int       { return b.blockSize }
func (b *naiveBlock) PrevBlock() Block     { return b.prevBlock }
func (b *naiveBlock) SetPrevBlock(p Block) { b.prevBlock = p }
func (b *naiveBlock) BlockID() int         { return b.blockID }
func (b *naiveBlock) SetBlockID(id int)    { b.blockID = id }
func (b *naiveBlock) PoolID() int          { return b.poolID }
func (b *naiveBlock) SetPoolID(id int)     { b.poolID = id }

func (b *naiveBlock) Computed() bool {
	panic("computed is not tracked for naive blocks")
}

func (b *naiveBlock) SetComputed(bool) {
	panic("computed is not tracked for naive blocks")
}

func (b *naiveBlock) LastAccessed() float64 {
	panic("last accessed is not tracked for naive blocks")
}

func (b *naiveBlock) SetLastAccessed(float64) {
	panic("last accessed is not tracked for naive blocks")
}

func (b *naiveBlock) ContentHash() int64 { return 0 }
