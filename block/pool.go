package block

import (
	"github.com/emirpasic/gods/v2/lists/doublylinkedlist"
)

// BlockPool recycles block records so that steady-state allocation does not
// churn the garbage collector. Slots are identified by pool IDs that stay
// stable for the life of the pool; physical block IDs come and go on top of
// them. Pool identity is invisible above the allocator.
type BlockPool struct {
	blockSize   int
	createBlock Factory
	pool        []Block
	freeIDs     *doublylinkedlist.List[int]
}

func NewBlockPool(blockSize int, createBlock Factory, poolSize int) *BlockPool {
	p := &BlockPool{
		blockSize:   blockSize,
		createBlock: createBlock,
		pool:        make([]Block, 0, poolSize),
		freeIDs:     doublylinkedlist.New[int](),
	}
	p.grow(poolSize)
	return p
}

func (p *BlockPool) grow(n int) {
	for i := 0; i < n; i++ {
		poolID := len(p.pool)
		b := p.createBlock(nil, nil, p.blockSize, -1)
		b.SetPoolID(poolID)
		p.pool = append(p.pool, b)
		p.freeIDs.Append(poolID)
	}
}

// InitBlock binds a fresh record to physicalBlockID and returns it. The pool
// doubles itself when no free slot remains, so allocation is amortized O(1).
func (p *BlockPool) InitBlock(prev Block, tokenIDs []int32, blockSize, physicalBlockID int) Block {
	if p.freeIDs.Size() == 0 {
		p.grow(max(len(p.pool), 1))
	}
	poolID, _ := p.freeIDs.Get(0)
	p.freeIDs.Remove(0)

	b := p.createBlock(prev, tokenIDs, blockSize, physicalBlockID)
	b.SetPoolID(poolID)
	p.pool[poolID] = b
	return b
}

// FreeBlock returns the record's slot to the free list. The record itself
// stays addressable until the caller drops its last reference; the allocator
// always pairs pool release with physical ID release, which keeps the slot
// from being rebound while a live reference exists.
func (p *BlockPool) FreeBlock(b Block) {
	p.freeIDs.Prepend(b.PoolID())
}

func (p *BlockPool) Size() int {
	return len(p.pool)
}

func (p *BlockPool) NumFreeSlots() int {
	return p.freeIDs.Size()
}
