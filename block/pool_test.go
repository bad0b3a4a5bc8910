package block

import (
	"testing"
)

func testFactory(blockSize int) Factory {
	return func(prev Block, tokenIDs []int32, size, blockID int) Block {
		return newNaiveBlock(nil, prev, tokenIDs, size, blockID)
	}
}

func TestBlockPoolInitAndFree(t *testing.T) {
	p := NewBlockPool(4, testFactory(4), 2)

	if p.Size() != 2 || p.NumFreeSlots() != 2 {
		t.Fatalf("pool size = %d free = %d, want 2 and 2", p.Size(), p.NumFreeSlots())
	}

	b := p.InitBlock(nil, []int32{1, 2}, 4, 7)
	if b.BlockID() != 7 {
		t.Errorf("block id = %d, want 7", b.BlockID())
	}
	if b.PoolID() < 0 || b.PoolID() >= p.Size() {
		t.Errorf("pool id %d out of range", b.PoolID())
	}
	if len(b.TokenIDs()) != 2 {
		t.Errorf("token count = %d, want 2", len(b.TokenIDs()))
	}
	if p.NumFreeSlots() != 1 {
		t.Errorf("free slots = %d, want 1", p.NumFreeSlots())
	}

	p.FreeBlock(b)
	if p.NumFreeSlots() != 2 {
		t.Errorf("free slots after free = %d, want 2", p.NumFreeSlots())
	}
}

func TestBlockPoolRecyclesFreedSlotFirst(t *testing.T) {
	p := NewBlockPool(4, testFactory(4), 4)

	b := p.InitBlock(nil, nil, 4, 0)
	freed := b.PoolID()
	p.FreeBlock(b)

	next := p.InitBlock(nil, nil, 4, 1)
	if next.PoolID() != freed {
		t.Errorf("pool id = %d, want recycled slot %d", next.PoolID(), freed)
	}
}

func TestBlockPoolGrowsWhenExhausted(t *testing.T) {
	p := NewBlockPool(4, testFactory(4), 1)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		b := p.InitBlock(nil, nil, 4, i)
		if seen[b.PoolID()] {
			t.Fatalf("pool id %d handed out twice", b.PoolID())
		}
		seen[b.PoolID()] = true
	}
	if p.Size() < 5 {
		t.Errorf("pool size = %d, want at least 5", p.Size())
	}
}

func TestBlockPoolZeroInitialSize(t *testing.T) {
	p := NewBlockPool(2, testFactory(2), 0)

	b := p.InitBlock(nil, []int32{1}, 2, 3)
	if b.BlockID() != 3 {
		t.Errorf("block id = %d, want 3", b.BlockID())
	}
}
