package block

import (
	"crypto/sha1"
	"encoding/binary"
)

// prefixBlock is the prefix caching variant. On top of the naive block it
// carries a computed flag, a last-accessed timestamp, and a content hash
// chained through the predecessor so that identical prefixes map to identical
// hashes. The hash is defined only once the block is full.
var _ Block = (*prefixBlock)(nil)

type prefixBlock struct {
	naiveBlock
	computed     bool
	lastAccessed float64
	contentHash  int64
}

func newPrefixBlock(allocator *NaiveAllocator, prev Block, tokenIDs []int32, blockSize, blockID int) *prefixBlock {
	return &prefixBlock{naiveBlock: *newNaiveBlock(allocator, prev, tokenIDs, blockSize, blockID)}
}

func (b *prefixBlock) Computed() bool            { return b.computed }
func (b *prefixBlock) SetComputed(computed bool) { b.computed = computed }
func (b *prefixBlock) LastAccessed() float64     { return b.lastAccessed }
func (b *prefixBlock) SetLastAccessed(ts float64) {
	b.lastAccessed = ts
}

func (b *prefixBlock) ContentHash() int64 {
	if !b.IsFull() {
		return 0
	}
	if b.contentHash != 0 {
		return b.contentHash
	}
	var prevHash int64
	if b.prevBlock != nil {
		prevHash = b.prevBlock.ContentHash()
	}
	b.contentHash = hashTokens(prevHash, b.tokenIDs)
	return b.contentHash
}

// NumTokensTotal is the token count of the whole chain ending at this block.
func (b *prefixBlock) NumTokensTotal() int {
	total := 0
	for cur := Block(b); cur != nil; cur = cur.PrevBlock() {
		total += len(cur.TokenIDs())
	}
	return total
}

func hashTokens(prevHash int64, tokenIDs []int32) int64 {
	buf := make([]byte, 8+4*len(tokenIDs))
	binary.LittleEndian.PutUint64(buf, uint64(prevHash))
	for i, tok := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[8+4*i:], uint32(tok))
	}
	sum := sha1.Sum(buf)
	hash := int64(binary.LittleEndian.Uint64(sum[:8]))
	if hash == 0 {
		hash = 1
	}
	return hash
}
