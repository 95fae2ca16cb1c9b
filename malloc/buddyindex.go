package malloc

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// BuddyIndex wraps an IndexTree with byte-sized granules: a power-of-two
// multiplier, an optional capacity truncation, and a race-free
// is-unused probe.
type BuddyIndex struct {
	tree       *IndexTree
	maxOrder   int
	multiplier int
	baseShift  int
	maxIdx     int

	allocations atomic.Int64
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NewBuddyIndex creates a BuddyIndex with maxOrder levels and the given
// granule size (multiplier, must be a power of two). An optional
// maxCapacity truncates the managed range to (defaultMax/2, defaultMax],
// where defaultMax = (1<<(maxOrder-1)) * multiplier; it must itself be a
// multiple of multiplier.
func NewBuddyIndex(maxOrder, multiplier int, maxCapacity ...int) (*BuddyIndex, error) {
	if maxOrder < 1 {
		return nil, fmt.Errorf("malloc: maxOrder must be >= 1, got %d", maxOrder)
	}
	if !isPowerOfTwo(multiplier) {
		return nil, fmt.Errorf("malloc: multiplier must be a power of two, got %d", multiplier)
	}

	baseShift := bits.TrailingZeros(uint(multiplier))
	defaultMaxIdx := (1 << (maxOrder - 1)) * multiplier

	maxIdx := defaultMaxIdx
	if len(maxCapacity) > 0 {
		m := maxCapacity[0]
		if m%multiplier != 0 {
			return nil, fmt.Errorf("malloc: max_idx %d is not a multiple of multiplier %d", m, multiplier)
		}
		if m > defaultMaxIdx {
			return nil, fmt.Errorf("malloc: max_idx %d is too big (expected <= %d)", m, defaultMaxIdx)
		}
		if m <= defaultMaxIdx/2 {
			return nil, fmt.Errorf("malloc: max_idx %d is too small (expected > %d)", m, defaultMaxIdx/2)
		}
		maxIdx = m
	}

	bi := &BuddyIndex{
		tree:       NewIndexTree(maxOrder),
		maxOrder:   maxOrder,
		multiplier: multiplier,
		baseShift:  baseShift,
		maxIdx:     maxIdx,
	}

	// The tree's default constructor already marks (0,0) free assuming
	// full coverage. Reseed by greedy descent whenever maxIdx doesn't
	// cover the whole default range: clear the root and mark the
	// minimal antichain covering [0, maxIdx).
	if maxIdx != defaultMaxIdx {
		bi.tree.blocks[0].Store(false)
		bi.seed()
	}

	return bi, nil
}

// NewBuddyIndexWithCapacity derives the smallest maxOrder that admits
// capacity granules and delegates to NewBuddyIndex.
func NewBuddyIndexWithCapacity(capacity, multiplier int) (*BuddyIndex, error) {
	if !isPowerOfTwo(multiplier) {
		return nil, fmt.Errorf("malloc: multiplier must be a power of two, got %d", multiplier)
	}
	const hugeOrder = 100
	baseShift := bits.TrailingZeros(uint(multiplier))
	maxOrder := hugeOrder - orderForSize(hugeOrder, baseShift, capacity)
	return NewBuddyIndex(maxOrder, multiplier, capacity)
}

// seed performs a greedy descent: starting at idx=0, order=0, mark the
// largest block that fits in the remaining range free and advance; this
// produces the unique minimal antichain covering [0, maxIdx).
func (b *BuddyIndex) seed() {
	idx := 0
	order := 0
	for idx < b.maxIdx {
		remaining := b.maxIdx - idx
		blockSize := b.blockSpan(order) << b.baseShift
		if remaining >= blockSize {
			granule := idx >> b.baseShift
			b.tree.flag(order, granule>>b.shiftFor(order)).Store(true)
			idx += blockSize
		} else {
			order++
			if order >= b.maxOrder {
				panic("malloc: seed failed to cover max_idx")
			}
		}
	}
}

// blockSpan returns the number of granules a block at order spans.
func (b *BuddyIndex) blockSpan(order int) int {
	return 1 << (b.maxOrder - order - 1)
}

// shiftFor returns the shift that converts a granule offset into the
// local_index IndexTree's flag storage is keyed on at order: local_index
// == granule offset / blockSpan(order).
func (b *BuddyIndex) shiftFor(order int) int {
	return b.maxOrder - order - 1
}

func orderForSize(maxOrder, baseShift, size int) int {
	size = nextPowerOfTwo(size)
	size >>= baseShift
	if size < 1 {
		size = 1
	}
	shift := bits.TrailingZeros(uint(size))
	return maxOrder - shift - 1
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// sizeToOrder converts a byte size to the order of the smallest block
// that can hold it.
func (b *BuddyIndex) sizeToOrder(size int) int {
	return orderForSize(b.maxOrder, b.baseShift, size)
}

// Capacity returns the managed byte range, max_idx.
func (b *BuddyIndex) Capacity() int {
	return b.maxIdx
}

// RealSize returns the actual block span in bytes for an allocation of
// the given requested size (always >= size).
func (b *BuddyIndex) RealSize(size int) int {
	order := b.sizeToOrder(size)
	return b.blockSpan(order) << b.baseShift
}

// Allocate finds an offset of the derived order satisfying align,
// incrementing the allocations counter optimistically. Returns
// (0, false) if the allocator is sealed (see IsUnused) or no block is
// available.
func (b *BuddyIndex) Allocate(size, align int) (int, bool) {
	if size > b.maxIdx {
		panic("malloc: size is too big")
	}
	if align > b.maxIdx {
		panic("malloc: align is too big")
	}
	if !isPowerOfTwo(align) {
		panic("malloc: align is not a power of two")
	}

	prev := b.allocations.Add(1) - 1
	if prev < 0 {
		b.allocations.Add(-1)
		return 0, false
	}

	order := b.sizeToOrder(size)
	offset, ok := b.allocateAligned(order, align)
	if !ok {
		b.allocations.Add(-1)
		return 0, false
	}
	return offset, true
}

// allocateAligned mirrors IndexTree.Allocate but widens the scan stride
// to satisfy an alignment coarser than the block's own size.
func (b *BuddyIndex) allocateAligned(order, align int) (int, bool) {
	blockSpan := b.blockSpan(order)
	alignSpan := align >> b.baseShift
	incSpan := blockSpan
	if alignSpan > incSpan {
		incSpan = alignSpan
	}

	shift := b.shiftFor(order)
	limit := b.maxIdx >> b.baseShift
	for idx := 0; idx+incSpan <= limit; idx += incSpan {
		if b.tree.flag(order, idx>>shift).CompareAndSwap(true, false) {
			return idx << b.baseShift, true
		}
	}

	if order == 0 {
		return 0, false
	}
	offset, ok := b.allocateAligned(order-1, align)
	if !ok {
		return 0, false
	}
	idx := offset >> b.baseShift
	b.tree.flag(order, (idx^blockSpan)>>shift).Store(true)
	return offset, true
}

// Deallocate returns a block to the free set. offset must be a multiple
// of the granule size; size must match the original allocation's size.
// Buddy merges are suppressed when the buddy's extent would exceed
// Capacity() (a truncated region has no legitimate buddy to merge
// with).
func (b *BuddyIndex) Deallocate(offset, size int) {
	b.allocations.Add(-1)
	order := b.sizeToOrder(size)
	b.deallocate(offset, order)
}

func (b *BuddyIndex) deallocate(offset, order int) {
	blockSpan := b.blockSpan(order)
	// a merge passes the child's offset up unchanged; align it down to
	// this order's block so the buddy's extent is computed correctly.
	idx := (offset >> b.baseShift) &^ (blockSpan - 1)
	shift := b.shiftFor(order)

	if b.tree.flag(order, idx>>shift).Load() {
		panic("malloc: deallocate of a block that is not allocated")
	}

	if order != 0 && (idx^blockSpan+blockSpan)<<b.baseShift <= b.maxIdx {
		if b.tree.flag(order, (idx^blockSpan)>>shift).CompareAndSwap(true, false) {
			b.deallocate(offset, order-1)
			return
		}
	}

	b.tree.flag(order, idx>>shift).Store(true)
}

// Shrink moves an allocated block to a smaller size (deeper order);
// newSize's order must be >= oldSize's order.
func (b *BuddyIndex) Shrink(offset, oldSize, newSize int) {
	oldOrder := b.sizeToOrder(oldSize)
	newOrder := b.sizeToOrder(newSize)
	if newOrder < oldOrder {
		panic("malloc: shrink requires new order >= old order")
	}
	idx := offset >> b.baseShift
	if b.tree.flag(oldOrder, idx>>b.shiftFor(oldOrder)).Load() {
		panic("malloc: shrink of a block that is not allocated")
	}
	if newOrder == oldOrder {
		return
	}
	b.tree.Shrink(idx, oldOrder, newOrder)
}

// Grow attempts to move an allocated block to a larger size (shallower
// order); panics if newSize's order is > oldSize's order. During the
// upward walk, buddy merges are only attempted when the buddy's extent
// fits within Capacity().
func (b *BuddyIndex) Grow(offset, oldSize, newSize int, placement GrowPlacement) (int, bool) {
	oldOrder := b.sizeToOrder(oldSize)
	newOrder := b.sizeToOrder(newSize)
	if newOrder > oldOrder {
		panic("malloc: grow requires new order <= old order")
	}

	idx := offset >> b.baseShift
	if b.tree.flag(oldOrder, idx>>b.shiftFor(oldOrder)).Load() {
		panic("malloc: grow of a block that is not allocated")
	}

	diff := oldOrder - newOrder
	if diff == 0 {
		return offset, true
	}

	newBlockSpan := b.blockSpan(newOrder)
	if placement == InPlace && idx&(newBlockSpan-1) != 0 {
		return 0, false
	}

	blockSpan := b.blockSpan(oldOrder)
	for i := 0; i < diff; i++ {
		order := oldOrder - i
		buddyIdx := (idx ^ blockSpan) &^ (blockSpan - 1)
		end := buddyIdx + blockSpan
		available := end<<b.baseShift <= b.maxIdx &&
			b.tree.flag(order, buddyIdx>>b.shiftFor(order)).CompareAndSwap(true, false)
		if !available {
			for j := i - 1; j >= 0; j-- {
				blockSpan >>= 1
				revertOrder := oldOrder - j
				b.tree.flag(revertOrder, ((idx^blockSpan)&^(blockSpan-1))>>b.shiftFor(revertOrder)).Store(true)
			}
			return 0, false
		}
		blockSpan <<= 1
	}

	return (idx &^ (newBlockSpan - 1)) << b.baseShift, true
}

// IsUnused atomically seals the allocator: it CASes the allocations
// counter from 0 to a very negative sentinel and reports success. Once
// true, every future Allocate call fails. This is an intentionally
// destructive probe: there is no non-destructive way to answer "is
// anything allocated?" without a write fence over the whole tree.
func (b *BuddyIndex) IsUnused() bool {
	return b.allocations.CompareAndSwap(0, -(1 << 62))
}
