// Package interval implements the red-black interval allocator used for
// large, fixed, alignment-constrained IOVA ranges (spec §4.3, C3). The
// two indices named in the spec (by address, by size) are kept as two
// google/btree ordered sets over the same free-block values, giving the
// O(log n) best-fit-by-size-then-first-fit-by-address search without
// hand-rolling red-black rotations.
package interval

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 32

// Block is a half-open page range [Start, End).
type Block struct {
	Start, End uint64
}

func (b Block) size() uint64 { return b.End - b.Start }

// sizeKey orders free blocks by (size, start) so AscendGreaterOrEqual from
// a requested size yields best-fit-by-size, first-fit-by-address among ties.
type sizeKey struct {
	size  uint64
	start uint64
}

func lessBySizeKey(a, b sizeKey) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.start < b.start
}

func lessByAddr(a, b Block) bool {
	return a.Start < b.Start
}

// Allocator is a red-black-style interval allocator over [0, vsize).
type Allocator struct {
	byAddr *btree.BTreeG[Block]
	bySize *btree.BTreeG[sizeKey]
	// sizeToBlock recovers the full block from a sizeKey during removal.
	sizeToBlock map[sizeKey]Block
}

// New creates an allocator with a single free block covering [0, vsize).
func New(vsize uint64) *Allocator {
	a := &Allocator{
		byAddr:      btree.NewG(btreeDegree, lessByAddr),
		bySize:      btree.NewG(btreeDegree, lessBySizeKey),
		sizeToBlock: make(map[sizeKey]Block),
	}
	if vsize > 0 {
		a.insertFree(Block{Start: 0, End: vsize})
	}
	return a
}

func (a *Allocator) insertFree(b Block) {
	a.byAddr.ReplaceOrInsert(b)
	k := sizeKey{size: b.size(), start: b.Start}
	a.bySize.ReplaceOrInsert(k)
	a.sizeToBlock[k] = b
}

func (a *Allocator) removeFree(b Block) {
	a.byAddr.Delete(b)
	k := sizeKey{size: b.size(), start: b.Start}
	a.bySize.Delete(k)
	delete(a.sizeToBlock, k)
}

// Alloc allocates size pages aligned to align (a power-of-two page count),
// best-fit by size then first-fit by address. Returns ok=false if no free
// block can satisfy size+align.
func (a *Allocator) Alloc(size, align uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	if align == 0 {
		align = 1
	}

	var found Block
	var ok bool
	a.bySize.AscendGreaterOrEqual(sizeKey{size: size, start: 0}, func(k sizeKey) bool {
		blk := a.sizeToBlock[k]
		alignedStart := alignUp(blk.Start, align)
		if alignedStart+size <= blk.End {
			found = blk
			ok = true
			return false
		}
		return true // keep scanning larger blocks
	})
	if !ok {
		return 0, false
	}

	a.removeFree(found)
	alignedStart := alignUp(found.Start, align)
	if alignedStart > found.Start {
		a.insertFree(Block{Start: found.Start, End: alignedStart})
	}
	tail := alignedStart + size
	if tail < found.End {
		a.insertFree(Block{Start: tail, End: found.End})
	}
	return alignedStart, true
}

// AllocFixed reserves exactly [start, start+size), failing if it overlaps
// any already-allocated (i.e. not currently free) range.
func (a *Allocator) AllocFixed(start, size uint64) error {
	if size == 0 {
		return fmt.Errorf("interval: zero-size fixed allocation")
	}
	end := start + size

	var host Block
	var found bool
	a.byAddr.DescendLessOrEqual(Block{Start: start}, func(b Block) bool {
		if b.Start <= start && end <= b.End {
			host = b
			found = true
		}
		return false
	})
	if !found {
		return fmt.Errorf("interval: range [%#x, %#x) is not free", start, end)
	}

	a.removeFree(host)
	if host.Start < start {
		a.insertFree(Block{Start: host.Start, End: start})
	}
	if end < host.End {
		a.insertFree(Block{Start: end, End: host.End})
	}
	return nil
}

// Free returns [iova, iova+size) to the allocator, coalescing with
// adjacent free blocks.
func (a *Allocator) Free(iova, size uint64) {
	blk := Block{Start: iova, End: iova + size}

	// Coalesce with the free block immediately to the left, if any.
	a.byAddr.DescendLessOrEqual(Block{Start: blk.Start}, func(left Block) bool {
		if left.End == blk.Start {
			a.removeFree(left)
			blk.Start = left.Start
		}
		return false
	})
	// Coalesce with the free block immediately to the right, if any.
	a.byAddr.AscendGreaterOrEqual(Block{Start: blk.End}, func(right Block) bool {
		if right.Start == blk.End {
			a.removeFree(right)
			blk.End = right.End
		}
		return false
	})

	a.insertFree(blk)
}

// FreeBytes returns the total number of pages currently free.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	a.byAddr.Ascend(func(b Block) bool {
		total += b.size()
		return true
	})
	return total
}

func alignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}
