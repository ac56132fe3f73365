// Package pagetable implements the lazily-faulted multi-level page table
// backing an IOMMU address space (spec §4.4, C4). Four to six radix
// levels, 9 bits (512 entries) per level; leaf tables are materialised on
// first use via Fault and are never unfaulted — pages are released only
// when the owning address space is destroyed.
package pagetable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/pcihost/internal/bitmap"
)

const (
	bitsPerLevel     = 9
	entriesPerTable  = 1 << bitsPerLevel
	pageIndexMask    = entriesPerTable - 1
	frameShift       = 12
	accessRead  uint8 = 1 << 0
	accessWrite uint8 = 1 << 1
)

// Entry is the 64-bit page-table word described in spec §3: access bits,
// a SuperPage flag, a snoop flag and a physical-frame field.
type Entry uint64

const (
	flagSuperPage Entry = 1 << 7
	flagSnoop     Entry = 1 << 11
)

func EncodeEntry(access uint8, superPage, snoop bool, frame uint64) Entry {
	e := Entry(access & 0x3)
	if superPage {
		e |= flagSuperPage
	}
	if snoop {
		e |= flagSnoop
	}
	e |= Entry(frame) << frameShift
	return e
}

func (e Entry) Access() uint8     { return uint8(e) & 0x3 }
func (e Entry) Present() bool     { return e.Access() != 0 }
func (e Entry) SuperPage() bool   { return e&flagSuperPage != 0 }
func (e Entry) Snoop() bool       { return e&flagSnoop != 0 }
func (e Entry) Frame() uint64     { return uint64(e) >> frameShift }

// CounterFrameAllocator is the default FrameAllocator: it hands out
// monotonically increasing frame ids, standing in for the kernel's wired
// table-page pool. Frame id 0 is reserved for the root table allocated by
// New, so callers comparing against the zero value can detect "no frame".
type CounterFrameAllocator struct {
	next atomic.Uint64
}

func (c *CounterFrameAllocator) AllocTableFrame() (uint64, error) {
	return c.next.Add(1) - 1, nil
}

// FrameAllocator hands out identifiers for freshly materialised table
// pages. In a real kernel this allocates wired physical memory; here it is
// supplied by the owning address space (spec §4.5).
type FrameAllocator interface {
	AllocTableFrame() (uint64, error)
}

// CacheFlusher flushes the cache lines backing a table frame after a
// non-atomic write, required when the remap unit does not snoop
// page-table writes (spec §4.4).
type CacheFlusher interface {
	FlushRange(frame uint64, offset, length int)
}

type table [entriesPerTable]uint64 // atomic access via sync/atomic on each slot

// PageTable is a lazily-faulted, fixed-level radix table.
type PageTable struct {
	mu sync.Mutex

	levels  int
	vsize   uint64 // total IOVA pages addressable
	snooped bool

	alloc FrameAllocator
	flush CacheFlusher

	root uint64
	// tables maps a table-page frame id to its 512 raw entry words.
	// Interior tables store Entry-encoded pointers to child frames; leaf
	// tables store Entry-encoded mappings.
	tables map[uint64]*table
	// present has one bit per leaf table (spec: "1 bit per 512 leaf
	// entries"); bit i corresponds to IOVA pages [i*512, i*512+512).
	present *bitmap.Bitmap
}

// New creates a page table spanning levels radix levels (4-6), managing
// vsize IOVA pages. snooped indicates the remap unit snoops page-table
// writes (no explicit cache flush required).
func New(levels int, vsize uint64, snooped bool, alloc FrameAllocator, flush CacheFlusher) (*PageTable, error) {
	if levels < 4 || levels > 6 {
		return nil, fmt.Errorf("pagetable: levels must be 4-6, got %d", levels)
	}
	maxPages := uint64(1) << uint(bitsPerLevel*levels)
	if vsize > maxPages {
		return nil, fmt.Errorf("pagetable: vsize %d exceeds %d-level capacity %d", vsize, levels, maxPages)
	}
	leafTables := (vsize + entriesPerTable - 1) / entriesPerTable
	if leafTables == 0 {
		leafTables = 1
	}

	root, err := alloc.AllocTableFrame()
	if err != nil {
		return nil, fmt.Errorf("pagetable: allocate root: %w", err)
	}

	pt := &PageTable{
		levels:  levels,
		vsize:   vsize,
		snooped: snooped,
		alloc:   alloc,
		flush:   flush,
		root:    root,
		tables:  map[uint64]*table{root: {}},
		present: bitmap.Alloc(int(leafTables)),
	}
	return pt, nil
}

// RootFrame returns the physical frame of the top-level table.
func (pt *PageTable) RootFrame() uint64 { return pt.root }

func levelIndex(page uint64, level int) int {
	return int((page >> uint(bitsPerLevel*level)) & pageIndexMask)
}

// Fault wires the backing leaf pages for [start, start+npages), marking
// the presence bitmap and installing interior entries as needed. It is
// idempotent: already-faulted ranges are left untouched.
func (pt *PageTable) Fault(start, npages uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if npages == 0 {
		return nil
	}
	if start+npages > pt.vsize {
		return fmt.Errorf("pagetable: fault range [%#x,%#x) exceeds vsize %#x", start, start+npages, pt.vsize)
	}

	firstLeaf := start / entriesPerTable
	lastLeaf := (start + npages - 1) / entriesPerTable
	for leafIdx := firstLeaf; leafIdx <= lastLeaf; leafIdx++ {
		if pt.present.Test(int(leafIdx)) {
			continue
		}
		if err := pt.materialiseLeaf(leafIdx); err != nil {
			return err
		}
		pt.present.Set(int(leafIdx), true)
	}
	return nil
}

// materialiseLeaf walks from the root down to the leaf table covering
// leafIdx, allocating any missing interior or leaf tables.
func (pt *PageTable) materialiseLeaf(leafIdx uint64) error {
	frame := pt.root
	page := leafIdx * entriesPerTable

	for level := pt.levels - 1; level >= 1; level-- {
		tbl := pt.tables[frame]
		idx := levelIndex(page, level)
		entry := Entry(tbl[idx])
		if !entry.Present() {
			child, err := pt.alloc.AllocTableFrame()
			if err != nil {
				return fmt.Errorf("pagetable: allocate interior table: %w", err)
			}
			pt.tables[child] = &table{}
			entry = EncodeEntry(accessRead|accessWrite, false, pt.snooped, child)
			tbl[idx] = uint64(entry)
			if !pt.snooped && pt.flush != nil {
				pt.flush.FlushRange(frame, idx*8, 8)
			}
		}
		frame = entry.Frame()
	}
	return nil
}

// leafTableFrame returns the frame id of the already-faulted leaf table
// covering page, or an error if it has not been faulted.
func (pt *PageTable) leafTableFrame(page uint64) (uint64, error) {
	leafIdx := page / entriesPerTable
	if int(leafIdx) >= pt.present.Len() || !pt.present.Test(int(leafIdx)) {
		return 0, fmt.Errorf("pagetable: page %#x not faulted", page)
	}
	frame := pt.root
	for level := pt.levels - 1; level >= 1; level-- {
		tbl := pt.tables[frame]
		idx := levelIndex(page, level)
		entry := Entry(tbl[idx])
		if !entry.Present() {
			return 0, fmt.Errorf("pagetable: page %#x not faulted", page)
		}
		frame = entry.Frame()
	}
	return frame, nil
}

// Mapping describes one page's target when calling Set.
type Mapping struct {
	Access uint8 // accessRead|accessWrite
	Frame  uint64
}

// Set writes npages leaf entries starting at start and issues a memory
// fence; if the hardware does not snoop page-table writes, the backing
// cache lines are flushed. With contiguous set, mappings holds exactly one
// Mapping and the npages frames run consecutively from its Frame;
// callers with scatter-gather layouts supply one Mapping per page.
func (pt *PageTable) Set(start, npages uint64, mappings []Mapping, contiguous bool) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if contiguous && len(mappings) != 1 {
		return fmt.Errorf("pagetable: contiguous Set requires exactly one base mapping")
	}
	if !contiguous && uint64(len(mappings)) != npages {
		return fmt.Errorf("pagetable: scatter Set requires one mapping per page (%d != %d)", len(mappings), npages)
	}

	for i := uint64(0); i < npages; i++ {
		page := start + i
		frame, err := pt.leafTableFrame(page)
		if err != nil {
			return err
		}
		var m Mapping
		if contiguous {
			m = Mapping{Access: mappings[0].Access, Frame: mappings[0].Frame + i}
		} else {
			m = mappings[i]
		}
		idx := levelIndex(page, 0)
		entry := EncodeEntry(m.Access, false, pt.snooped, m.Frame)
		tbl := pt.tables[frame]
		atomic.StoreUint64(&tbl[idx], uint64(entry))
		if !pt.snooped && pt.flush != nil {
			pt.flush.FlushRange(frame, idx*8, 8)
		}
	}
	// Every entry above is published with an atomic store, so any goroutine
	// that later reads it with atomic.LoadUint64 (or acquires pt.mu, as
	// Fault/Set/Zero all do) observes it: Go's memory model gives these
	// atomics the ordering an explicit mfence would on real hardware (spec
	// §4.4). No additional barrier is needed.
	return nil
}

// Zero clears npages leaf entries starting at start, for unmap (spec
// §4.7 step 1), without affecting the presence bitmap.
func (pt *PageTable) Zero(start, npages uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := uint64(0); i < npages; i++ {
		page := start + i
		frame, err := pt.leafTableFrame(page)
		if err != nil {
			continue // never mapped; nothing to zero
		}
		idx := levelIndex(page, 0)
		tbl := pt.tables[frame]
		atomic.StoreUint64(&tbl[idx], 0)
		if !pt.snooped && pt.flush != nil {
			pt.flush.FlushRange(frame, idx*8, 8)
		}
	}
	return nil
}

// Lookup returns the entry mapped at page, and whether it is present.
func (pt *PageTable) Lookup(page uint64) (Entry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	frame, err := pt.leafTableFrame(page)
	if err != nil {
		return 0, false
	}
	idx := levelIndex(page, 0)
	entry := Entry(atomic.LoadUint64(&pt.tables[frame][idx]))
	return entry, entry.Present()
}

// PresentTable reports whether the leaf table covering page has been
// materialised (spec testable property #2).
func (pt *PageTable) PresentTable(page uint64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	leafIdx := page / entriesPerTable
	if int(leafIdx) >= pt.present.Len() {
		return false
	}
	return pt.present.Test(int(leafIdx))
}
