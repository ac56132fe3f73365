// Package addrspace implements the IOMMU address-space object (spec §4.5,
// §3, C5): the buddy/interval allocator pair, the backing page table, the
// per-space free queues awaiting invalidation, and the domain id tag.
package addrspace

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pcihost/internal/buddy"
	"github.com/tinyrange/pcihost/internal/interval"
	"github.com/tinyrange/pcihost/internal/pagetable"
)

// Fill-level thresholds (in buddy-region pages used) that tighten the
// minimum size routed to the interval allocator as the buddy region
// fills, per spec §4.5.
const (
	largeThresholdWide     = 128 // buddy used < BSafe
	largeThresholdNarrow   = 32  // BSafe <= buddy used < BReserve
	largeThresholdMinimal  = 1   // buddy used >= BReserve
)

// Options controls how a single Alloc call is routed and whether it may
// block on allocator exhaustion.
type Options struct {
	// Paging marks traffic destined for the fast small-allocation path;
	// when true the buddy allocator is preferred regardless of size.
	Paging bool
	// FixedAddress callers never block on NoResources (spec §7): the
	// caller supplies its own base via AllocFixed instead of Alloc.
	FixedAddress bool
}

// AddrSpec constrains which allocator can serve a request based on the
// device's addressing capability (spec §4.5: "spec.addr_bits covers vsize").
type AddrSpec struct {
	AddrBits int
}

func (s AddrSpec) covers(vsize uint64) bool {
	if s.AddrBits <= 0 {
		return true
	}
	return vsize <= uint64(1)<<uint(s.AddrBits)
}

// FreeEntry is one entry queued on a free_queue awaiting invalidation
// (spec §3: "(iova_page, npages, stamp)").
type FreeEntry struct {
	IOVAPage uint64
	NPages   uint64
	Stamp    uint32
}

// Stats tracks allocator usage for diagnostics and for the admission
// threshold computation.
type Stats struct {
	BuddyUsed        uint64
	RBUsed           uint64
	FreeQueuePending uint64
	MaxFreeBurst     uint64 // largest number of entries CheckFree has reclaimed in one call
}

const (
	freeQueueSmall = 0
	freeQueueLarge = 1
)

// Space is one IOMMU address space (spec §3, C5).
type Space struct {
	vsize uint64
	rsize uint64

	bsafe, breserve uint64 // buddy-used thresholds tightening large_threshold

	domainID uint16

	table *pagetable.PageTable

	buddyMu sync.Mutex // spinlock-equivalent: no operation under it may block
	buddy   *buddy.Buddy

	rbMu         sync.Mutex // sleepable mutex
	rbCond       *sync.Cond
	rb           *interval.Allocator
	waitingSpace bool

	freeQueueMu sync.Mutex
	freeQueue   [2][]FreeEntry

	stats Stats
}

// Config describes a new address space (spec §3).
type Config struct {
	VSize    uint64 // total IOVA pages managed
	RSize    uint64 // split point: [0,RSize) buddy, [RSize,VSize) interval
	BuddyBits int   // buddy allocator order (2^BuddyBits pages)
	DomainID uint16
	Levels   int // page-table radix levels, 4-6
	Snooped  bool
	TableAlloc pagetable.FrameAllocator
	Flush      pagetable.CacheFlusher
}

// New creates an address space and pre-faults the entire buddy region's
// leaf tables, matching the spec's contract that buddy-path allocations
// only need Set(), never Fault().
func New(cfg Config) (*Space, error) {
	if cfg.RSize > cfg.VSize {
		return nil, fmt.Errorf("addrspace: rsize %d exceeds vsize %d", cfg.RSize, cfg.VSize)
	}
	pt, err := pagetable.New(cfg.Levels, cfg.VSize, cfg.Snooped, cfg.TableAlloc, cfg.Flush)
	if err != nil {
		return nil, fmt.Errorf("addrspace: %w", err)
	}
	s := &Space{
		vsize:     cfg.VSize,
		rsize:     cfg.RSize,
		bsafe:     cfg.RSize * 3 / 4,
		breserve:  cfg.RSize * 15 / 16,
		domainID:  cfg.DomainID,
		table:     pt,
		buddy:     buddy.New(cfg.BuddyBits),
		rb:        interval.New(cfg.VSize - cfg.RSize),
	}
	s.rbCond = sync.NewCond(&s.rbMu)
	if cfg.RSize > 0 {
		if err := pt.Fault(0, cfg.RSize); err != nil {
			return nil, fmt.Errorf("addrspace: pre-fault buddy region: %w", err)
		}
	}
	return s, nil
}

// DomainID returns the 16-bit domain tag used in context/invalidation
// commands.
func (s *Space) DomainID() uint16 { return s.domainID }

// PageTable exposes the backing page table for mapping operations.
func (s *Space) PageTable() *pagetable.PageTable { return s.table }

// VSize/RSize expose the space's layout for callers computing routing.
func (s *Space) VSize() uint64 { return s.vsize }
func (s *Space) RSize() uint64 { return s.rsize }

func (s *Space) largeThreshold() uint64 {
	used := s.buddy.Used()
	switch {
	case used < s.bsafe:
		return largeThresholdWide
	case used < s.breserve:
		return largeThresholdNarrow
	default:
		return largeThresholdMinimal
	}
}

// useInterval decides the routing rule from spec §4.5.
func (s *Space) useInterval(size uint64, opts Options, spec AddrSpec) bool {
	if opts.Paging {
		return false
	}
	if s.rsize >= s.vsize {
		// No buddy region configured at all.
		return true
	}
	return size >= s.largeThreshold() && spec.covers(s.vsize)
}

// Alloc allocates size pages, routing to the interval or buddy allocator
// per spec §4.5, and materialises the page table (Fault on the interval
// path, Set always once frames are supplied).
func (s *Space) Alloc(size uint64, align uint64, opts Options, spec AddrSpec, mappings []pagetable.Mapping, contiguous bool) (uint64, error) {
	if s.useInterval(size, opts, spec) {
		return s.allocInterval(size, align, opts, mappings, contiguous)
	}
	return s.allocBuddy(size, mappings, contiguous)
}

func (s *Space) allocBuddy(size uint64, mappings []pagetable.Mapping, contiguous bool) (uint64, error) {
	s.buddyMu.Lock()
	page := s.buddy.Alloc(size)
	s.buddyMu.Unlock()
	if page == buddy.NonePage {
		return 0, fmt.Errorf("addrspace: buddy exhausted for size %d", size)
	}
	iova := page
	if len(mappings) > 0 {
		if err := s.table.Set(iova, size, mappings, contiguous); err != nil {
			s.buddyMu.Lock()
			s.buddy.Free(page, size)
			s.buddyMu.Unlock()
			return 0, fmt.Errorf("addrspace: set buddy mapping: %w", err)
		}
	}
	s.buddyMu.Lock()
	s.stats.BuddyUsed = s.buddy.Used()
	s.buddyMu.Unlock()
	return iova, nil // buddy region starts at IOVA 0
}

func (s *Space) allocInterval(size, align uint64, opts Options, mappings []pagetable.Mapping, contiguous bool) (uint64, error) {
	s.rbMu.Lock()
	for {
		off, ok := s.rb.Alloc(size, align)
		if ok {
			s.stats.RBUsed += size
			s.rbMu.Unlock()

			iova := s.rsize + off
			if err := s.table.Fault(iova, size); err != nil {
				s.rbMu.Lock()
				s.rb.Free(off, size)
				s.stats.RBUsed -= size
				s.rbMu.Unlock()
				return 0, fmt.Errorf("addrspace: fault interval range: %w", err)
			}
			if len(mappings) > 0 {
				if err := s.table.Set(iova, size, mappings, contiguous); err != nil {
					s.rbMu.Lock()
					s.rb.Free(off, size)
					s.stats.RBUsed -= size
					s.rbMu.Unlock()
					return 0, fmt.Errorf("addrspace: set interval mapping: %w", err)
				}
			}
			return iova, nil
		}
		if opts.FixedAddress {
			s.rbMu.Unlock()
			return 0, fmt.Errorf("addrspace: no interval space for size %d", size)
		}
		s.waitingSpace = true
		s.rbCond.Wait()
	}
}

// AllocFixed reserves an exact IOVA range, routing by whether it falls in
// the buddy or interval region, used for RMRR carve-outs and the host MSI
// window (spec §4.8).
func (s *Space) AllocFixed(iova, size uint64, mappings []pagetable.Mapping, contiguous bool) error {
	if iova+size <= s.rsize {
		s.buddyMu.Lock()
		err := s.buddy.AllocFixed(iova, size)
		if err == nil {
			s.stats.BuddyUsed = s.buddy.Used()
		}
		s.buddyMu.Unlock()
		if err != nil {
			return err
		}
	} else if iova >= s.rsize {
		s.rbMu.Lock()
		err := s.rb.AllocFixed(iova-s.rsize, size)
		if err == nil {
			s.stats.RBUsed += size
		}
		s.rbMu.Unlock()
		if err != nil {
			return err
		}
		if err := s.table.Fault(iova, size); err != nil {
			return fmt.Errorf("addrspace: fault fixed range: %w", err)
		}
	} else {
		return fmt.Errorf("addrspace: fixed range [%#x,%#x) straddles the buddy/interval split at %#x", iova, iova+size, s.rsize)
	}
	if len(mappings) > 0 {
		if err := s.table.Set(iova, size, mappings, contiguous); err != nil {
			return fmt.Errorf("addrspace: set fixed mapping: %w", err)
		}
	}
	return nil
}

// Free routes iova back to the allocator owning it, updates stats, and
// wakes any allocation blocked on waiting_space. Free never blocks (spec
// §4.5 contract).
func (s *Space) Free(iova, size uint64) {
	if iova >= s.rsize {
		s.rbMu.Lock()
		s.rb.Free(iova-s.rsize, size)
		s.stats.RBUsed -= size
		s.waitingSpace = false
		s.rbMu.Unlock()
		s.rbCond.Broadcast()
		return
	}
	s.buddyMu.Lock()
	s.buddy.Free(iova, size)
	s.stats.BuddyUsed = s.buddy.Used()
	s.buddyMu.Unlock()
}

// EnqueueFree pushes (iova, npages, stamp) onto the small or large free
// queue (isLarge) awaiting invalidation (spec §4.7 step 4).
func (s *Space) EnqueueFree(isLarge bool, e FreeEntry) {
	idx := freeQueueSmall
	if isLarge {
		idx = freeQueueLarge
	}
	s.freeQueueMu.Lock()
	s.freeQueue[idx] = append(s.freeQueue[idx], e)
	s.stats.FreeQueuePending = uint64(len(s.freeQueue[0]) + len(s.freeQueue[1]))
	s.freeQueueMu.Unlock()
}

// PopFree removes and returns the head of the given free queue, then
// calls Free to return the range to its allocator.
func (s *Space) PopFree(isLarge bool) (FreeEntry, bool) {
	idx := freeQueueSmall
	if isLarge {
		idx = freeQueueLarge
	}
	s.freeQueueMu.Lock()
	if len(s.freeQueue[idx]) == 0 {
		s.freeQueueMu.Unlock()
		return FreeEntry{}, false
	}
	e := s.freeQueue[idx][0]
	s.freeQueue[idx] = s.freeQueue[idx][1:]
	s.stats.FreeQueuePending = uint64(len(s.freeQueue[0]) + len(s.freeQueue[1]))
	s.freeQueueMu.Unlock()

	s.Free(e.IOVAPage, e.NPages)
	return e, true
}

// FreeQueueLen reports the pending length of the given free queue, used
// by unmap to detect a full queue (spec §4.7 step 3).
func (s *Space) FreeQueueLen(isLarge bool) int {
	idx := freeQueueSmall
	if isLarge {
		idx = freeQueueLarge
	}
	s.freeQueueMu.Lock()
	defer s.freeQueueMu.Unlock()
	return len(s.freeQueue[idx])
}

// CheckFree is check_free (spec §4.7): it peeks the head of the chosen
// free queue and, as long as passed reports the head entry's stamp has
// retired on every translating unit, pops it and returns its range to
// the allocator. It processes up to 8 entries per call and reports how
// many it reclaimed, tracking the largest such burst in Stats. A caller
// draining a full queue (the §4.7 step-3 spin) calls it in a loop until
// the queue has room; Destroy drains with PopFree instead.
func (s *Space) CheckFree(isLarge bool, passed func(stamp uint32) bool) int {
	idx := freeQueueSmall
	if isLarge {
		idx = freeQueueLarge
	}
	reclaimed := 0
	for reclaimed < 8 {
		s.freeQueueMu.Lock()
		if len(s.freeQueue[idx]) == 0 {
			s.freeQueueMu.Unlock()
			break
		}
		head := s.freeQueue[idx][0]
		if !passed(head.Stamp) {
			s.freeQueueMu.Unlock()
			break
		}
		s.freeQueue[idx] = s.freeQueue[idx][1:]
		s.stats.FreeQueuePending = uint64(len(s.freeQueue[0]) + len(s.freeQueue[1]))
		s.freeQueueMu.Unlock()

		s.Free(head.IOVAPage, head.NPages)
		reclaimed++
	}
	if reclaimed > 0 {
		s.freeQueueMu.Lock()
		if uint64(reclaimed) > s.stats.MaxFreeBurst {
			s.stats.MaxFreeBurst = uint64(reclaimed)
		}
		s.freeQueueMu.Unlock()
	}
	return reclaimed
}

// Stats returns a snapshot of current allocator usage.
func (s *Space) Stats() Stats {
	s.buddyMu.Lock()
	s.rbMu.Lock()
	s.freeQueueMu.Lock()
	st := s.stats
	s.freeQueueMu.Unlock()
	s.rbMu.Unlock()
	s.buddyMu.Unlock()
	return st
}

// Destroy drains both free queues (returning their ranges to the
// allocators), and releases the table backing. The domain-id bit must be
// cleared by the caller (the global domain bitmap is owned by C8).
func (s *Space) Destroy() {
	for s.FreeQueueLen(false) > 0 {
		if _, ok := s.PopFree(false); !ok {
			break
		}
	}
	for s.FreeQueueLen(true) > 0 {
		if _, ok := s.PopFree(true); !ok {
			break
		}
	}
	s.table = nil
}
