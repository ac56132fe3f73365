// Package iommu is the top-level IOMMU controller (spec §4.8, C8): it
// owns every remap unit discovered from a DMAR blob, the domain-id
// space, and the address spaces attached to domains, and is the single
// entry point the rest of the core calls to install the subsystem and
// map or unmap device memory.
package iommu

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/pcihost/internal/addrspace"
	"github.com/tinyrange/pcihost/internal/bitmap"
	"github.com/tinyrange/pcihost/internal/dmar"
	"github.com/tinyrange/pcihost/internal/hostif"
	"github.com/tinyrange/pcihost/internal/pagetable"
	"github.com/tinyrange/pcihost/internal/qi"
	"github.com/tinyrange/pcihost/internal/remapunit"
)

const pageShift = 12

// freeQueueCapacity bounds how many deferred entries a domain's free
// queue may hold before UnmapMemory must drain it inline (spec §4.7
// space_unmap_memory step 3).
const freeQueueCapacity = 256

// freeQueueSpinTimeoutMS bounds how long UnmapMemory will spin
// check_free against a full queue before giving up (spec §4.7, §9).
const freeQueueSpinTimeoutMS = 600

// InstallConfig gathers everything install needs to bring up every
// remap unit named in a DMAR blob (spec §4.8 install).
type InstallConfig struct {
	Blob []byte

	// Windows and Rings are keyed by a hardware unit's register base
	// address, matching the dmar.HardwareUnit.RegisterBase the blob names.
	Windows map[uint64]remapunit.RegisterWindow
	Rings   map[uint64]qi.RingMemory

	QueueSizeOrder uint8
	Clock          hostif.Clock
	PanicOnFault   bool
}

// Controller is the installed IOMMU subsystem for one host.
type Controller struct {
	mu sync.Mutex

	units     []*remapunit.Unit
	engines   []*qi.Engine
	bySegment map[uint16]int

	domainIDs *bitmap.Bitmap
	domains   map[uint16]*Domain

	reserved []dmar.ReservedMemory

	panicOnFault bool
	clock        hostif.Clock
}

// Domain is one attached IOMMU address space plus the remap unit it
// rides on.
type Domain struct {
	space     *addrspace.Space
	engineIdx int
}

// Space exposes the underlying address space for callers that need
// direct allocator access (tests, diagnostics).
func (d *Domain) Space() *addrspace.Space { return d.space }

// Install parses the DMAR blob and brings every listed remap unit under
// management, rejecting the whole install if any unit is missing its
// register window or invalidation ring (spec §4.8, §4.6).
func Install(cfg InstallConfig) (*Controller, error) {
	tbl, err := dmar.Parse(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("iommu: parse DMAR blob: %w", err)
	}

	c := &Controller{
		bySegment:    make(map[uint16]int),
		domainIDs:    bitmap.Alloc(1 << 16),
		domains:      make(map[uint16]*Domain),
		reserved:     tbl.ReservedMemory,
		panicOnFault: cfg.PanicOnFault,
		clock:        cfg.Clock,
	}
	// Domain id 0 is reserved (spec §4.8: never handed out as a real
	// domain, so a zeroed context entry is unambiguously "not attached").
	c.domainIDs.Set(0, true)

	for _, hu := range tbl.HardwareUnits {
		window, ok := cfg.Windows[hu.RegisterBase]
		if !ok {
			return nil, fmt.Errorf("iommu: no register window supplied for unit at %#x", hu.RegisterBase)
		}
		ring, ok := cfg.Rings[hu.RegisterBase]
		if !ok {
			return nil, fmt.Errorf("iommu: no invalidation ring supplied for unit at %#x", hu.RegisterBase)
		}

		unit, err := remapunit.Init(hu, window, nil)
		if err != nil {
			return nil, err
		}
		unit.SetFaultPolicy(cfg.PanicOnFault)
		engine := qi.New(unit, ring, cfg.QueueSizeOrder, cfg.Clock)

		idx := len(c.units)
		c.units = append(c.units, unit)
		c.engines = append(c.engines, engine)
		c.bySegment[hu.Segment] = idx
	}
	return c, nil
}

// Enable programs and enables every managed unit concurrently: each
// unit's register sequence is independent hardware, so there is nothing
// to serialize and an errgroup lets a slow unit's poll loop overlap with
// the others instead of enabling them one at a time (spec §4.6
// unit_enable, run per-unit).
func (c *Controller) Enable(rootTableOf func(unitIdx int) uint64, irTableOf func(unitIdx int) uint64, eim bool) error {
	var g errgroup.Group
	for i := range c.units {
		i := i
		u := c.units[i]
		eng := c.engines[i]
		g.Go(func() error {
			var irTable uint64
			if irTableOf != nil {
				irTable = irTableOf(i)
			}
			return u.Enable(rootTableOf(i), eng.Base(), eng.SizeOrder(), irTable, eim)
		})
	}
	return g.Wait()
}

// Quiesce disables every managed unit concurrently (spec §4.6
// unit_quiesce, the mirror of Enable).
func (c *Controller) Quiesce() error {
	var g errgroup.Group
	for i := range c.units {
		u := c.units[i]
		g.Go(u.Quiesce)
	}
	return g.Wait()
}

// PollFaults drains and reports pending faults on every managed unit,
// meant to be called from the host's periodic or interrupt-driven fault
// handler (spec §4.6 unit_faults).
func (c *Controller) PollFaults() []remapunit.FaultEntry {
	var all []remapunit.FaultEntry
	for _, u := range c.units {
		all = append(all, u.Faults(true)...)
	}
	return all
}

func (c *Controller) allocDomainID() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < c.domainIDs.Len(); i++ {
		if !c.domainIDs.Test(i) {
			c.domainIDs.Set(i, true)
			return uint16(i), true
		}
	}
	return 0, false
}

func (c *Controller) freeDomainID(id uint16) {
	c.mu.Lock()
	c.domainIDs.Set(int(id), false)
	c.mu.Unlock()
}

// NewDomain allocates a fresh domain id, builds its address space, and
// carves in any DMAR reserved-memory regions that fall within the
// space's range so a device attached to this domain can never lose
// access to firmware-reserved memory (spec §4.8, §4.5; scenario S2).
func (c *Controller) NewDomain(segment uint16, cfg addrspace.Config) (*Domain, error) {
	c.mu.Lock()
	idx, ok := c.bySegment[segment]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("iommu: no remap unit registered for segment %d", segment)
	}

	domainID, ok := c.allocDomainID()
	if !ok {
		return nil, fmt.Errorf("iommu: domain id space exhausted")
	}
	cfg.DomainID = domainID

	space, err := addrspace.New(cfg)
	if err != nil {
		c.freeDomainID(domainID)
		return nil, err
	}

	d := &Domain{space: space, engineIdx: idx}
	if err := c.carveReserved(d); err != nil {
		space.Destroy()
		c.freeDomainID(domainID)
		return nil, err
	}

	c.mu.Lock()
	c.domains[domainID] = d
	c.mu.Unlock()
	return d, nil
}

// DestroyDomain tears down a domain's address space and returns its
// domain id to the pool.
func (c *Controller) DestroyDomain(d *Domain) {
	d.space.Destroy()
	c.mu.Lock()
	delete(c.domains, d.space.DomainID())
	c.mu.Unlock()
	c.freeDomainID(d.space.DomainID())
}

func (c *Controller) carveReserved(d *Domain) error {
	for _, rm := range c.reserved {
		startPage := rm.Base >> pageShift
		endPage := rm.End >> pageShift
		npages := endPage - startPage
		if npages == 0 {
			continue
		}
		if endPage > d.space.VSize() {
			// Falls outside this domain's addressable range entirely.
			continue
		}
		mapping := []pagetable.Mapping{{Access: 0x3, Frame: startPage}}
		if err := d.space.AllocFixed(startPage, npages, mapping, true); err != nil {
			return fmt.Errorf("iommu: carve reserved region [%#x,%#x): %w", rm.Base, rm.End, err)
		}
	}
	return nil
}

// AdjustDevice derives the AddrSpec a device's reported DMA addressing
// capability implies for allocator routing (spec §4.5).
func AdjustDevice(addrBits int) addrspace.AddrSpec {
	return addrspace.AddrSpec{AddrBits: addrBits}
}

// DeviceMapperActivate attaches (bus, device, function) to a domain by
// installing its context entry and flushing the context cache so
// hardware stops using any stale (possibly not-present) entry it may
// have cached for that source id (spec §4.8).
func (c *Controller) DeviceMapperActivate(d *Domain, rt *RootTable, bus, device, function uint8, addressWidth uint8) error {
	if err := rt.Install(bus, device, function, d.space.DomainID(), addressWidth, d.space.PageTable().RootFrame()); err != nil {
		return err
	}
	c.engines[d.engineIdx].ContextInvalidate(d.space.DomainID())
	return nil
}

// DetachDevice removes (bus, device, function)'s context entry and
// flushes the context cache, the inverse of DeviceMapperActivate.
func (c *Controller) DetachDevice(d *Domain, rt *RootTable, bus, device, function uint8) {
	rt.Remove(bus, device, function)
	c.engines[d.engineIdx].ContextInvalidate(d.space.DomainID())
}

func accessForDirection(dir hostif.Direction) uint8 {
	switch dir {
	case hostif.DirectionIn:
		return 0x1
	case hostif.DirectionOut:
		return 0x2
	default:
		return 0x3
	}
}

// MapMemory walks a host memory descriptor's physical segments, builds a
// scatter-gather mapping list, and allocates IOVA space for it (spec §4.8
// map_memory). If the owning unit runs in caching mode, newly-present
// entries require a context invalidate before a device may safely use
// them, since caching-mode hardware may have cached their prior
// not-present state.
func (c *Controller) MapMemory(d *Domain, desc hostif.MemoryDescriptor, dir hostif.Direction, opts addrspace.Options, spec addrspace.AddrSpec) (iova uint64, npages uint64, err error) {
	if err := desc.Prepare(dir); err != nil {
		return 0, 0, fmt.Errorf("iommu: prepare memory descriptor: %w", err)
	}

	access := accessForDirection(dir)
	var mappings []pagetable.Mapping
	offset := uint64(0)
	for {
		seg, ok := desc.WalkSegments(offset)
		if !ok {
			break
		}
		pages := seg.Length >> pageShift
		base := seg.Phys >> pageShift
		for p := uint64(0); p < pages; p++ {
			mappings = append(mappings, pagetable.Mapping{Access: access, Frame: base + p})
		}
		npages += pages
		offset += seg.Length
	}
	if npages == 0 {
		return 0, 0, fmt.Errorf("iommu: memory descriptor has no pages to map")
	}

	iova, err = d.space.Alloc(npages, 1, opts, spec, mappings, false)
	if err != nil {
		return 0, 0, err
	}

	if c.units[d.engineIdx].Capabilities().Caching {
		c.engines[d.engineIdx].ContextInvalidate(d.space.DomainID())
	}
	return iova, npages, nil
}

// MapToPhysicalAddress installs a fixed identity-style mapping at a
// caller-chosen IOVA, used for windows that must sit at a known address
// (the host MSI doorbell window, an RMRR carve-out outside NewDomain's
// automatic handling) (spec §4.8).
func (c *Controller) MapToPhysicalAddress(d *Domain, iova, phys, npages uint64, writable bool) error {
	access := uint8(0x1)
	if writable {
		access |= 0x2
	}
	mapping := []pagetable.Mapping{{Access: access, Frame: phys >> pageShift}}
	return d.space.AllocFixed(iova, npages, mapping, true)
}

// Insert installs additional page-table entries into an IOVA range the
// caller already owns (from a prior Alloc/AllocFixed), without touching
// either allocator — used when a scatter-gather mapping is populated
// incrementally after its IOVA range is reserved (spec §4.8 insert).
func (c *Controller) Insert(d *Domain, iova, npages uint64, mappings []pagetable.Mapping, contiguous bool) error {
	return d.space.PageTable().Set(iova, npages, mappings, contiguous)
}

func addrMaskOrder(npages uint64) uint8 {
	if npages <= 1 {
		return 0
	}
	return uint8(bits.Len64(npages - 1))
}

// stampPassedAllUnits reports whether stamp has retired on every managed
// remap unit, the "every translating unit" test check_free applies
// before a deferred free-queue entry may return to its allocator (spec
// §4.7 check_free).
func (c *Controller) stampPassedAllUnits(stamp uint32) bool {
	for _, e := range c.engines {
		if !e.StampPassed(stamp) {
			return false
		}
	}
	return true
}

// drainFreeQueue spins check_free against d's chosen free queue until it
// has room for one more entry, panicking "qfull" if it is still full
// after freeQueueSpinTimeoutMS (spec §4.7 space_unmap_memory step 3).
func (c *Controller) drainFreeQueue(d *Domain, isLarge bool) {
	if d.space.FreeQueueLen(isLarge) < freeQueueCapacity {
		return
	}
	start := c.clock.Now()
	for d.space.FreeQueueLen(isLarge) >= freeQueueCapacity {
		if d.space.CheckFree(isLarge, c.stampPassedAllUnits) > 0 {
			continue
		}
		if c.clock.Now().Since(start) > freeQueueSpinTimeoutMS {
			panic("qfull")
		}
		runtime.Gosched()
	}
}

// UnmapMemory zeroes the page-table entries, acquires the controller's
// hardware lock, defers the IOVA range's return to its allocator onto
// the domain's free queue, and issues the per-unit invalidation that
// retires it (spec §4.7 space_unmap_memory; scenario S1's map/unmap
// round trip). The range is not handed back to the allocator here: it
// becomes reclaimable only once check_free observes its stamp has
// passed on every managed unit, which this call also attempts once
// before returning so a quiescent controller does not accumulate
// entries it could already have freed.
func (c *Controller) UnmapMemory(d *Domain, iova, npages uint64, isLarge bool) error {
	if err := d.space.PageTable().Zero(iova, npages); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainFreeQueue(d, isLarge)

	order := addrMaskOrder(npages)
	stamp := c.engines[d.engineIdx].UnmapMemory(d.space.DomainID(), iova<<pageShift, order)
	d.space.EnqueueFree(isLarge, addrspace.FreeEntry{IOVAPage: iova, NPages: npages, Stamp: stamp})

	c.CheckFree(d, isLarge)
	return nil
}

// CheckFree runs one check_free pass against d's chosen free queue,
// reclaiming up to 8 entries whose stamp has retired on every managed
// unit (spec §4.7 check_free). Callers outside UnmapMemory — a periodic
// housekeeping tick, or a caller about to allocate and wanting to free
// up headroom first — may call this directly.
func (c *Controller) CheckFree(d *Domain, isLarge bool) int {
	return d.space.CheckFree(isLarge, c.stampPassedAllUnits)
}
