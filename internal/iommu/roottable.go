package iommu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pcihost/internal/pagetable"
)

// RootTable is the per-segment root-entry/context-entry structure a
// remap unit walks to find a domain's page table for a given
// bus/device/function (spec §4.8's context-entry install step). It is
// deliberately not the hardware's exact bit layout — like
// internal/remapunit's register block, it is this core's own model of
// the structure, keyed for O(1) lookup rather than laid out as a
// two-level 256/8-entry table the way real VT-d root/context tables are.
type RootTable struct {
	mu sync.Mutex

	alloc     pagetable.FrameAllocator
	rootFrame uint64

	contextFrames  map[uint8]uint64
	contextEntries map[uint32]contextEntry
}

type contextEntry struct {
	domainID     uint16
	addressWidth uint8
	ptRoot       uint64
}

// NewRootTable allocates the table's own root frame from alloc.
func NewRootTable(alloc pagetable.FrameAllocator) (*RootTable, error) {
	frame, err := alloc.AllocTableFrame()
	if err != nil {
		return nil, fmt.Errorf("iommu: allocate root-entry table: %w", err)
	}
	return &RootTable{
		alloc:          alloc,
		rootFrame:      frame,
		contextFrames:  make(map[uint8]uint64),
		contextEntries: make(map[uint32]contextEntry),
	}, nil
}

// RootFrame is the physical frame programmed into a remap unit's RTADDR
// register at enable time.
func (rt *RootTable) RootFrame() uint64 { return rt.rootFrame }

func devfnKey(bus, device, function uint8) uint32 {
	return uint32(bus)<<8 | uint32(device)<<3 | uint32(function)
}

// Install attaches (bus, device, function) to a domain, materialising the
// per-bus context table on first use.
func (rt *RootTable) Install(bus, device, function uint8, domainID uint16, addressWidth uint8, ptRoot uint64) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.contextFrames[bus]; !ok {
		frame, err := rt.alloc.AllocTableFrame()
		if err != nil {
			return fmt.Errorf("iommu: allocate context table for bus %d: %w", bus, err)
		}
		rt.contextFrames[bus] = frame
	}
	rt.contextEntries[devfnKey(bus, device, function)] = contextEntry{
		domainID:     domainID,
		addressWidth: addressWidth,
		ptRoot:       ptRoot,
	}
	return nil
}

// Remove detaches (bus, device, function) from whatever domain it was
// attached to, if any.
func (rt *RootTable) Remove(bus, device, function uint8) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.contextEntries, devfnKey(bus, device, function))
}

// Lookup reports the domain and page-table root a device is currently
// attached to.
func (rt *RootTable) Lookup(bus, device, function uint8) (domainID uint16, ptRoot uint64, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.contextEntries[devfnKey(bus, device, function)]
	if !ok {
		return 0, 0, false
	}
	return e.domainID, e.ptRoot, true
}
