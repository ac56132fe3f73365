package iommu

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/tinyrange/pcihost/internal/addrspace"
	"github.com/tinyrange/pcihost/internal/hostif"
	"github.com/tinyrange/pcihost/internal/pagetable"
	"github.com/tinyrange/pcihost/internal/qi"
	"github.com/tinyrange/pcihost/internal/remapunit"
)

// --- synthetic DMAR blob -----------------------------------------------

func appendSubtable(buf []byte, kind uint16, body []byte) []byte {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], kind)
	binary.LittleEndian.PutUint16(header[2:4], uint16(4+len(body)))
	buf = append(buf, header...)
	return append(buf, body...)
}

func hardwareUnitBody(segment uint16, regBase uint64) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[2:4], segment)
	binary.LittleEndian.PutUint64(b[4:12], regBase)
	return b
}

func reservedMemoryBody(base, end uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], base)
	binary.LittleEndian.PutUint64(b[8:16], end)
	return b
}

// --- fakes ---------------------------------------------------------------

type fakeWindow struct {
	mu   sync.Mutex
	regs map[uint32]uint64
}

func newFakeWindow(cap uint64) *fakeWindow {
	return &fakeWindow{regs: map[uint32]uint64{0x08: cap}}
}
func (w *fakeWindow) Read32(off uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint32(w.regs[off])
}
func (w *fakeWindow) Write32(off uint32, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs[off] = uint64(v)
	w.reactLocked()
}
func (w *fakeWindow) Read64(off uint32) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[off]
}
func (w *fakeWindow) Write64(off uint32, v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs[off] = v
	w.reactLocked()
}

// reactLocked mirrors GCMD bits into GSTS, as real hardware would once a
// requested state change lands; caller must hold w.mu.
func (w *fakeWindow) reactLocked() {
	const (
		regGCMD, regGSTS = 0x18, 0x1c
		gcmdTE, gstsTES  = 1 << 31, 1 << 31
		gcmdSRTP, gstsRTPS = 1 << 30, 1 << 30
		gcmdQIE, gstsQIES = 1 << 26, 1 << 26
		gcmdIRE, gstsIRES = 1 << 25, 1 << 25
		gcmdSIRTP, gstsIRTPS = 1 << 24, 1 << 24
	)
	g := uint32(w.regs[regGCMD])
	status := uint32(w.regs[regGSTS])
	for _, pair := range [][2]uint32{{gcmdTE, gstsTES}, {gcmdIRE, gstsIRES}, {gcmdQIE, gstsQIES}} {
		if g&pair[0] != 0 {
			status |= pair[1]
		} else {
			status &^= pair[1]
		}
	}
	if g&gcmdSRTP != 0 {
		status |= gstsRTPS
	}
	if g&gcmdSIRTP != 0 {
		status |= gstsIRTPS
	}
	w.regs[regGSTS] = uint64(status)
}

var _ remapunit.RegisterWindow = (*fakeWindow)(nil)

type fakeRing struct {
	mu        sync.Mutex
	slots     [][2]uint64
	completed uint32
	base      uint64
	stampAddr uint64
}

func newFakeRing(capacity int, base uint64) *fakeRing {
	return &fakeRing{slots: make([][2]uint64, capacity), base: base, stampAddr: base + uint64(capacity*16)}
}
func (r *fakeRing) WriteDescriptor(slot int, lo, hi uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[slot] = [2]uint64{lo, hi}
	const typeWait = 0x5
	if lo&0xf == typeWait {
		r.completed = uint32(lo >> 32)
	}
}
func (r *fakeRing) ReadStamp() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}
func (r *fakeRing) Base() uint64      { return r.base }
func (r *fakeRing) StampAddr() uint64 { return r.stampAddr }

var _ qi.RingMemory = (*fakeRing)(nil)

type fakeDeadline struct{ ms int64 }

func (d fakeDeadline) Since(start hostif.Deadline) int64 { return d.ms - start.(fakeDeadline).ms }
func (d fakeDeadline) Add(ms int64) hostif.Deadline      { return fakeDeadline{d.ms + ms} }
func (d fakeDeadline) After(other hostif.Deadline) bool  { return d.ms > other.(fakeDeadline).ms }

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) Now() hostif.Deadline {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms++
	return fakeDeadline{ms: c.ms}
}

type fakeMemDesc struct {
	segments []hostif.MemorySegment
}

func (d *fakeMemDesc) WalkSegments(offset uint64) (hostif.MemorySegment, bool) {
	var cum uint64
	for _, s := range d.segments {
		if offset < cum+s.Length {
			return s, true
		}
		cum += s.Length
	}
	return hostif.MemorySegment{}, false
}
func (d *fakeMemDesc) Prepare(hostif.Direction) error { return nil }
func (d *fakeMemDesc) Map(hostif.Direction, uint32) (hostif.MappedMemory, error) {
	return hostif.MappedMemory{}, nil
}

var _ hostif.MemoryDescriptor = (*fakeMemDesc)(nil)

// --- tests -----------------------------------------------------------

const unitBase = 0x1000

func installTestController(t *testing.T, reservedBase, reservedEnd uint64) (*Controller, *fakeClock) {
	t.Helper()
	var blob []byte
	blob = appendSubtable(blob, 0 /* hardware unit */, hardwareUnitBody(0, unitBase))
	if reservedEnd > reservedBase {
		blob = appendSubtable(blob, 1 /* reserved memory */, reservedMemoryBody(reservedBase, reservedEnd))
	}

	const capQI = 1 << 0
	clock := &fakeClock{}
	c, err := Install(InstallConfig{
		Blob:           blob,
		Windows:        map[uint64]remapunit.RegisterWindow{unitBase: newFakeWindow(capQI)},
		Rings:          map[uint64]qi.RingMemory{unitBase: newFakeRing(256, 0x9000)},
		QueueSizeOrder: 0,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := c.Enable(func(int) uint64 { return 0x4000 }, nil, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return c, clock
}

func testDomainConfig() addrspace.Config {
	return addrspace.Config{
		VSize:      1024,
		RSize:      512,
		BuddyBits:  9,
		Levels:     4,
		Snooped:    true,
		TableAlloc: &pagetable.CounterFrameAllocator{},
	}
}

func TestInstallRejectsMissingWindow(t *testing.T) {
	var blob []byte
	blob = appendSubtable(blob, 0, hardwareUnitBody(0, unitBase))
	_, err := Install(InstallConfig{Blob: blob, Windows: map[uint64]remapunit.RegisterWindow{}, Rings: map[uint64]qi.RingMemory{}})
	if err == nil {
		t.Fatal("expected an error when no register window is supplied")
	}
}

func TestNewDomainCarvesReservedMemory(t *testing.T) {
	c, _ := installTestController(t, 0x2000, 0x3000) // page 2
	d, err := c.NewDomain(0, testDomainConfig())
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	if !d.Space().PageTable().PresentTable(2) {
		t.Fatal("expected the reserved-memory page's leaf table to be pre-faulted")
	}
	entry, present := d.Space().PageTable().Lookup(2)
	if !present || entry.Frame() != 2 {
		t.Fatalf("expected reserved page identity-mapped, got entry=%+v present=%v", entry, present)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	c, _ := installTestController(t, 0, 0)
	d, err := c.NewDomain(0, testDomainConfig())
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}

	desc := &fakeMemDesc{segments: []hostif.MemorySegment{{Phys: 0x100000, Length: 4096}}}
	iova, npages, err := c.MapMemory(d, desc, hostif.DirectionInOut, addrspace.Options{}, addrspace.AddrSpec{})
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if npages != 1 {
		t.Fatalf("npages = %d, want 1", npages)
	}
	entry, present := d.Space().PageTable().Lookup(iova)
	if !present || entry.Frame() != 0x100000>>pageShift {
		t.Fatalf("unexpected mapping after MapMemory: present=%v entry=%+v", present, entry)
	}

	if err := c.UnmapMemory(d, iova, npages, false); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if _, present := d.Space().PageTable().Lookup(iova); present {
		t.Fatal("expected the mapping to be gone after UnmapMemory")
	}

	// The IOVA must be reusable once unmap completes.
	iova2, _, err := c.MapMemory(d, &fakeMemDesc{segments: []hostif.MemorySegment{{Phys: 0x200000, Length: 4096}}}, hostif.DirectionInOut, addrspace.Options{}, addrspace.AddrSpec{})
	if err != nil {
		t.Fatalf("second MapMemory: %v", err)
	}
	if iova2 != iova {
		t.Fatalf("expected the freed IOVA %#x to be reused, got %#x", iova, iova2)
	}
}

func TestUnmapMemoryReclaimsThroughFreeQueue(t *testing.T) {
	c, _ := installTestController(t, 0, 0)
	d, err := c.NewDomain(0, testDomainConfig())
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	desc := &fakeMemDesc{segments: []hostif.MemorySegment{{Phys: 0x100000, Length: 4096}}}
	iova, npages, err := c.MapMemory(d, desc, hostif.DirectionInOut, addrspace.Options{}, addrspace.AddrSpec{})
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := c.UnmapMemory(d, iova, npages, false); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if d.Space().FreeQueueLen(false) != 0 {
		t.Fatal("expected the deferred entry reclaimed once its stamp retired")
	}
	if d.Space().Stats().MaxFreeBurst != 1 {
		t.Fatalf("expected MaxFreeBurst 1, got %d", d.Space().Stats().MaxFreeBurst)
	}
}

func TestUnmapMemoryPanicsQfullWhenFreeQueueStaysFull(t *testing.T) {
	c, _ := installTestController(t, 0, 0)
	d, err := c.NewDomain(0, testDomainConfig())
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	// Stamp 1 never retires on the fresh engine (ReadStamp starts at 0),
	// so drainFreeQueue must spin until it gives up.
	for i := 0; i < freeQueueCapacity; i++ {
		d.Space().EnqueueFree(false, addrspace.FreeEntry{IOVAPage: uint64(i), NPages: 1, Stamp: 1})
	}
	defer func() {
		if r := recover(); r != "qfull" {
			t.Fatalf("expected panic \"qfull\", got %v", r)
		}
	}()
	c.drainFreeQueue(d, false)
}

func TestDeviceMapperActivateAndDetach(t *testing.T) {
	c, _ := installTestController(t, 0, 0)
	d, err := c.NewDomain(0, testDomainConfig())
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	rt, err := NewRootTable(&pagetable.CounterFrameAllocator{})
	if err != nil {
		t.Fatalf("NewRootTable: %v", err)
	}
	if err := c.DeviceMapperActivate(d, rt, 0, 1, 0, 48); err != nil {
		t.Fatalf("DeviceMapperActivate: %v", err)
	}
	domainID, ptRoot, ok := rt.Lookup(0, 1, 0)
	if !ok || domainID != d.Space().DomainID() || ptRoot != d.Space().PageTable().RootFrame() {
		t.Fatalf("unexpected context entry: domainID=%d ptRoot=%#x ok=%v", domainID, ptRoot, ok)
	}
	c.DetachDevice(d, rt, 0, 1, 0)
	if _, _, ok := rt.Lookup(0, 1, 0); ok {
		t.Fatal("expected the context entry to be gone after DetachDevice")
	}
}
