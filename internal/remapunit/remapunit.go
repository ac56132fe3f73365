// Package remapunit drives one physical IOMMU (a VT-d style remapping
// unit): register block access, enable/quiesce, and fault reporting
// (spec §4.6, C6). The MMIO register layout below is the core's own
// simplified model of the real hardware block (global command/status,
// root-table pointer, context/IOTLB invalidate, invalidation-queue and
// IR-table pointers, fault recording) — not a literal bit-for-bit VT-d
// dump, since spec.md leaves the unit's own MMIO layout unspecified
// (only the PCI-side offsets in §6.3 are bit-exact).
package remapunit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/pcihost/internal/dmar"
)

// RegisterWindow is the MMIO window a remap unit is mapped onto, supplied
// by the host (spec §6.1's collaborator contracts cover the analogous
// MemoryDescriptor; the register window is this core's own equivalent for
// the hardware block it drives directly).
type RegisterWindow interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Register offsets.
const (
	regCAP   = 0x08 // capability register
	regGCMD  = 0x18 // global command
	regGSTS  = 0x1c // global status
	regRTADDR = 0x20 // root-entry table address
	regCCMD  = 0x28 // context command
	regFSTS  = 0x34 // fault status
	regFECTL = 0x38 // fault event control
	regIOTLBCmd = 0x40 // IOTLB invalidate command
	regIQH   = 0x80 // invalidation queue head
	regIQT   = 0x88 // invalidation queue tail
	regIQA   = 0x90 // invalidation queue address
	regIRTA  = 0xb8 // IR table address
	regFRCD0 = 0x300 // first fault-recording register, 16 bytes each
)

// Global command / status bits.
const (
	gcmdTE  uint32 = 1 << 31 // translation enable
	gcmdSRTP uint32 = 1 << 30 // set root-table pointer
	gcmdQIE uint32 = 1 << 26 // queued-invalidation enable
	gcmdIRE uint32 = 1 << 25 // interrupt-remap enable
	gcmdSIRTP uint32 = 1 << 24 // set IR table pointer

	gstsTES  uint32 = 1 << 31
	gstsRTPS uint32 = 1 << 30
	gstsQIES uint32 = 1 << 26
	gstsIRES uint32 = 1 << 25
	gstsIRTPS uint32 = 1 << 24
)

// Capability register bit layout (this core's own simplified encoding).
const (
	capQI          = 1 << 0
	capIntrMapper  = 1 << 1
	capX2Apic      = 1 << 2
	capTranslating = 1 << 3
	capCaching     = 1 << 4
	capGlobal      = 1 << 5
	capSelective   = 1 << 6
	roundingShift  = 8
	roundingMask   = 0xf
	domainShift    = 16
	domainMask     = 0xffff
)

// Capabilities mirrors the parsed flags from spec §3.
type Capabilities struct {
	Global      bool
	Caching     bool
	Translating bool
	Selective   bool
	QI          bool
	IntrMapper  bool
	X2Apic      bool
	Rounding    uint8 // max page-selective invalidation order
	Domains     uint16
}

func parseCapabilities(raw uint64) Capabilities {
	return Capabilities{
		Global:      raw&capGlobal != 0,
		Caching:     raw&capCaching != 0,
		Translating: raw&capTranslating != 0,
		Selective:   raw&capSelective != 0,
		QI:          raw&capQI != 0,
		IntrMapper:  raw&capIntrMapper != 0,
		X2Apic:      raw&capX2Apic != 0,
		Rounding:    uint8((raw >> roundingShift) & roundingMask),
		Domains:     uint16((raw >> domainShift) & domainMask),
	}
}

const numFaultEntries = 4

const enablePollInterval = 10 * time.Microsecond
const enablePollTimeout = 50 * time.Millisecond

// Unit is one physical remapping unit.
type Unit struct {
	Segment uint16
	Base    uint64

	window RegisterWindow
	caps   Capabilities
	log    *slog.Logger

	panicOnFault bool
}

// Init maps the register window, parses capability registers, and
// rejects units that lack QI support (spec §4.6).
func Init(hu dmar.HardwareUnit, window RegisterWindow, log *slog.Logger) (*Unit, error) {
	if log == nil {
		log = slog.Default()
	}
	raw := window.Read64(regCAP)
	caps := parseCapabilities(raw)
	if !caps.QI {
		return nil, fmt.Errorf("remapunit: unit at segment %d base %#x lacks QI support, rejected", hu.Segment, hu.RegisterBase)
	}
	return &Unit{
		Segment: hu.Segment,
		Base:    hu.RegisterBase,
		window:  window,
		caps:    caps,
		log:     log.With("unit_base", fmt.Sprintf("%#x", hu.RegisterBase)),
	}, nil
}

// Capabilities returns the parsed capability flags.
func (u *Unit) Capabilities() Capabilities { return u.caps }

// Window exposes the register window for the QI engine to program the
// invalidation queue and poll the head register.
func (u *Unit) Window() RegisterWindow { return u.window }

// SetFaultPolicy controls unit_faults' behaviour on a primary fault.
func (u *Unit) SetFaultPolicy(panicOnFault bool) { u.panicOnFault = panicOnFault }

// SetQueueTail advances the invalidation-queue tail register to slot,
// the unit of work the QI engine issues after writing new descriptors
// into the ring (spec §4.7). The register holds a byte offset; slots are
// 16 bytes each.
func (u *Unit) SetQueueTail(slot int) {
	u.window.Write32(regIQT, uint32(slot)<<4)
}

// QueueHeadSlot reads how many descriptors the unit has fetched from the
// ring so far, for diagnostics.
func (u *Unit) QueueHeadSlot() int {
	return int(u.window.Read32(regIQH) >> 4)
}

func (u *Unit) pollStatus(mask, want uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if u.window.Read32(regGSTS)&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("remapunit: timed out waiting for status mask %#x == %#x", mask, want)
		}
		time.Sleep(enablePollInterval)
	}
}

// Enable programs the root-entry table, enables QI, optionally programs
// interrupt remapping, and finally enables translation (spec §4.6,
// unit_enable). rootTable is the physical frame of the root-entry table;
// qiBase/qiSizeOrder describe the invalidation queue; irTable is 0 if IR
// is not configured for this install.
func (u *Unit) Enable(rootTable, qiBase uint64, qiSizeOrder uint8, irTable uint64, eim bool) error {
	// 1. Disable translation/IR/QI and wait for status to clear.
	g := u.window.Read32(regGCMD)
	u.window.Write32(regGCMD, g&^(gcmdTE|gcmdIRE|gcmdQIE))
	if err := u.pollStatus(gstsTES|gstsIRES|gstsQIES, 0, enablePollTimeout); err != nil {
		return fmt.Errorf("remapunit: quiesce before enable: %w", err)
	}

	// 2. Program the root-entry table and issue a global context invalidate.
	u.window.Write64(regRTADDR, rootTable)
	u.window.Write32(regGCMD, gcmdSRTP)
	if err := u.pollStatus(gstsRTPS, gstsRTPS, enablePollTimeout); err != nil {
		return fmt.Errorf("remapunit: set root table pointer: %w", err)
	}
	u.window.Write64(regCCMD, 0x1) // global context-cache invalidate

	// 3. Global IOTLB invalidate with drain-reads/drain-writes.
	const iotlbGlobal = 0x1
	const iotlbDrainReads = 1 << 6
	const iotlbDrainWrites = 1 << 7
	u.window.Write64(regIOTLBCmd, iotlbGlobal|iotlbDrainReads|iotlbDrainWrites)

	// 4. Reset the invalidation queue tail, program address+size, enable QI.
	u.window.Write32(regIQT, 0)
	u.window.Write64(regIQA, qiBase|uint64(qiSizeOrder))
	g = u.window.Read32(regGCMD)
	u.window.Write32(regGCMD, g|gcmdQIE)
	if err := u.pollStatus(gstsQIES, gstsQIES, enablePollTimeout); err != nil {
		return fmt.Errorf("remapunit: enable QI: %w", err)
	}

	// 5. Program IR if configured, then enable translation.
	if irTable != 0 {
		irtaVal := irTable
		const irtaEIME = 1 << 11
		if eim {
			irtaVal |= irtaEIME
		}
		u.window.Write64(regIRTA, irtaVal)
		g = u.window.Read32(regGCMD)
		u.window.Write32(regGCMD, g|gcmdSIRTP)
		if err := u.pollStatus(gstsIRTPS, gstsIRTPS, enablePollTimeout); err != nil {
			return fmt.Errorf("remapunit: set IR table pointer: %w", err)
		}
		g = u.window.Read32(regGCMD)
		u.window.Write32(regGCMD, g|gcmdIRE)
		if err := u.pollStatus(gstsIRES, gstsIRES, enablePollTimeout); err != nil {
			return fmt.Errorf("remapunit: enable IR: %w", err)
		}
	}

	g = u.window.Read32(regGCMD)
	u.window.Write32(regGCMD, g|gcmdTE)
	if err := u.pollStatus(gstsTES, gstsTES, enablePollTimeout); err != nil {
		return fmt.Errorf("remapunit: enable translation: %w", err)
	}
	return nil
}

// Quiesce disables translation, IR and QI in one write and spins until
// all three status bits clear (spec §4.6, unit_quiesce).
func (u *Unit) Quiesce() error {
	g := u.window.Read32(regGCMD)
	u.window.Write32(regGCMD, g&^(gcmdTE|gcmdIRE|gcmdQIE))
	return u.pollStatus(gstsTES|gstsIRES|gstsQIES, 0, enablePollTimeout)
}

// FaultEntry is one drained primary-fault record.
type FaultEntry struct {
	Index  int
	Source uint32
	Reason uint32
	Addr   uint64
}

// Faults drains the per-entry fault registers, clears the fault-status
// word, and, if log is true, emits one diagnostic per primary-fault
// entry. If the unit's panic-on-fault policy bit is set, it aborts
// instead (spec §4.6, §9: default policy is log).
func (u *Unit) Faults(logFaults bool) []FaultEntry {
	var out []FaultEntry
	fsts := u.window.Read32(regFSTS)
	const fstsPPF = 1 << 1 // primary pending fault
	if fsts&fstsPPF == 0 {
		return nil
	}
	for i := 0; i < numFaultEntries; i++ {
		base := uint32(regFRCD0 + i*16)
		hi := u.window.Read64(uint32(base + 8))
		const faultValid = 1 << 63
		if hi&faultValid == 0 {
			continue
		}
		lo := u.window.Read64(uint32(base))
		entry := FaultEntry{
			Index:  i,
			Source: uint32(hi >> 32 & 0xffff),
			Reason: uint32(hi >> 48 & 0xff),
			Addr:   lo,
		}
		out = append(out, entry)
		u.window.Write64(uint32(base+8), faultValid) // write-1-to-clear

		if logFaults {
			u.log.Warn("iommu fault", "entry", i, "source", fmt.Sprintf("%04x", entry.Source), "reason", entry.Reason, "addr", fmt.Sprintf("%#x", entry.Addr))
		}
		if u.panicOnFault {
			panic(fmt.Sprintf("remapunit: fault on unit base %#x entry %d reason %#x", u.Base, i, entry.Reason))
		}
	}
	u.window.Write32(regFSTS, fstsPPF)
	return out
}
