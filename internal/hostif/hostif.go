// Package hostif declares the collaborator interfaces the PCI/IOMMU core
// requires of its host kernel (spec §6.1). The core never constructs these
// itself; they are supplied by whatever kernel embeds the core.
package hostif

import "context"

// WorkLoop serializes configuration mutations onto a single logical thread,
// mirroring the gate used by internal/chipset.ChipsetDevice callers in the
// teacher runtime. RunAction blocks the caller until the closure has run on
// the loop's thread (or returns immediately if already running on it).
type WorkLoop interface {
	RunAction(fn func() error) error
}

// EventSource is a host-provided interrupt or timer source.
type EventSource interface {
	Enable()
	Disable()
	SetTimeoutMS(ms uint32)
}

// EventSourceFunc adapts a callback-driven event source.
type EventSourceFunc struct {
	EnableFunc      func()
	DisableFunc     func()
	SetTimeoutFunc  func(ms uint32)
}

func (f EventSourceFunc) Enable() {
	if f.EnableFunc != nil {
		f.EnableFunc()
	}
}

func (f EventSourceFunc) Disable() {
	if f.DisableFunc != nil {
		f.DisableFunc()
	}
}

func (f EventSourceFunc) SetTimeoutMS(ms uint32) {
	if f.SetTimeoutFunc != nil {
		f.SetTimeoutFunc(ms)
	}
}

var _ EventSource = EventSourceFunc{}

// MemorySegment is one physically-contiguous run returned while walking a
// memory descriptor.
type MemorySegment struct {
	Phys   uint64
	Length uint64
}

// MemoryDescriptor exposes the pieces of a host memory descriptor the IOMMU
// controller needs to populate page tables (spec §6.1, §4.8 map_memory).
type MemoryDescriptor interface {
	// WalkSegments returns the segment starting at or after offset, and
	// ok=false once offset reaches the end of the descriptor.
	WalkSegments(offset uint64) (seg MemorySegment, ok bool)
	Prepare(direction Direction) error
	Map(direction Direction, flags uint32) (MappedMemory, error)
}

// MappedMemory is the result of MemoryDescriptor.Map.
type MappedMemory struct {
	VirtualAddress      uintptr
	PhysicallyContiguous bool
}

// Direction mirrors IODirection in the original source.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionIn
	DirectionOut
	DirectionInOut
)

// Registry is a key -> value lookup on a device node, used for the string
// keys enumerated in spec §6.4 (IOPCIHotPlugKey, IOPCITunnelRootDeviceVendorIDKey, ...).
// Values are opaque to the core.
type Registry interface {
	Property(key string) (value any, ok bool)
	SetProperty(key string, value any)
	RemoveProperty(key string)
}

// PMRootDomain is the generic power-management root domain collaborator.
type PMRootDomain interface {
	ClaimSystemWakeEvent(reason string)
	SetProperty(key string, value any)
	CreatePMAssertion(cpu bool) (PMAssertion, error)
}

// PMAssertion is a held "keep the CPU awake" assertion (spec §4.10 step 5f).
type PMAssertion interface {
	Release()
}

// Clock abstracts wall-clock reads so QI deadlines (spec §5, 600ms) and
// hot-plug debounce timers (spec §4.10) are testable without sleeping.
type Clock interface {
	Now() Deadline
}

// Deadline is an opaque monotonic instant; the only operation the core
// needs is computing elapsed time against another Deadline.
type Deadline interface {
	Since(start Deadline) (ms int64)
	Add(ms int64) Deadline
	After(other Deadline) bool
}

// Context is threaded through operations that may need to observe
// cancellation from the work loop (e.g. probe timers).
type Context = context.Context
