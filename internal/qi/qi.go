// Package qi is the queued-invalidation engine (spec §4.7, C7): it
// encodes invalidation descriptors into a remap unit's ring, advances the
// tail register, and blocks the caller until hardware reports completion
// by writing back a monotonic stamp. Grounded in the same
// register-driver style as internal/remapunit, which owns the unit this
// engine rides on top of.
package qi

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/tinyrange/pcihost/internal/hostif"
	"github.com/tinyrange/pcihost/internal/remapunit"
)

// Descriptor type field values (this core's own encoding; see
// internal/remapunit's header comment on why the MMIO/ring layout here is
// a simplified model rather than a literal VT-d bit dump).
const (
	typeContext   = 0x1
	typeIOTLB     = 0x2
	typeInterrupt = 0x4
	typeWait      = 0x5
)

// completionTimeoutMS bounds every ring wait in this engine, not only
// UnmapMemory: a remap unit that cannot drain its own queue is wedged no
// matter which descriptor it stalled on (spec §4.7, §9).
const completionTimeoutMS = 600

// RingMemory is the host-backed invalidation queue memory: one
// contiguous run of 16-byte descriptor slots plus a completion-stamp
// word hardware writes back to via a Wait descriptor's status-write bit.
type RingMemory interface {
	WriteDescriptor(slot int, lo, hi uint64)
	ReadStamp() uint32
	Base() uint64
	StampAddr() uint64
}

// Engine drives one remap unit's invalidation ring.
type Engine struct {
	mu        sync.Mutex
	unit      *remapunit.Unit
	ring      RingMemory
	capacity  int
	sizeOrder uint8
	clock     hostif.Clock

	tail      int
	stamp     uint32
	slotStamp []uint32 // last stamp issued for each slot; 0 = never used
}

// New builds an engine over an already-sized ring. sizeOrder follows the
// remap unit's own queue-length encoding: capacity is 256 << sizeOrder
// descriptor slots.
func New(unit *remapunit.Unit, ring RingMemory, sizeOrder uint8, clock hostif.Clock) *Engine {
	capacity := 256 << sizeOrder
	return &Engine{
		unit:      unit,
		ring:      ring,
		capacity:  capacity,
		sizeOrder: sizeOrder,
		clock:     clock,
		slotStamp: make([]uint32, capacity),
	}
}

// Base and SizeOrder are consulted by the controller when programming
// the unit's IQA register at enable time (spec §4.6).
func (e *Engine) Base() uint64     { return e.ring.Base() }
func (e *Engine) SizeOrder() uint8 { return e.sizeOrder }

// stampPassed is the 32-bit-wrap-tolerant comparison: completed has
// reached (or passed) target once their signed difference is
// non-negative, which stays correct across a counter wraparound as long
// as the two stamps are never more than 2^31 apart.
func stampPassed(completed, target uint32) bool {
	return int32(completed-target) >= 0
}

// StampPassed reports whether this unit's completion stamp has reached
// or passed target, used by check_free to decide whether a queued free
// entry has retired on every translating unit (spec §4.7 check_free).
func (e *Engine) StampPassed(target uint32) bool {
	return stampPassed(e.ring.ReadStamp(), target)
}

// Pending reports how many descriptor slots currently carry an
// unretired stamp, for diagnostics.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	completed := e.ring.ReadStamp()
	n := 0
	for _, s := range e.slotStamp {
		if s != 0 && !stampPassed(completed, s) {
			n++
		}
	}
	return n
}

// checkFree reports whether n descriptor slots plus the trailing wait
// descriptor can be written without blocking on any of them.
func (e *Engine) checkFree(n int) bool {
	completed := e.ring.ReadStamp()
	for i := 0; i <= n; i++ {
		slot := (e.tail + i) % e.capacity
		want := e.slotStamp[slot]
		if want != 0 && !stampPassed(completed, want) {
			return false
		}
	}
	return true
}

// waitForStamp spins until hardware's completion stamp has reached
// target, or panics once completionTimeoutMS has elapsed: a remap unit
// that cannot make progress on its own ring cannot be used safely, so
// there is no error-returning path here (spec §4.7, §9).
func (e *Engine) waitForStamp(target uint32) {
	if stampPassed(e.ring.ReadStamp(), target) {
		return
	}
	start := e.clock.Now()
	for {
		if stampPassed(e.ring.ReadStamp(), target) {
			return
		}
		if e.clock.Now().Since(start) > completionTimeoutMS {
			panic(fmt.Sprintf("qi: invalidation queue stalled waiting for stamp %d", target))
		}
		runtime.Gosched()
	}
}

// waitForSlot blocks only when the slot about to be overwritten still
// carries an in-flight stamp — the spin-wait-only-on-reused-slot rule.
// A slot that was never used, or whose stamp has already passed, never
// causes a wait.
func (e *Engine) waitForSlot(slot int) {
	want := e.slotStamp[slot]
	if want == 0 {
		return
	}
	e.waitForStamp(want)
}

// submit writes descs into the ring followed by a Wait descriptor,
// advances the tail register, and blocks until that batch's stamp is
// observed as complete. It returns the stamp assigned to the batch.
func (e *Engine) submit(descs ...[2]uint64) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	used := make([]int, 0, len(descs)+1)
	for _, d := range descs {
		slot := e.tail
		e.waitForSlot(slot)
		e.ring.WriteDescriptor(slot, d[0], d[1])
		used = append(used, slot)
		e.tail = (e.tail + 1) % e.capacity
	}

	e.stamp++
	stamp := e.stamp
	waitSlot := e.tail
	e.waitForSlot(waitSlot)
	lo, hi := waitDescriptor(e.ring.StampAddr(), stamp)
	e.ring.WriteDescriptor(waitSlot, lo, hi)
	used = append(used, waitSlot)
	e.tail = (e.tail + 1) % e.capacity

	for _, slot := range used {
		e.slotStamp[slot] = stamp
	}
	e.unit.SetQueueTail(e.tail)

	e.waitForStamp(stamp)
	return stamp
}

func contextInvalidateDescriptor(domainID uint16) (lo, hi uint64) {
	const granularityDomain = 1 << 4
	lo = uint64(typeContext) | granularityDomain | (uint64(domainID) << 16)
	return lo, 0
}

func iotlbInvalidateDescriptor(domainID uint16, addr uint64, addrMaskOrder uint8, drain bool) (lo, hi uint64) {
	const granularityDomain = 1 << 4
	const drainReads = 1 << 6
	const drainWrites = 1 << 7
	lo = uint64(typeIOTLB) | granularityDomain | (uint64(domainID) << 16)
	if drain {
		lo |= drainReads | drainWrites
	}
	hi = (addr &^ 0xfff) | uint64(addrMaskOrder)
	return lo, hi
}

func interruptInvalidateDescriptor(index uint16, count uint8) (lo, hi uint64) {
	lo = uint64(typeInterrupt) | (uint64(index) << 32) | (uint64(count) << 27)
	return lo, 0
}

func waitDescriptor(stampAddr uint64, stamp uint32) (lo, hi uint64) {
	const statusWrite = 1 << 5
	lo = uint64(typeWait) | statusWrite | (uint64(stamp) << 32)
	hi = stampAddr
	return lo, hi
}

// ContextInvalidate flushes the context-cache entries for one domain
// (spec §4.7, issued whenever a root/context entry changes).
func (e *Engine) ContextInvalidate(domainID uint16) {
	lo, hi := contextInvalidateDescriptor(domainID)
	e.submit([2]uint64{lo, hi})
}

// InterruptInvalidate flushes count interrupt-remapping table entries
// starting at index.
func (e *Engine) InterruptInvalidate(index uint16, count uint8) {
	lo, hi := interruptInvalidateDescriptor(index, count)
	e.submit([2]uint64{lo, hi})
}

// UnmapMemory issues a page-selective IOTLB invalidate (draining both
// reads and writes in flight) for one domain and IOVA range, blocks for
// hardware completion before returning, and reports the stamp the
// invalidate retired under so a deferred free-queue entry can be tagged
// with it (spec §4.7 space_unmap_memory step 4/5).
func (e *Engine) UnmapMemory(domainID uint16, iova uint64, addrMaskOrder uint8) uint32 {
	if addrMaskOrder > e.unit.Capabilities().Rounding {
		// Beyond what this unit can express as page-selective: fall back
		// to a global invalidate rather than under-invalidate.
		lo, hi := iotlbInvalidateDescriptor(domainID, 0, 0, true)
		lo &^= uint64(1 << 4) // clear domain-selective granularity bit: go global
		return e.submit([2]uint64{lo, hi})
	}
	lo, hi := iotlbInvalidateDescriptor(domainID, iova, addrMaskOrder, true)
	return e.submit([2]uint64{lo, hi})
}
