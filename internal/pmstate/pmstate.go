// Package pmstate is the per-function configuration shadow and power
// state machine (spec §4.9, §4.10, C9): it snapshots a function's
// configuration space before a sleep transition, restores it afterward in
// dependency order, and tracks the Off/Doze/On/Paused state that gates
// which operations are legal.
package pmstate

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/pcihost/internal/pcicap"
	"github.com/tinyrange/pcihost/internal/pcireg"
	"github.com/tinyrange/pcihost/internal/policy"
)

// PowerState is the function's place in the device power-state machine
// (spec §4.9).
type PowerState int

const (
	Off PowerState = iota
	Doze
	On
	Paused
)

func (s PowerState) String() string {
	switch s {
	case Off:
		return "off"
	case Doze:
		return "doze"
	case On:
		return "on"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the state machine's edges (spec §4.9): a
// function only ever moves one hop at a time, and Paused is reachable
// only from On and only returns to On.
var legalTransitions = map[PowerState]map[PowerState]bool{
	Off:    {Doze: true, On: true},
	Doze:   {On: true, Off: true},
	On:     {Doze: true, Off: true, Paused: true},
	Paused: {On: true},
}

// ConfigAccessor reads and writes one PCI function's configuration
// space, supplied by the host's bus-access layer.
type ConfigAccessor interface {
	ReadConfig(offset uint16, data []byte) error
	WriteConfig(offset uint16, data []byte) error
}

// configSpaceLen spans the full PCIe extended configuration space, not
// just the legacy 256-byte header block: AER and L1PM Substates are
// extended capabilities that live at offsets >= 0x100.
const configSpaceLen = 4096

// SaveOutcome reports what Save actually did, replacing a bare error so
// callers can distinguish "nothing to save" and "device physically
// disappeared" from a real I/O failure (spec §9 Open Question: the
// source's AER-root-command-zeroing behavior during a sleep-triggered
// reset is preserved as part of Restore rather than special-cased here).
type SaveOutcome int

const (
	SaveOK SaveOutcome = iota
	SaveAlreadyOff
	SaveDeviceMissing
)

func (o SaveOutcome) String() string {
	switch o {
	case SaveOK:
		return "ok"
	case SaveAlreadyOff:
		return "already-off"
	case SaveDeviceMissing:
		return "device-missing"
	default:
		return "unknown"
	}
}

// Flags tracks a function's liveness and removal policy alongside its
// power state (spec §4.9 save step 5).
type Flags uint8

const (
	// FlagValid is set on a function whose last Save found the device
	// physically present, and cleared the moment Save finds it gone.
	FlagValid Flags = 1 << iota
	// FlagHotplug marks a function that lives behind a hot-pluggable
	// slot: when set, a vanished device also requests termination rather
	// than just losing FlagValid (scenario S6).
	FlagHotplug
	// FlagTerminate is set once a Hotplug-flagged function's device has
	// been observed missing, latching the request until the host's
	// hot-remove path clears it by tearing the function down.
	FlagTerminate
)

// Function is one PCI/PCIe function's shadow state.
type Function struct {
	mu sync.Mutex

	access   ConfigAccessor
	caps     *pcicap.Table
	isBridge bool
	quirk    policy.DeviceQuirk

	state  PowerState
	shadow []byte // configSpaceLen snapshot from the last successful Save
	flags  Flags

	// wakeCount/restoreCount implement the wake-epoch skip (spec §4.9
	// restore step 1): Restore only performs I/O the first time it is
	// called since wakeCount last advanced. New leaves them one apart so
	// the very first Restore after construction still runs.
	wakeCount    uint64
	restoreCount uint64

	// Terminate, if set, is called once when Save observes a
	// Hotplug-flagged function's device has vanished, so the host can
	// enqueue whatever hot-remove teardown it needs without pmstate
	// knowing the shape of that work.
	Terminate func()

	// TunnelParent is the upstream function this one depends on being
	// restored (and its link trained) first, e.g. a Thunderbolt/NHI
	// tunnel's root port (spec §4.10 tunnel dependency queues). Nil for a
	// function with no tunnel dependency.
	TunnelParent *Function
}

// New wraps a function's config-space accessor. isBridge controls
// whether Restore also reprograms bus numbers and bridge control;
// isHotplug sets FlagHotplug, changing how Save reacts to a missing
// device (scenario S6); quirk supplies the sleep/wake policy bits Save
// applies (spec §4.9 save step 4).
func New(access ConfigAccessor, caps *pcicap.Table, isBridge, isHotplug bool, quirk policy.DeviceQuirk) *Function {
	f := &Function{
		access:    access,
		caps:      caps,
		isBridge:  isBridge,
		quirk:     quirk,
		state:     On,
		flags:     FlagValid,
		wakeCount: 1,
	}
	if isHotplug {
		f.flags |= FlagHotplug
	}
	return f
}

// MarkWoken advances the wake epoch, so the next Restore call performs
// I/O again even if the function was already restored this epoch (spec
// §4.9 restore step 1). The host's sleep/wake controller calls this once
// per function per wake, before replaying RestoreAll.
func (f *Function) MarkWoken() {
	f.mu.Lock()
	f.wakeCount++
	f.mu.Unlock()
}

// Flags reports the function's current liveness/removal bits.
func (f *Function) Flags() Flags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

// TerminateRequested reports whether a Hotplug-flagged function's device
// has been observed missing and still awaits hot-remove teardown.
func (f *Function) TerminateRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags&FlagTerminate != 0
}

// ClearTerminate acknowledges a pending termination request once the
// host has actually torn the function down.
func (f *Function) ClearTerminate() {
	f.mu.Lock()
	f.flags &^= FlagTerminate
	f.mu.Unlock()
}

// State reports the function's current power state.
func (f *Function) State() PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TransitionTo moves the function to a new state, rejecting any edge not
// in legalTransitions.
func (f *Function) TransitionTo(next PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == next {
		return nil
	}
	if !legalTransitions[f.state][next] {
		return fmt.Errorf("pmstate: illegal transition %s -> %s", f.state, next)
	}
	f.state = next
	return nil
}

func isAllOnes(b []byte) bool {
	for _, v := range b {
		if v != 0xff {
			return false
		}
	}
	return true
}

// Save snapshots the function's configuration space. It returns
// SaveAlreadyOff without touching hardware if the function is already
// Off, and SaveDeviceMissing (not an error) if the vendor/device id reads
// back as all-ones, the standard "slot is empty or link is down" tell
// (spec §4.9 save step 5): FlagValid is cleared, and a Hotplug-flagged
// function additionally latches FlagTerminate and fires Terminate.
// Otherwise it applies the quirk's sleep/wake policy bits (save step 4)
// before snapshotting.
func (f *Function) Save() (SaveOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Off {
		return SaveAlreadyOff, nil
	}
	buf := make([]byte, configSpaceLen)
	if err := f.access.ReadConfig(0, buf); err != nil {
		return SaveOK, fmt.Errorf("pmstate: read config space: %w", err)
	}
	if isAllOnes(buf[pcireg.VendorID : pcireg.VendorID+4]) {
		f.flags &^= FlagValid
		if f.flags&FlagHotplug != 0 {
			f.flags |= FlagTerminate
			if f.Terminate != nil {
				f.Terminate()
			}
		}
		return SaveDeviceMissing, nil
	}

	if err := f.applySleepPolicy(buf); err != nil {
		return SaveOK, err
	}

	f.shadow = buf
	f.flags |= FlagValid
	return SaveOK, nil
}

// applySleepPolicy programs the quirk bits the device should carry into
// sleep (spec §4.9 save step 4). SleepLinkDisable and SleepReset are
// live-only: Restore's blind replay of buf (about to become the shadow)
// naturally undoes them once the function wakes. WakeL1PMDisable must
// stay in effect past wake, so its LinkControl bit is also masked into
// buf itself; its L1PM Substates registers are never touched by Restore,
// so masking them live is enough to make them stick.
func (f *Function) applySleepPolicy(buf []byte) error {
	if f.quirk.SleepLinkDisable && f.caps != nil {
		if off, ok := f.caps.Offset(pcicap.Express); ok {
			lcOff := off + pcireg.ExpressLinkControl
			v := (uint16(buf[lcOff]) | uint16(buf[lcOff+1])<<8) | pcireg.LinkControlLinkDisable
			if err := writeU16Config(f.access, lcOff, v); err != nil {
				return fmt.Errorf("pmstate: set link disable: %w", err)
			}
		}
	}
	if f.quirk.SleepReset && f.isBridge {
		if err := f.pulseSecondaryBusReset(); err != nil {
			return fmt.Errorf("pmstate: pulse secondary bus reset: %w", err)
		}
	}
	if f.quirk.WakeL1PMDisable && f.caps != nil {
		if off, ok := f.caps.Offset(pcicap.Express); ok {
			lcOff := off + pcireg.ExpressLinkControl
			v := (uint16(buf[lcOff]) | uint16(buf[lcOff+1])<<8) &^ pcireg.LinkControlClkReqEnable
			buf[lcOff], buf[lcOff+1] = byte(v), byte(v>>8)
			if err := writeU16Config(f.access, lcOff, v); err != nil {
				return fmt.Errorf("pmstate: clear clkreq enable: %w", err)
			}
		}
		if off, ok := f.caps.Offset(pcicap.L1PM); ok {
			zero := make([]byte, 4)
			if err := f.access.WriteConfig(off+pcireg.L1PMCtrl0, zero); err != nil {
				return fmt.Errorf("pmstate: mask l1pm ctrl0: %w", err)
			}
			if err := f.access.WriteConfig(off+pcireg.L1PMCtrl1, zero); err != nil {
				return fmt.Errorf("pmstate: mask l1pm ctrl1: %w", err)
			}
		}
	}
	return nil
}

// writeU16Config writes a little-endian 16-bit value to a config-space
// accessor at off.
func writeU16Config(access ConfigAccessor, off uint16, v uint16) error {
	buf := [2]byte{byte(v), byte(v >> 8)}
	return access.WriteConfig(off, buf[:])
}

// pulseSecondaryBusReset sets and then clears BridgeControl.SBR.
func (f *Function) pulseSecondaryBusReset() error {
	var buf [2]byte
	if err := f.access.ReadConfig(pcireg.BridgeControl, buf[:]); err != nil {
		return err
	}
	orig := uint16(buf[0]) | uint16(buf[1])<<8
	set := orig | pcireg.BridgeControlSBR
	buf[0], buf[1] = byte(set), byte(set>>8)
	if err := f.access.WriteConfig(pcireg.BridgeControl, buf[:]); err != nil {
		return err
	}
	buf[0], buf[1] = byte(orig), byte(orig>>8)
	return f.access.WriteConfig(pcireg.BridgeControl, buf[:])
}

// Restore writes the saved configuration space back in dependency order:
// the header range from 0x10 up to the subsystem ids (BARs), then on a
// bridge its bus numbers, memory windows and bridge control, then link
// control, then the command register last so the
// function cannot be addressed until everything upstream of it is
// already programmed. It deliberately does not restore the AER root
// command register verbatim — that register is left zeroed, matching
// the original source's behavior of letting error reporting
// re-initialize fresh after a sleep-triggered secondary bus reset
// rather than replaying whatever was latched before sleep.
func (f *Function) Restore() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreCount == f.wakeCount {
		return nil
	}
	if f.shadow == nil {
		return fmt.Errorf("pmstate: no saved shadow to restore")
	}

	if err := f.access.WriteConfig(0x10, f.shadow[0x10:pcireg.SubSystemVendorID]); err != nil {
		return fmt.Errorf("pmstate: restore BARs: %w", err)
	}

	if f.isBridge {
		if err := f.access.WriteConfig(pcireg.PrimaryBus, f.shadow[pcireg.PrimaryBus:pcireg.Memory]); err != nil {
			return fmt.Errorf("pmstate: restore bus numbers: %w", err)
		}
		if err := f.access.WriteConfig(pcireg.Memory, f.shadow[pcireg.Memory:pcireg.BridgeControl]); err != nil {
			return fmt.Errorf("pmstate: restore bridge windows: %w", err)
		}
		if err := f.access.WriteConfig(pcireg.BridgeControl, f.shadow[pcireg.BridgeControl:pcireg.BridgeControl+2]); err != nil {
			return fmt.Errorf("pmstate: restore bridge control: %w", err)
		}
	}

	if f.caps != nil {
		if off, ok := f.caps.Offset(pcicap.Express); ok {
			lcOff := off + pcireg.ExpressLinkControl
			if err := f.access.WriteConfig(lcOff, f.shadow[lcOff:lcOff+2]); err != nil {
				return fmt.Errorf("pmstate: restore link control: %w", err)
			}
		}
		if off, ok := f.caps.Offset(pcicap.AER); ok {
			zero := make([]byte, 4)
			if err := f.access.WriteConfig(off+pcireg.AERRootCommand, zero); err != nil {
				return fmt.Errorf("pmstate: zero AER root command: %w", err)
			}
		}
	}

	if err := f.access.WriteConfig(pcireg.Command, f.shadow[pcireg.Command:pcireg.Command+2]); err != nil {
		return fmt.Errorf("pmstate: restore command register: %w", err)
	}
	f.restoreCount = f.wakeCount
	return nil
}

// depth counts how many tunnel hops separate f from a root (no parent).
func (f *Function) depth() int {
	n := 0
	for p := f.TunnelParent; p != nil; p = p.TunnelParent {
		n++
	}
	return n
}

// RestoreAll restores every function in tunnel-dependency order — roots
// first, then their tunnel children — so a child's link never comes up
// before the parent it tunnels through (spec §4.10). Each function's
// error (if any) is collected rather than aborting the rest of the
// batch; scenario S5's tunnel wake ordering depends on every sibling
// still being attempted even if one upstream hop fails.
func RestoreAll(fns []*Function) []error {
	ordered := make([]*Function, len(fns))
	copy(ordered, fns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].depth() < ordered[j].depth()
	})

	errs := make([]error, 0, len(ordered))
	for _, fn := range ordered {
		if err := fn.Restore(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Shadow returns a copy of the last saved configuration space, or nil if
// none has been saved.
func (f *Function) Shadow() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shadow == nil {
		return nil
	}
	return bytes.Clone(f.shadow)
}
