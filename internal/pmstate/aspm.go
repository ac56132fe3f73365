package pmstate

import (
	"sync"

	"github.com/tinyrange/pcihost/internal/pcireg"
	"github.com/tinyrange/pcihost/internal/policy"
)

// ResolveASPM combines the three sources that decide which ASPM link
// states actually get enabled (SPEC_FULL C14): the function's own
// advertised link capability, its link partner's advertised capability
// (a link can only use a state both ends support), and an administrative
// policy override that can force ASPM off regardless of what hardware
// would otherwise allow.
func ResolveASPM(deviceCap, partnerCap uint8, quirk policy.DeviceQuirk) uint8 {
	if quirk.DisableASPM {
		return 0
	}
	return deviceCap & partnerCap & pcireg.LinkControlASPMMask
}

// BootGate defers work until the host signals that boot-time
// enumeration has completed (SPEC_FULL C13): devices discovered while
// the kernel is still bringing up its own subsystems must not have their
// power state or interrupt delivery activated until that signal fires,
// since dependent collaborators (workloop, PM root domain) may not be
// ready yet.
type BootGate struct {
	mu      sync.Mutex
	ready   bool
	waiters []func()
}

// Defer runs fn immediately if the gate has already opened, or queues it
// to run exactly once when MarkReady is called.
func (g *BootGate) Defer(fn func()) {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		fn()
		return
	}
	g.waiters = append(g.waiters, fn)
	g.mu.Unlock()
}

// MarkReady opens the gate and runs every deferred closure in the order
// it was queued. Calling it more than once is a no-op.
func (g *BootGate) MarkReady() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Ready reports whether the gate has opened.
func (g *BootGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}
