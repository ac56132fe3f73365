// Package bridge is the bridge interrupt and AER delivery engine (spec
// §4.10, C10): it drains a bridge's interrupt status registers, debounces
// slot presence changes before treating them as a real hot-plug event,
// and forwards AER log entries to a host sink at a bounded rate so a
// storming device cannot starve the bottom half.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/pcihost/internal/hostif"
	"github.com/tinyrange/pcihost/internal/pcicap"
	"github.com/tinyrange/pcihost/internal/pcireg"
)

// ConfigAccessor reads and writes the bridge's own configuration space.
type ConfigAccessor interface {
	ReadConfig(offset uint16, data []byte) error
	WriteConfig(offset uint16, data []byte) error
}

// HotPlugSink receives a debounced, stable presence-change notification.
type HotPlugSink interface {
	DevicePresenceChanged(present bool)
}

// AEREvent is one delivered AER log entry.
type AEREvent struct {
	Correctable bool
	Status      uint32
	HeaderLog   [4]uint32
}

// AERSink receives delivered AER events.
type AERSink interface {
	Deliver(AEREvent)
}

const (
	defaultDebounce = 2000 * time.Millisecond
	defaultAERRate  = rate.Limit(50)
	defaultAERBurst = 8
)

// Config wires a Bridge's collaborators.
type Config struct {
	Access ConfigAccessor
	Caps   *pcicap.Table
	Clock  hostif.Clock

	// DebounceMS overrides the default 2000ms hot-plug debounce window.
	DebounceMS uint32

	HotPlug HotPlugSink
	AER     AERSink

	// AERRateLimit/AERBurst override the default 50 events/sec, burst 8
	// token-bucket pacing applied to delivered AER events.
	AERRateLimit rate.Limit
	AERBurst     int
}

// Bridge drains one PCI-to-PCI (or PCIe root/downstream) bridge's
// interrupt sources.
type Bridge struct {
	mu sync.Mutex

	access ConfigAccessor
	caps   *pcicap.Table
	clock  hostif.Clock

	debounce time.Duration
	hotPlug  HotPlugSink
	aer      AERSink
	limiter  *rate.Limiter

	debouncing    bool
	debounceStart hostif.Deadline
	lastPresence  bool
}

// New builds a Bridge from cfg, applying defaults for any zero field.
func New(cfg Config) *Bridge {
	debounce := defaultDebounce
	if cfg.DebounceMS != 0 {
		debounce = time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	limit := cfg.AERRateLimit
	if limit == 0 {
		limit = defaultAERRate
	}
	burst := cfg.AERBurst
	if burst == 0 {
		burst = defaultAERBurst
	}
	return &Bridge{
		access:       cfg.Access,
		caps:         cfg.Caps,
		clock:        cfg.Clock,
		debounce:     debounce,
		hotPlug:      cfg.HotPlug,
		aer:          cfg.AER,
		limiter:      rate.NewLimiter(limit, burst),
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// HandleInterrupt is the bottom half: it acknowledges the slot's
// power-fault and presence-changed status bits and any AER status it
// delivers, starts (or leaves running) a hot-plug debounce window,
// and delivers any pending AER log entries. It never blocks; the
// debounce window is resolved later by Poll.
func (b *Bridge) HandleInterrupt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.caps == nil {
		return nil
	}

	if off, ok := b.caps.Offset(pcicap.Express); ok {
		statusOff := off + pcireg.ExpressSlotStatus
		buf := make([]byte, 2)
		if err := b.access.ReadConfig(statusOff, buf); err != nil {
			return fmt.Errorf("bridge: read slot status: %w", err)
		}
		status := uint16(buf[0]) | uint16(buf[1])<<8
		if status&pcireg.SlotStatusPresenceChanged != 0 && !b.debouncing {
			b.debouncing = true
			b.debounceStart = b.clock.Now()
		}
		if ack := status & (pcireg.SlotStatusPresenceChanged | pcireg.SlotStatusPowerFault); ack != 0 {
			if err := b.access.WriteConfig(statusOff, []byte{byte(ack), byte(ack >> 8)}); err != nil {
				return fmt.Errorf("bridge: clear slot status: %w", err)
			}
		}
	}

	if off, ok := b.caps.Offset(pcicap.AER); ok {
		if err := b.deliverAERLocked(off); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) deliverAERLocked(capOff uint16) error {
	buf := make([]byte, 4)

	if err := b.access.ReadConfig(capOff+pcireg.AERUncorrectableStatus, buf); err != nil {
		return fmt.Errorf("bridge: read AER uncorrectable status: %w", err)
	}
	if status := le32(buf); status != 0 {
		b.deliverOne(capOff, status, false)
		if err := b.access.WriteConfig(capOff+pcireg.AERUncorrectableStatus, buf); err != nil {
			return fmt.Errorf("bridge: clear AER uncorrectable status: %w", err)
		}
	}

	if err := b.access.ReadConfig(capOff+pcireg.AERCorrectableStatus, buf); err != nil {
		return fmt.Errorf("bridge: read AER correctable status: %w", err)
	}
	if status := le32(buf); status != 0 {
		b.deliverOne(capOff, status, true)
		if err := b.access.WriteConfig(capOff+pcireg.AERCorrectableStatus, buf); err != nil {
			return fmt.Errorf("bridge: clear AER correctable status: %w", err)
		}
	}
	return nil
}

func (b *Bridge) deliverOne(capOff uint16, status uint32, correctable bool) {
	if b.aer == nil {
		return
	}
	if !b.limiter.Allow() {
		// Dropped: the sticky status bit already reported the condition
		// upstream; what's lost is only this core's structured record of it.
		return
	}
	var header [4]uint32
	hdr := make([]byte, 16)
	if err := b.access.ReadConfig(capOff+pcireg.AERHeaderLog, hdr); err == nil {
		for i := 0; i < 4; i++ {
			header[i] = le32(hdr[i*4 : i*4+4])
		}
	}
	b.aer.Deliver(AEREvent{Correctable: correctable, Status: status, HeaderLog: header})
}

// Poll checks whether a pending hot-plug debounce window has elapsed;
// once it has, the slot's presence-detect bit is re-read and, if its
// state actually changed, delivered to the hot-plug sink (spec §4.10).
// Call this periodically from a host timer; it is cheap and idempotent
// when no debounce is pending.
func (b *Bridge) Poll() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.debouncing {
		return nil
	}
	if b.clock.Now().Since(b.debounceStart) < b.debounce.Milliseconds() {
		return nil
	}
	b.debouncing = false

	off, ok := b.caps.Offset(pcicap.Express)
	if !ok {
		return nil
	}
	buf := make([]byte, 2)
	if err := b.access.ReadConfig(off+pcireg.ExpressSlotStatus, buf); err != nil {
		return fmt.Errorf("bridge: read slot status after debounce: %w", err)
	}
	present := buf[0]&pcireg.SlotStatusPresenceDetect != 0
	if present != b.lastPresence {
		b.lastPresence = present
		if b.hotPlug != nil {
			b.hotPlug.DevicePresenceChanged(present)
		}
	}
	return nil
}
