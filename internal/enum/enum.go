// Package enum is the enumerator/configurator glue (spec §4.11, C11): it
// discovers a function's capabilities in a fixed order, programs Express
// ASPM and bridge SERR-forwarding, optionally programs AER reporting, and
// publishes a config-shadow before attaching the function to the rest of
// the core.
package enum

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcihost/internal/pcicap"
	"github.com/tinyrange/pcihost/internal/pcireg"
	"github.com/tinyrange/pcihost/internal/pmstate"
	"github.com/tinyrange/pcihost/internal/policy"
)

// ConfigAccessor reads and writes one function's configuration space.
type ConfigAccessor interface {
	ReadConfig(offset uint16, data []byte) error
	WriteConfig(offset uint16, data []byte) error
}

// CapabilityProbe resolves the configuration-space offset (if any) that
// implements a given capability. The host's bus layer already knows how
// to walk the raw capability-ID linked list (and the separate extended
// capability list for AER) for its hardware; this core only needs the
// resolved offsets, so discovery is modeled as a lookup rather than a
// byte-exact linked-list walk.
type CapabilityProbe interface {
	Probe(id pcicap.ID) (offset uint16, present bool)
}

// Nub is one enumerated PCI/PCIe function: the unit Discover/Publish
// operate on and the unit of attach.
type Nub struct {
	Bus, Device, Func uint8
	VendorID, DeviceID uint16

	Caps            *pcicap.Table
	IsBridge        bool
	IsHotPlug       bool
	TunnelBootDefer bool

	PM *pmstate.Function
}

func readVendorDevice(access ConfigAccessor) (vendor, device uint16, err error) {
	buf := make([]byte, 4)
	if err := access.ReadConfig(pcireg.VendorID, buf); err != nil {
		return 0, 0, fmt.Errorf("enum: read vendor/device id: %w", err)
	}
	vendor = uint16(buf[0]) | uint16(buf[1])<<8
	device = uint16(buf[2]) | uint16(buf[3])<<8
	return vendor, device, nil
}

// Discover walks capabilities in the fixed order spec §4.11 requires
// (Power, MSI, LTR, ACS, L1PM, Express, AER, FPB), recording each one's offset
// in the returned nub's capability table. MSI-X is probed separately
// afterward so a caller programming interrupts can prefer it over MSI
// when both are present, matching the "prefer MSI-X when both present"
// rule without reordering the fixed discovery sequence.
func Discover(access ConfigAccessor, probe CapabilityProbe, bus, device, fn uint8, isBridge bool) (*Nub, error) {
	vendor, devID, err := readVendorDevice(access)
	if err != nil {
		return nil, err
	}

	caps := pcicap.New()
	for _, id := range pcicap.DiscoveryOrder {
		if off, ok := probe.Probe(id); ok {
			caps.Set(id, off)
		}
	}
	if off, ok := probe.Probe(pcicap.MSIX); ok {
		caps.Set(pcicap.MSIX, off)
	}

	n := &Nub{
		Bus: bus, Device: device, Func: fn,
		VendorID: vendor, DeviceID: devID,
		Caps:     caps,
		IsBridge: isBridge,
	}

	if isBridge {
		if err := setBridgeControlSERR(access); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func setBridgeControlSERR(access ConfigAccessor) error {
	buf := make([]byte, 2)
	if err := access.ReadConfig(pcireg.BridgeControl, buf); err != nil {
		return fmt.Errorf("enum: read bridge control: %w", err)
	}
	v := uint16(buf[0]) | uint16(buf[1])<<8
	v |= pcireg.BridgeControlSERRForward
	buf[0], buf[1] = byte(v), byte(v>>8)
	if err := access.WriteConfig(pcireg.BridgeControl, buf); err != nil {
		return fmt.Errorf("enum: write bridge control: %w", err)
	}
	return nil
}

// ASPMSources is the three-source priority input for a function's
// initial ASPM state (SPEC_FULL C14): a device-tree property override, a
// previously-saved configuration value, and the link capability
// register's own default, consulted in that priority order.
type ASPMSources struct {
	TreeProperty   *uint8
	SavedConfig    *uint8
	LinkCapDefault uint8
}

func initialASPM(src ASPMSources) uint8 {
	switch {
	case src.TreeProperty != nil:
		return *src.TreeProperty
	case src.SavedConfig != nil:
		return *src.SavedConfig
	default:
		return src.LinkCapDefault
	}
}

// ConfigureExpress programs the Express capability's initial link
// control ASPM bits (spec §4.11): compute ASPM caps from LinkCap, take
// the current value from the three-source priority chain, then resolve
// it against the link partner's capability and any administrative quirk
// before writing LinkControl. A no-op if the function has no Express
// capability.
func ConfigureExpress(access ConfigAccessor, caps *pcicap.Table, src ASPMSources, partnerCap uint8, quirk policy.DeviceQuirk) error {
	off, ok := caps.Offset(pcicap.Express)
	if !ok {
		return nil
	}

	linkCapBuf := make([]byte, 4)
	if err := access.ReadConfig(off+pcireg.ExpressLinkCap, linkCapBuf); err != nil {
		return fmt.Errorf("enum: read link cap: %w", err)
	}
	linkCap := uint32(linkCapBuf[0]) | uint32(linkCapBuf[1])<<8 | uint32(linkCapBuf[2])<<16 | uint32(linkCapBuf[3])<<24
	deviceASPMCap := uint8(linkCap>>pcireg.ExpressLinkCapASPMShift) & pcireg.LinkControlASPMMask

	wanted := initialASPM(src) & deviceASPMCap
	resolved := pmstate.ResolveASPM(wanted, partnerCap, quirk)

	lcBuf := make([]byte, 2)
	if err := access.ReadConfig(off+pcireg.ExpressLinkControl, lcBuf); err != nil {
		return fmt.Errorf("enum: read link control: %w", err)
	}
	lc := uint16(lcBuf[0]) | uint16(lcBuf[1])<<8
	lc &^= uint16(pcireg.LinkControlASPMMask)
	lc |= uint16(resolved)
	lcBuf[0], lcBuf[1] = byte(lc), byte(lc>>8)
	if err := access.WriteConfig(off+pcireg.ExpressLinkControl, lcBuf); err != nil {
		return fmt.Errorf("enum: write link control: %w", err)
	}
	return nil
}

// AERConfig carries the optional device-tree overrides spec §4.11 allows
// for AER severity/mask/command programming.
type AERConfig struct {
	SeverityOverride  *uint32
	MaskOverride      *uint32
	EnableCorrectable bool
	EnableNonFatal    bool
	EnableFatal       bool
}

func writeU32(access ConfigAccessor, offset uint16, v uint32) error {
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	if err := access.WriteConfig(offset, buf); err != nil {
		return fmt.Errorf("enum: write config %#x: %w", offset, err)
	}
	return nil
}

// ConfigureAER optionally programs severity/mask overrides and enables
// correctable/non-fatal/fatal reporting on an AER-capable function (spec
// §4.11). A no-op if the function has no AER capability.
func ConfigureAER(access ConfigAccessor, caps *pcicap.Table, cfg AERConfig) error {
	off, ok := caps.Offset(pcicap.AER)
	if !ok {
		return nil
	}

	if cfg.SeverityOverride != nil {
		if err := writeU32(access, off+pcireg.AERSeverity, *cfg.SeverityOverride); err != nil {
			return err
		}
	}
	if cfg.MaskOverride != nil {
		if err := writeU32(access, off+pcireg.AERUncorrectableMask, *cfg.MaskOverride); err != nil {
			return err
		}
	}

	var cmd uint32
	if cfg.EnableCorrectable {
		cmd |= pcireg.AERRootCmdCorrectableEnable
	}
	if cfg.EnableNonFatal {
		cmd |= pcireg.AERRootCmdNonFatalEnable
	}
	if cfg.EnableFatal {
		cmd |= pcireg.AERRootCmdFatalEnable
	}
	return writeU32(access, off+pcireg.AERRootCommand, cmd)
}

// Attacher publishes a nub into the rest of the core (root-table install,
// device-mapper activation, whatever else the host wires up) once its
// configuration shadow is established.
type Attacher interface {
	Attach(n *Nub) error
}

// AttacherFunc adapts a plain function to Attacher.
type AttacherFunc func(n *Nub) error

// Attach calls f.
func (f AttacherFunc) Attach(n *Nub) error { return f(n) }

// Publish sets up n's configuration shadow (spec §4.9) and, unless a
// tunnel boot-defer gate is still closed (SPEC_FULL C13), attaches it
// immediately. A boot-deferred nub attaches the moment the gate opens,
// in whatever order MarkReady's waiters happen to queue in. quirk
// supplies the sleep/wake policy bits n's shadow engine applies on Save.
func Publish(n *Nub, access ConfigAccessor, attach Attacher, gate *pmstate.BootGate, log *slog.Logger, quirk policy.DeviceQuirk) error {
	n.PM = pmstate.New(access, n.Caps, n.IsBridge, n.IsHotPlug, quirk)
	if _, err := n.PM.Save(); err != nil {
		return fmt.Errorf("enum: save config shadow for %02x:%02x.%x: %w", n.Bus, n.Device, n.Func, err)
	}

	run := func() {
		if err := attach.Attach(n); err != nil && log != nil {
			log.Warn("attach failed", "bus", n.Bus, "device", n.Device, "function", n.Func, "error", err)
		}
	}
	if n.TunnelBootDefer && gate != nil {
		gate.Defer(run)
		return nil
	}
	run()
	return nil
}
