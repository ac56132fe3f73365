// Package pcireg holds the bit-exact PCI configuration-space register
// offsets touched by the core (spec §6.3). These must not change.
package pcireg

// Standard header.
const (
	VendorID           = 0x00
	Command            = 0x04
	RevisionID         = 0x08
	SubSystemVendorID  = 0x2c
	CapabilitiesPtr    = 0x34
)

// Type-1 (P2P bridge) header.
const (
	PrimaryBus          = 0x18
	SecondaryBus        = 0x19
	SubordinateBus      = 0x1a
	Memory              = 0x20
	PrefetchRange       = 0x24
	PrefetchUpperBase   = 0x28
	PrefetchUpperLimit  = 0x2c
	BridgeControl       = 0x3e
)

// PCI Express capability, offsets relative to the capability base.
const (
	ExpressDeviceControl = 0x08
	ExpressLinkCap       = 0x0c
	ExpressLinkControl   = 0x10
	ExpressLinkStatus    = 0x12
	ExpressSlotControl   = 0x18
	ExpressSlotStatus    = 0x1a
	ExpressDeviceControl2 = 0x28
	ExpressLinkControl2  = 0x30
	ExpressSlotControl2  = 0x38
)

// L1 PM Substates capability.
const (
	L1PMCaps0  = 0x04
	L1PMCtrl0  = 0x08
	L1PMCtrl1  = 0x0c
)

// Latency Tolerance Reporting capability.
const (
	LTRMax = 0x04
)

// Advanced Error Reporting capability.
const (
	AERUncorrectableStatus = 0x04
	AERUncorrectableMask   = 0x08
	AERSeverity            = 0x0c
	AERCorrectableStatus   = 0x10
	AERCorrectableMask     = 0x14
	AERCapsControl         = 0x18
	AERHeaderLog           = 0x1c // through 0x28
	AERRootCommand         = 0x2c
	AERRootStatus          = 0x30
	AERSourceID            = 0x34
)

// Flattening Portal Bridge capability.
const (
	FPBControl1  = 0x08
	FPBControl2  = 0x0c
	FPBVectorPtr = 0x1c
	FPBVector0   = 0x20
)

// Command register bits (spec §4.10, §4.11).
const (
	CommandIOSpace      = 1 << 0
	CommandMemorySpace  = 1 << 1
	CommandBusMaster    = 1 << 2
	CommandSERREnable   = 1 << 8
)

// BridgeControl bits.
const (
	BridgeControlSERRForward = 1 << 1
	BridgeControlSBR         = 1 << 6 // Secondary Bus Reset
)

// LinkControl bits.
const (
	LinkControlASPM0s       = 1 << 0
	LinkControlASPM1        = 1 << 1
	LinkControlASPMMask     = LinkControlASPM0s | LinkControlASPM1
	LinkControlClkReqEnable = 1 << 8
	LinkControlLinkDisable  = 1 << 4
)

// SlotStatus / SlotControl bits relevant to hot-plug (spec §4.10).
const (
	SlotStatusPresenceChanged = 1 << 3
	SlotStatusPresenceDetect  = 1 << 6
	SlotStatusPowerFault      = 1 << 1
	SlotControlPowerFault     = 1 << 1
)

// AER root command register enable bits (spec §4.11 AER reporting).
const (
	AERRootCmdCorrectableEnable   = 1 << 0
	AERRootCmdNonFatalEnable      = 1 << 1
	AERRootCmdFatalEnable         = 1 << 2
)

// Express link capability register: bits 11:10 carry the device's ASPM
// support (0s, L1, or both).
const ExpressLinkCapASPMShift = 10
