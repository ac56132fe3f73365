// Package dmar parses the ACPI DMAR table blob the core consumes to learn
// about hardware remapping units and reserved-memory regions (spec §6.2).
// Fields are little-endian; Builder in this package is the encode
// direction of Parse.
package dmar

import (
	"encoding/binary"
	"fmt"
)

// Subtable kinds (spec §6.2).
const (
	KindHardwareUnit   = 0
	KindReservedMemory = 1
	KindATSR           = 2
	KindRHSA           = 3
)

const subtableHeaderLen = 4 // kind:u16, length:u16

// HardwareUnit describes one remapping-unit subtable (kind 0).
type HardwareUnit struct {
	Flags      uint8
	Segment    uint16
	RegisterBase uint64
}

// ReservedMemory describes one RMRR-style carve-out (kind 1). Base and
// End must both be 4KiB aligned.
type ReservedMemory struct {
	Base uint64
	End  uint64
}

// Table is the parsed result of a DMAR blob.
type Table struct {
	HardwareUnits   []HardwareUnit
	ReservedMemory  []ReservedMemory
	// Unknown counts subtables whose kind Parse does not decode (ATSR,
	// RHSA, or any other kind), for diagnostics.
	Unknown int
}

// Parse decodes a DMAR body: a sequence of subtables each beginning with
// {kind:u16, length:u16}, starting at offset 0. Parse does not read, skip
// or validate an ACPI table header; a blob that still starts with one is
// parsed as if the header were a subtable. A subtable whose declared
// length is less than its own header is rejected.
func Parse(body []byte) (*Table, error) {
	t := &Table{}
	off := 0
	for off < len(body) {
		if off+subtableHeaderLen > len(body) {
			return nil, fmt.Errorf("dmar: truncated subtable header at offset %d", off)
		}
		kind := binary.LittleEndian.Uint16(body[off:])
		length := binary.LittleEndian.Uint16(body[off+2:])
		if length < subtableHeaderLen {
			return nil, fmt.Errorf("dmar: subtable at offset %d declares length %d shorter than its header", off, length)
		}
		if off+int(length) > len(body) {
			return nil, fmt.Errorf("dmar: subtable at offset %d overruns blob (length %d)", off, length)
		}
		payload := body[off+subtableHeaderLen : off+int(length)]

		switch kind {
		case KindHardwareUnit:
			hu, err := parseHardwareUnit(payload)
			if err != nil {
				return nil, fmt.Errorf("dmar: hardware unit at offset %d: %w", off, err)
			}
			t.HardwareUnits = append(t.HardwareUnits, hu)
		case KindReservedMemory:
			rm, err := parseReservedMemory(payload)
			if err != nil {
				return nil, fmt.Errorf("dmar: reserved memory at offset %d: %w", off, err)
			}
			t.ReservedMemory = append(t.ReservedMemory, rm)
		case KindATSR, KindRHSA:
			t.Unknown++
		default:
			t.Unknown++
		}

		off += int(length)
	}
	return t, nil
}

func parseHardwareUnit(p []byte) (HardwareUnit, error) {
	if len(p) < 12 {
		return HardwareUnit{}, fmt.Errorf("payload too short (%d bytes)", len(p))
	}
	return HardwareUnit{
		Flags:        p[0],
		Segment:      binary.LittleEndian.Uint16(p[2:4]),
		RegisterBase: binary.LittleEndian.Uint64(p[4:12]),
	}, nil
}

func parseReservedMemory(p []byte) (ReservedMemory, error) {
	if len(p) < 16 {
		return ReservedMemory{}, fmt.Errorf("payload too short (%d bytes)", len(p))
	}
	base := binary.LittleEndian.Uint64(p[0:8])
	end := binary.LittleEndian.Uint64(p[8:16])
	if base%0x1000 != 0 || end%0x1000 != 0 {
		return ReservedMemory{}, fmt.Errorf("reserved memory [%#x,%#x) is not 4KiB aligned", base, end)
	}
	return ReservedMemory{Base: base, End: end}, nil
}
