package dmar

import "encoding/binary"

// Builder assembles a DMAR subtable body, the encode direction of Parse.
// It exists mainly for test fixtures and for a host that synthesizes its
// own DMAR blob (e.g. a hypervisor exposing a virtual IOMMU to a guest)
// rather than forwarding firmware's; it mirrors the subtable
// length-prefixed {kind, length} layout Parse expects.
type Builder struct {
	body []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) appendSubtable(kind uint16, payload []byte) {
	length := subtableHeaderLen + len(payload)
	header := make([]byte, subtableHeaderLen)
	binary.LittleEndian.PutUint16(header[0:], kind)
	binary.LittleEndian.PutUint16(header[2:], uint16(length))
	b.body = append(b.body, header...)
	b.body = append(b.body, payload...)
}

// HardwareUnit appends a remapping-unit subtable.
func (b *Builder) HardwareUnit(hu HardwareUnit) *Builder {
	payload := make([]byte, 12)
	payload[0] = hu.Flags
	binary.LittleEndian.PutUint16(payload[2:4], hu.Segment)
	binary.LittleEndian.PutUint64(payload[4:12], hu.RegisterBase)
	b.appendSubtable(KindHardwareUnit, payload)
	return b
}

// ReservedMemory appends an RMRR-style carve-out subtable. Base and End
// must both be 4KiB aligned or Parse will reject the resulting blob.
func (b *Builder) ReservedMemory(rm ReservedMemory) *Builder {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], rm.Base)
	binary.LittleEndian.PutUint64(payload[8:16], rm.End)
	b.appendSubtable(KindReservedMemory, payload)
	return b
}

// Unknown appends an opaque subtable of the given kind (e.g. ATSR, RHSA)
// carrying payload verbatim, for exercising Parse's passthrough counting.
func (b *Builder) Unknown(kind uint16, payload []byte) *Builder {
	b.appendSubtable(kind, payload)
	return b
}

// Bytes returns the assembled subtable sequence, ready to hand to Parse.
func (b *Builder) Bytes() []byte {
	return b.body
}
