// Package pcicap is the capability-offset table (SPEC_FULL C12): computed
// once per function during enumeration (spec §4.11) and consulted
// thereafter by save/restore (C9) and the bridge/AER engine (C10),
// instead of re-walking the capability linked list on every access.
package pcicap

// ID is a PCI or PCI Express extended capability id.
type ID int

const (
	Power ID = iota
	MSI
	MSIX
	LTR
	ACS
	L1PM
	Express
	AER
	FPB
)

// Table is the per-function offset table, keyed by capability id. A zero
// offset with present=false means the function does not implement that
// capability.
type Table struct {
	offsets map[ID]uint16
}

// New creates an empty capability table.
func New() *Table {
	return &Table{offsets: make(map[ID]uint16)}
}

// Set records the capability's offset, discovered during enumeration.
func (t *Table) Set(id ID, offset uint16) {
	t.offsets[id] = offset
}

// Offset returns the capability's offset and whether it is present.
func (t *Table) Offset(id ID) (uint16, bool) {
	off, ok := t.offsets[id]
	return off, ok
}

// Has reports whether the function implements the capability.
func (t *Table) Has(id ID) bool {
	_, ok := t.offsets[id]
	return ok
}

// DiscoveryOrder is the fixed order enumeration walks capabilities in
// (spec §4.11): Power, MSI (MSI-X preferred when both present), LTR, ACS,
// L1PM, Express, AER, FPB.
var DiscoveryOrder = []ID{Power, MSI, LTR, ACS, L1PM, Express, AER, FPB}
