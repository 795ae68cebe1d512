// Package trace implements the tracing subsystem: the chain of TracingPages
// that records, for every physical range handed out by the page-table
// manager, whether it is Free or Taken. It answers the questions the
// allocator façade asks before ever touching a page table: is there a
// Free chunk of a given size, mark a chunk Taken, mark it Free again, grow
// or shrink a Taken chunk in place.
package trace

import "github.com/achilleasa/memkern/kernel/mem/addr"

// State identifies the kind of range a Metadata record describes.
type State uint8

// nolint
const (
	// StateNone marks an unused slot past the end of a page's live
	// entries; such slots only ever appear at the tail of a TracingPage.
	StateNone State = iota
	StateFree
	StateTaken
)

// Metadata describes one contiguous physical range and its logical-address
// counterpart under a single owner's direct map.
type Metadata struct {
	LowerPhys addr.PhysicalAddress
	LowerLog  addr.LogicalAddress
	Size      uint64
	State     State
}

// IsNone reports whether this slot is unused.
func (m Metadata) IsNone() bool { return m.State == StateNone }

// IsFree reports whether this slot describes a Free range.
func (m Metadata) IsFree() bool { return m.State == StateFree }

// IsTaken reports whether this slot describes a Taken range.
func (m Metadata) IsTaken() bool { return m.State == StateTaken }

// End returns the physical address one past the end of the range this
// record describes.
func (m Metadata) End() addr.PhysicalAddress {
	return addr.PhysicalAddress(uintptr(m.LowerPhys) + uintptr(m.Size))
}

// Contains reports whether paddr falls within this record's range.
func (m Metadata) Contains(paddr addr.PhysicalAddress) bool {
	return !m.IsNone() && paddr >= m.LowerPhys && paddr < m.End()
}

// none is the zero-valued, unused slot.
var none = Metadata{}
