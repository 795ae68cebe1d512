package vmm

import "github.com/achilleasa/memkern/kernel/mem/addr"

// Page describes one mapped leaf entry: its logical and physical addresses,
// its size and the owner it was mapped on behalf of.
type Page struct {
	Logical  addr.LogicalAddress
	Physical addr.PhysicalAddress
	Type     addr.PageType
	Owner    addr.MemoryOwner
}

// End returns the logical address one past the end of this page.
func (p Page) End() addr.LogicalAddress {
	return addr.LogicalAddress(uintptr(p.Logical) + uintptr(p.Type.Size()))
}
