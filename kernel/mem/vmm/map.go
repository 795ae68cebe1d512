package vmm

import (
	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
)

// FrameAllocatorFn supplies a single free physical 4 KiB frame to back a new
// intermediate page table. It is only ever used for the PML4/PDPT/PDT/PT
// tables themselves, never for the leaf mapping a caller asked for.
type FrameAllocatorFn func() (addr.PhysicalAddress, *kernel.Error)

// Map installs a leaf mapping from laddr to paddr at the granularity given
// by pt, creating any missing intermediate tables via allocFrame and
// applying the flag set appropriate for owner. Mapping an address that is
// already present is an error; use Unmap first.
func Map(laddr addr.LogicalAddress, paddr addr.PhysicalAddress, pt addr.PageType, owner addr.MemoryOwner, allocFrame FrameAllocatorFn) *kernel.Error {
	lvl := leafLevel(pt)

	if err := ensureTable(laddr, lvl, owner, allocFrame); err != nil {
		return err
	}

	leaf := entryAt(lvl, laddr)
	if leaf.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	leaf.SetFrame(paddr)
	flags := flagsForOwner(owner)
	if pt != addr.FourKiB {
		flags |= FlagHugePage
	}
	leaf.SetFlags(flags)

	flushTLBEntry(uintptr(laddr))
	return nil
}

// Unmap clears the leaf mapping at laddr, returning the physical frame it
// pointed at so the caller can release it back to the frame map. It is an
// error to unmap an address with no current mapping.
func Unmap(laddr addr.LogicalAddress, pt addr.PageType) (addr.PhysicalAddress, *kernel.Error) {
	lvl := leafLevel(pt)

	if pageIsFree(laddr, lvl) {
		return 0, ErrNotMapped
	}

	leaf := entryAt(lvl, laddr)
	frame := leaf.Frame()
	*leaf = 0

	flushTLBEntry(uintptr(laddr))
	return frame, nil
}

// Translate resolves laddr to the physical address it currently maps to by
// walking the live page tables, failing if any level along the way is not
// present. Unlike addr.LogicalAddress.ToPhysical, which assumes a fixed
// direct-map offset, Translate reflects whatever mapping is actually
// installed. InsertPages and MapTracingPage bind whichever free frames they
// find to their logical slots, so the allocator and the tracing chain use
// Translate to recover a page's physical address.
func Translate(laddr addr.LogicalAddress) (addr.PhysicalAddress, *kernel.Error) {
	for lvl := pml4Level; lvl > ptLevel; lvl-- {
		e := entryAt(lvl, laddr)
		if !e.HasFlags(FlagPresent) {
			return 0, ErrNotMapped
		}
		if e.HasFlags(FlagHugePage) {
			return addr.PhysicalAddress(uintptr(e.Frame()) + pageOffsetBelow(lvl, laddr)), nil
		}
	}
	leaf := entryAt(ptLevel, laddr)
	if !leaf.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	return addr.PhysicalAddress(uintptr(leaf.Frame()) + uintptr(laddr.PageOffset(addr.FourKiB))), nil
}

// pageOffsetBelow returns the offset of laddr within the huge page mapped by
// an entry found present (with FlagHugePage set) at lvl.
func pageOffsetBelow(lvl tableLevel, laddr addr.LogicalAddress) uintptr {
	if lvl == pdptLevel {
		return uintptr(laddr.PageOffset(addr.OneGiB))
	}
	return uintptr(laddr.PageOffset(addr.TwoMiB))
}

var (
	// ErrAlreadyMapped is returned by Map when the target address already
	// has a present leaf entry.
	ErrAlreadyMapped = &kernel.Error{Kind: kernel.ErrKindInvalidRequest, Module: "vmm", Message: "address already mapped"}

	// ErrNotMapped is returned by Unmap and Translate when the target
	// address has no present leaf entry.
	ErrNotMapped = &kernel.Error{Kind: kernel.ErrKindPageNotPresent, Module: "vmm", Message: "address not mapped"}
)
