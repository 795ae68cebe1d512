package vmm

import (
	"unsafe"

	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
)

// tableLevel identifies one level of the four-level hierarchy. The numeric
// value doubles as "how many levels remain above a leaf at this level",
// which is what the recursive self-map address formula needs.
type tableLevel uint8

const (
	ptLevel   tableLevel = 1
	pdtLevel  tableLevel = 2
	pdptLevel tableLevel = 3
	pml4Level tableLevel = 4
)

// leafLevel returns the table level at which a page of the given type is a
// leaf entry: 1 GiB pages terminate at the PDPT, 2 MiB pages at the PDT and
// 4 KiB pages at the PT.
func leafLevel(pt addr.PageType) tableLevel {
	switch pt {
	case addr.OneGiB:
		return pdptLevel
	case addr.TwoMiB:
		return pdtLevel
	default:
		return ptLevel
	}
}

// canonicalHigh sign-extends a recursive-self-map address into canonical
// form. Since the recursive index (511) always sets bit 47, every address
// the walker computes belongs to the upper canonical half.
const canonicalHigh = uintptr(0xFFFF000000000000)

// entryAddr returns the virtual address of the page-table entry that
// describes laddr at the given level, reached via the recursive self-map.
// Asking for pml4Level returns the address of laddr's own PML4 slot; asking
// for a lower level returns the address of the entry one step closer to the
// leaf (e.g. pdptLevel returns the PDPT entry that a PML4 entry points at).
func entryAddr(level tableLevel, laddr addr.LogicalAddress) uintptr {
	const r = uintptr(recursivePML4)

	i4 := uintptr(laddr.PML4Index())
	i3 := uintptr(laddr.PDPTIndex())
	i2 := uintptr(laddr.PDTIndex())
	i1 := uintptr(laddr.PTIndex())

	var raw uintptr
	switch level {
	case pml4Level:
		raw = r<<39 | r<<30 | r<<21 | r<<12 | i4*8
	case pdptLevel:
		raw = r<<39 | r<<30 | r<<21 | i4<<12 | i3*8
	case pdtLevel:
		raw = r<<39 | r<<30 | i4<<21 | i3<<12 | i2*8
	case ptLevel:
		raw = r<<39 | i4<<30 | i3<<21 | i2<<12 | i1*8
	}
	return raw | canonicalHigh
}

// entryAt dereferences the page-table entry living at the recursive-self-map
// address for laddr at the given level. The caller is responsible for
// ensuring every level above it is present; dereferencing through an absent
// ancestor entry is a page fault on real hardware.
func entryAt(level tableLevel, laddr addr.LogicalAddress) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(entryAddr(level, laddr)))
}

// pageIsFree reports whether laddr has no mapping at all down to leafLvl,
// walking top-down and treating an absent intermediate table as making the
// entire subtree beneath it free. It must stop at the first absent entry: a
// deeper recursive address is only safe to dereference once every ancestor
// between the PML4 and that level is actually present.
func pageIsFree(laddr addr.LogicalAddress, leafLvl tableLevel) bool {
	for lvl := pml4Level; lvl > leafLvl; lvl-- {
		e := entryAt(lvl, laddr)
		if !e.HasFlags(FlagPresent) {
			return true
		}
	}
	return !entryAt(leafLvl, laddr).HasFlags(FlagPresent)
}

// ensureTable walks top-down from the PML4 to the table immediately above
// leafLvl, allocating and mapping any intermediate table that is not yet
// present via allocFrame. It returns the first error allocFrame reports, if
// any.
func ensureTable(laddr addr.LogicalAddress, leafLvl tableLevel, owner addr.MemoryOwner, allocFrame func() (addr.PhysicalAddress, *kernel.Error)) *kernel.Error {
	for lvl := pml4Level; lvl > leafLvl; lvl-- {
		e := entryAt(lvl, laddr)
		if e.HasFlags(FlagPresent) {
			continue
		}
		frame, err := allocFrame()
		if err != nil {
			return err
		}
		e.SetFrame(frame)
		e.SetFlags(flagsForOwner(owner))

		// The table we just pointed an ancestor entry at is itself reached
		// through the recursive self-map; it must be zeroed through that
		// same mapping before any of its entries are trusted.
		zeroTable(lvl-1, laddr)
	}
	return nil
}

// zeroTable clears every entry of the level-lvl table that contains laddr's
// entry at that level, reached via the recursive self-map.
func zeroTable(lvl tableLevel, laddr addr.LogicalAddress) {
	base := entryAddr(lvl, laddr) &^ 0xFFF
	table := (*[512]pageTableEntry)(unsafe.Pointer(base))
	for i := range table {
		table[i] = 0
	}
}
