package vmm

import "github.com/achilleasa/memkern/kernel/mem/addr"

// PageTableEntryFlag describes one of the bit-flags that may be set on a
// page-table entry at any level of the hierarchy.
type PageTableEntryFlag uintptr

// nolint
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagHugePage // the PS bit; a leaf at PDPT or PDT level when set
	FlagGlobal
	_ // bits 9-11 are available to software; left unused
	_
	_
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// physAddrMask isolates the 40 physical-address bits (12-51) that every
// page-table entry format shares, whether or not it is a huge-page leaf.
const physAddrMask = uintptr(0x000FFFFFFFFFF000)

// pageTableEntry is a single 64-bit page-table slot.
type pageTableEntry uintptr

// HasFlags reports whether all of the supplied flags are set.
func (pte *pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(*pte)&uintptr(flags) == uintptr(flags)
}

// HasAnyFlag reports whether at least one of the supplied flags is set.
func (pte *pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uintptr(*pte)&uintptr(flags) != 0
}

// SetFlags ORs the supplied flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

// ClearFlags clears the supplied flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// Frame returns the physical address encoded in this entry, ignoring flag
// bits.
func (pte *pageTableEntry) Frame() addr.PhysicalAddress {
	return addr.PhysicalAddress(uintptr(*pte) & physAddrMask)
}

// SetFrame replaces the physical address encoded in this entry, preserving
// any flag bits already set.
func (pte *pageTableEntry) SetFrame(paddr addr.PhysicalAddress) {
	*pte = (*pte &^ pageTableEntry(physAddrMask)) | pageTableEntry(uintptr(paddr)&physAddrMask)
}

// flagsForOwner returns the flag bits every leaf and every intermediate
// table entry belonging to owner must carry.
func flagsForOwner(owner addr.MemoryOwner) PageTableEntryFlag {
	if owner == addr.User {
		return FlagPresent | FlagRW | FlagUser
	}
	return FlagPresent | FlagRW
}
