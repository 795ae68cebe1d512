// Package vmm builds, walks and tears down the four-level x86_64 page-table
// hierarchy (PML4 -> PDPT -> PDT -> PT) for the Kernel and User halves of a
// single, shared address space.
//
// There is no per-process isolation: the kernel and user owners partition
// one combined PML4 table into disjoint index ranges rather than each
// getting an independently-activated root table, so a single recursive
// self-map is enough to reach every live table.
package vmm

import "github.com/achilleasa/memkern/kernel/mem/addr"

// PML4 index plan. Index 255 is left as a guard slot between the User and
// Kernel halves; index 511 is the standard x86_64 recursive self-map trick
// (the entry points back at the PML4 frame itself).
const (
	recursivePML4 = 511

	userTracePML4    = 0
	userAllocPML4Lo  = 1
	userAllocPML4Hi  = 254
	kernelAllocPML4Lo = 256
	kernelAllocPML4Hi = 509
	kernelTracePML4   = 510
)

// allocWindow returns the inclusive [lo,hi] PML4 index range reserved for
// heap-backing allocations belonging to owner.
func allocWindow(owner addr.MemoryOwner) (lo, hi uint16) {
	if owner == addr.User {
		return userAllocPML4Lo, userAllocPML4Hi
	}
	return kernelAllocPML4Lo, kernelAllocPML4Hi
}

// tracePML4 returns the PML4 index dedicated to owner's tracing tables.
func tracePML4(owner addr.MemoryOwner) uint16 {
	if owner == addr.User {
		return userTracePML4
	}
	return kernelTracePML4
}

// windowBase returns the lowest LogicalAddress that falls within owner's
// allocation window.
func windowBase(owner addr.MemoryOwner) addr.LogicalAddress {
	lo, _ := allocWindow(owner)
	return addr.LogicalAddress(uintptr(lo) << 39)
}

// windowEnd returns the address one past the highest LogicalAddress that
// falls within owner's allocation window.
func windowEnd(owner addr.MemoryOwner) addr.LogicalAddress {
	_, hi := allocWindow(owner)
	return addr.LogicalAddress((uintptr(hi) + 1) << 39)
}

// traceWindowBase returns the base LogicalAddress of owner's dedicated
// tracing PML4 slot.
func traceWindowBase(owner addr.MemoryOwner) addr.LogicalAddress {
	return addr.LogicalAddress(uintptr(tracePML4(owner)) << 39)
}
