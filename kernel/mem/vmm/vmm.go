package vmm

import (
	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/pmm"
)

var (
	// ErrNoContiguousRun is returned when the frame map has no run of n
	// contiguous frames of the requested size left to satisfy a request.
	ErrNoContiguousRun = &kernel.Error{Kind: kernel.ErrKindNoSpaceAvailable, Module: "vmm", Message: "no contiguous run of pages available"}
)

// defaultFrameAllocator supplies 4 KiB frames for intermediate page tables.
// The tables themselves are bookkeeping structures belonging to the kernel
// regardless of which owner's leaf they ultimately serve, so they are always
// taken from the Kernel's share of the frame map.
func defaultFrameAllocator() (addr.PhysicalAddress, *kernel.Error) {
	paddr, ok := pmm.Map.FindAvailable(addr.FourKiB)
	if !ok {
		return 0, ErrNoContiguousRun
	}
	if err := pmm.Map.Acquire(paddr, addr.FourKiB, addr.Kernel); err != nil {
		return 0, err
	}
	return paddr, nil
}

// Init loads the PML4 table built by the boot path as the single active
// address space.
func Init(pml4PhysAddr addr.PhysicalAddress) {
	switchPageMap(uintptr(pml4PhysAddr))
}

// InsertPages finds n contiguous free frames of type pt together with n
// contiguous free logical slots in owner's allocation window, marks the
// frames owned by owner in the frame map, maps each frame at its matching
// slot and returns the resulting pages in ascending order. On any failure,
// pages already mapped during this call are unwound.
func InsertPages(n uint64, pt addr.PageType, owner addr.MemoryOwner) ([]Page, *kernel.Error) {
	paddr, ok := pmm.Map.FindAvailableRange(pt, n)
	if !ok {
		return nil, ErrNoContiguousRun
	}
	laddr, ok := findPagesSlots(pt, n, owner)
	if !ok {
		return nil, ErrNoContiguousRun
	}
	if err := pmm.Map.AcquireRange(paddr, pt, n, owner); err != nil {
		return nil, err
	}

	pages := make([]Page, 0, n)
	step := uintptr(pt.Size())
	for i := uint64(0); i < n; i++ {
		curPhys := addr.PhysicalAddress(uintptr(paddr) + uintptr(i)*step)
		curLog := addr.LogicalAddress(uintptr(laddr) + uintptr(i)*step)
		if err := Map(curLog, curPhys, pt, owner, defaultFrameAllocator); err != nil {
			unwindInsert(pages, paddr, pt, n, owner)
			return nil, err
		}
		pages = append(pages, Page{Logical: curLog, Physical: curPhys, Type: pt, Owner: owner})
	}
	return pages, nil
}

// ForceInsertPages behaves like InsertPages but, when the first scan finds
// no room, reclaims owner's empty intermediate tables via CleanupUnusedPages
// and retries the scan once before giving up.
func ForceInsertPages(n uint64, pt addr.PageType, owner addr.MemoryOwner) ([]Page, *kernel.Error) {
	pages, err := InsertPages(n, pt, owner)
	if err == nil {
		return pages, nil
	}
	if cleanupErr := CleanupUnusedPages(owner); cleanupErr != nil {
		return nil, cleanupErr
	}
	return InsertPages(n, pt, owner)
}

func unwindInsert(mapped []Page, paddr addr.PhysicalAddress, pt addr.PageType, n uint64, owner addr.MemoryOwner) {
	for _, p := range mapped {
		_, _ = Unmap(p.Logical, p.Type)
	}
	_ = pmm.Map.ReleaseRange(paddr, pt, n, owner)
}

// RemovePage unmaps a single page and releases its backing frame.
func RemovePage(p Page) *kernel.Error {
	if _, err := Unmap(p.Logical, p.Type); err != nil {
		return err
	}
	return pmm.Map.Release(p.Physical, p.Type, p.Owner)
}

// RemovePages unmaps and releases every page in pages, returning the first
// error encountered while continuing to process the remainder.
func RemovePages(pages []Page) *kernel.Error {
	var firstErr *kernel.Error
	for _, p := range pages {
		if err := RemovePage(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupUnusedPages reclaims owner's allocation window in reverse -
// PML4 to PDPT to PDT to PT - releasing any leaf page the frame map
// reports as fully unused and any intermediate table left with no present
// entries once its children are gone. A table only vacates its parent
// entry once every one of its own entries has vacated in turn, so the walk
// must finish a subtree before deciding whether to release the table that
// held it. It keeps visiting the rest of the window after a single
// release fails, reporting the first error encountered.
func CleanupUnusedPages(owner addr.MemoryOwner) *kernel.Error {
	var firstErr *kernel.Error
	lo, hi := allocWindow(owner)
	for i4 := int(hi); i4 >= int(lo); i4-- {
		root := indexAddr(uint16(i4), 0, 0, 0)
		if !entryAt(pml4Level, root).HasFlags(FlagPresent) {
			continue
		}
		if cleanupChildren(pml4Level, root, owner, &firstErr) {
			if err := releaseTable(pml4Level, root); err != nil {
				noteErr(&firstErr, err)
			}
		}
	}
	return firstErr
}

// cleanupChildren visits every entry of the table that the entry at
// (parentLvl, parentAddr) points to, recursing into child tables and
// releasing leaf pages or tables that have gone fully unused. It reports
// whether every entry it visited ended up cleared, meaning parentAddr's own
// entry at parentLvl is now safe for the caller to release too.
func cleanupChildren(parentLvl tableLevel, parentAddr addr.LogicalAddress, owner addr.MemoryOwner, firstErr **kernel.Error) bool {
	childLvl := parentLvl - 1
	allClear := true

	for i := uint16(0); i < 512; i++ {
		child := withIndex(childLvl, parentAddr, i)
		e := entryAt(childLvl, child)
		if !e.HasFlags(FlagPresent) {
			continue
		}

		if childLvl == ptLevel || e.HasFlags(FlagHugePage) {
			if !releaseIfUnused(childLvl, child, owner) {
				allClear = false
			}
			continue
		}

		if cleanupChildren(childLvl, child, owner, firstErr) {
			if err := releaseTable(childLvl, child); err != nil {
				noteErr(firstErr, err)
				allClear = false
			}
		} else {
			allClear = false
		}
	}
	return allClear
}

// releaseIfUnused unmaps and releases the leaf entry at (lvl, laddr) if the
// frame map reports it has gone fully unused, reporting whether it was.
func releaseIfUnused(lvl tableLevel, laddr addr.LogicalAddress, owner addr.MemoryOwner) bool {
	pt := pageTypeForLevel(lvl)
	paddr := entryAt(lvl, laddr).Frame()
	if !pmm.Map.HasSpace(paddr, pt, owner) {
		return false
	}
	return RemovePage(Page{Logical: laddr, Physical: paddr, Type: pt, Owner: owner}) == nil
}

// releaseTable clears the entry at (lvl, laddr) and releases the table frame
// it pointed at back to the Kernel's share of the frame map; intermediate
// tables are always bookkeeping structures charged to the Kernel regardless
// of which owner's leaves they serve, matching defaultFrameAllocator.
func releaseTable(lvl tableLevel, laddr addr.LogicalAddress) *kernel.Error {
	e := entryAt(lvl, laddr)
	frame := e.Frame()
	*e = 0
	flushTLBEntry(uintptr(laddr))
	return pmm.Map.Release(frame, addr.FourKiB, addr.Kernel)
}

// noteErr records err as firstErr if no error has been recorded yet.
func noteErr(firstErr **kernel.Error, err *kernel.Error) {
	if *firstErr == nil {
		*firstErr = err
	}
}

// DeletePagingStructure unmaps and releases every page in pages; it is the
// full teardown used when an owner's address space is being discarded
// wholesale rather than shrunk incrementally.
func DeletePagingStructure(pages []Page) *kernel.Error {
	return RemovePages(pages)
}

// RelocateInplaceCheck reports whether growing the page at p by extra bytes
// would still land within a single page of p's own type, meaning no
// additional page needs to be inserted to satisfy the growth.
func RelocateInplaceCheck(p Page, usedBytes, extra uint64) bool {
	return usedBytes+extra <= uint64(p.Type.Size())
}

// SwitchPageMap loads pml4PhysAddr as the active address space.
func SwitchPageMap(pml4PhysAddr addr.PhysicalAddress) {
	switchPageMap(uintptr(pml4PhysAddr))
}

// ActivePageMap returns the physical address of the currently active PML4.
func ActivePageMap() addr.PhysicalAddress {
	return addr.PhysicalAddress(activePageMap())
}
