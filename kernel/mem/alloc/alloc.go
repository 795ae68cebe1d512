// Package alloc implements the kernel heap allocator façade: alloc, zalloc,
// realloc and dealloc, built on top of the physical frame map, the
// page-table manager and the per-owner tracing chain. Every entry point
// here is serialized by a single process-wide spinlock, matching the rest
// of the memory subsystem's "no concurrent access to shared structures"
// design.
package alloc

import (
	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem"
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/pmm"
	"github.com/achilleasa/memkern/kernel/mem/trace"
	"github.com/achilleasa/memkern/kernel/mem/vmm"
	"github.com/achilleasa/memkern/kernel/sync"
)

const (
	size512KiB = uint64(512 * 1024)
	size256MiB = uint64(256 * 1024 * 1024)
)

var (
	// guard serializes every entry point in this package. It is the
	// kernel's single memory_guard: one lock shared by both owners'
	// allocation paths, not one per owner.
	guard sync.Guard

	kernelChain = trace.NewChain(addr.Kernel)
	userChain   = trace.NewChain(addr.User)
)

func chainFor(owner addr.MemoryOwner) *trace.Chain {
	if owner == addr.User {
		return userChain
	}
	return kernelChain
}

// SuitablePages returns the page granularity and the number of pages of
// that granularity needed to back an allocation of size bytes.
func SuitablePages(size uint64) (addr.PageType, uint64) {
	var pt addr.PageType
	switch {
	case size < size512KiB:
		pt = addr.FourKiB
	case size < size256MiB:
		pt = addr.TwoMiB
	default:
		pt = addr.OneGiB
	}

	pageSize := uint64(pt.Size())
	n := size / pageSize
	if size%pageSize != 0 {
		n++
	}
	return pt, n
}

// Alloc reserves size bytes on behalf of owner and returns the logical
// address at which they can be accessed.
func Alloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, *kernel.Error) {
	guard.Lock()
	defer guard.Unlock()
	return allocLocked(size, owner)
}

// Zalloc behaves like Alloc but zeroes the returned region before handing
// it back.
func Zalloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, *kernel.Error) {
	guard.Lock()
	defer guard.Unlock()

	laddr, err := allocLocked(size, owner)
	if err != nil {
		return 0, err
	}
	mem.Memset(uintptr(laddr), 0, mem.Size(size))
	return laddr, nil
}

// Dealloc releases the allocation at laddr, which must be an address
// previously returned by Alloc/Zalloc/Realloc for the same owner.
func Dealloc(laddr addr.LogicalAddress, owner addr.MemoryOwner) *kernel.Error {
	guard.Lock()
	defer guard.Unlock()
	return deallocLocked(laddr, owner)
}

// Realloc resizes the allocation at laddr to newSize, growing or shrinking
// it in place when the tracing chain reports enough contiguous room;
// otherwise it allocates fresh space, copies the overlapping prefix and
// frees the original.
func Realloc(laddr addr.LogicalAddress, newSize uint64, owner addr.MemoryOwner) (addr.LogicalAddress, *kernel.Error) {
	guard.Lock()
	defer guard.Unlock()

	paddr, aerr := vmm.Translate(laddr)
	if aerr != nil {
		return 0, aerr
	}

	chain := chainFor(owner)
	inplace, curSize, err := chain.CanRelocateInplace(paddr, newSize)
	if err != nil {
		return 0, err
	}

	if inplace {
		if newSize == curSize {
			return laddr, nil
		}
		if err := relocateInplace(chain, paddr, curSize, newSize, owner); err != nil {
			return 0, err
		}
		return laddr, nil
	}

	newLaddr, err := allocLocked(newSize, owner)
	if err != nil {
		return 0, err
	}

	copySize := curSize
	if newSize < copySize {
		copySize = newSize
	}
	mem.Memcpy(uintptr(newLaddr), uintptr(laddr), mem.Size(copySize))

	if err := deallocLocked(laddr, owner); err != nil {
		return 0, err
	}
	return newLaddr, nil
}

// allocLocked is Alloc's body, callable without re-acquiring guard so that
// Realloc's fallback path can use it from within its own critical section.
func allocLocked(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, *kernel.Error) {
	chain := chainFor(owner)

	if paddr, laddr, ok := chain.FindAvailableSpace(size); ok {
		if err := takeSpace(chain, paddr, size, laddr, owner); err != nil {
			return 0, err
		}
		return laddr, nil
	}

	pt, n := SuitablePages(size)
	pages, err := vmm.ForceInsertPages(n, pt, owner)
	if err != nil {
		return 0, err
	}

	base := pages[0]
	regionSize := uint64(pt.Size()) * n
	if err := chain.InsertAvailableSpace(trace.Metadata{
		LowerPhys: base.Physical,
		LowerLog:  base.Logical,
		Size:      regionSize,
		State:     trace.StateFree,
	}); err != nil {
		_ = vmm.RemovePages(pages)
		return 0, err
	}

	if err := takeSpace(chain, base.Physical, size, base.Logical, owner); err != nil {
		return 0, err
	}
	return base.Logical, nil
}

// deallocLocked is Dealloc's body, callable without re-acquiring guard.
func deallocLocked(laddr addr.LogicalAddress, owner addr.MemoryOwner) *kernel.Error {
	chain := chainFor(owner)

	size, err := chain.DropOccupiedSpace(laddr)
	if err != nil {
		return err
	}

	paddr, aerr := vmm.Translate(laddr)
	if aerr != nil {
		return aerr
	}
	return pmm.Map.DropSpaceUnconstrained(paddr, mem.Size(size), owner)
}

// takeSpace marks size bytes at paddr Taken in both the frame map and the
// tracing chain, reverting the frame-map change if the tracing update
// fails so the two structures never drift out of sync.
func takeSpace(chain *trace.Chain, paddr addr.PhysicalAddress, size uint64, laddr addr.LogicalAddress, owner addr.MemoryOwner) *kernel.Error {
	if err := pmm.Map.TakeSpaceUnconstrained(paddr, mem.Size(size), owner); err != nil {
		return err
	}
	if err := chain.TakeAvailableSpace(paddr, size, laddr); err != nil {
		_ = pmm.Map.DropSpaceUnconstrained(paddr, mem.Size(size), owner)
		return err
	}
	return nil
}

// relocateInplace grows or shrinks the Taken record at paddr to newSize,
// keeping the frame map's byte accounting in lockstep: only the delta
// between curSize and newSize is taken or dropped, since the overlapping
// prefix is already accounted for.
func relocateInplace(chain *trace.Chain, paddr addr.PhysicalAddress, curSize, newSize uint64, owner addr.MemoryOwner) *kernel.Error {
	if newSize > curSize {
		delta := newSize - curSize
		growthBase := paddr + addr.PhysicalAddress(curSize)
		if err := pmm.Map.TakeSpaceUnconstrained(growthBase, mem.Size(delta), owner); err != nil {
			return err
		}
		if err := chain.Resize(paddr, newSize); err != nil {
			_ = pmm.Map.DropSpaceUnconstrained(growthBase, mem.Size(delta), owner)
			return err
		}
		return nil
	}

	delta := curSize - newSize
	shrinkBase := paddr + addr.PhysicalAddress(newSize)
	if err := chain.Resize(paddr, newSize); err != nil {
		return err
	}
	return pmm.Map.DropSpaceUnconstrained(shrinkBase, mem.Size(delta), owner)
}

// TotalMemory returns the total number of bytes tracked by the physical
// frame map, regardless of owner or reservation state.
func TotalMemory() uint64 {
	return uint64(pmm.Map.TotalBytes())
}

// AvailableMemory returns the number of bytes not currently reserved or
// acquired by either owner.
func AvailableMemory() uint64 {
	return uint64(pmm.Map.FreeBytes())
}
