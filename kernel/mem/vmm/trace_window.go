package vmm

import (
	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem"
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/pmm"
)

// TracePageCapacity is the number of 2 MiB tracing-page slots available in
// an owner's dedicated tracing PML4 entry: 512 PDPT entries, each indexing a
// PDT of 512 two-megabyte leaves.
const TracePageCapacity = 512 * 512

// TraceWindowAddress returns the logical address of the idx-th 2 MiB slot
// in owner's tracing window.
func TraceWindowAddress(owner addr.MemoryOwner, idx uint64) addr.LogicalAddress {
	return addr.LogicalAddress(uintptr(traceWindowBase(owner)) + uintptr(idx)*uintptr(addr.SizeTwoMiB))
}

// MapTracingPage acquires a fresh 2 MiB frame, always charged to the Kernel
// owner (tracing pages are bookkeeping structures regardless of which
// owner's chain they serve) and maps it at owner's idx-th tracing slot.
func MapTracingPage(owner addr.MemoryOwner, idx uint64) (addr.PhysicalAddress, *kernel.Error) {
	paddr, ok := pmm.Map.FindAvailable(addr.TwoMiB)
	if !ok {
		return 0, ErrNoContiguousRun
	}
	if err := pmm.Map.Acquire(paddr, addr.TwoMiB, addr.Kernel); err != nil {
		return 0, err
	}

	laddr := TraceWindowAddress(owner, idx)
	if err := Map(laddr, paddr, addr.TwoMiB, owner, defaultFrameAllocator); err != nil {
		_ = pmm.Map.Release(paddr, addr.TwoMiB, addr.Kernel)
		return 0, err
	}

	// A tracing page's State==0 tail-detection invariant depends on every
	// byte past the live entries reading as zero; a frame just pulled out
	// of the map carries whatever its previous owner left behind.
	mem.Memset(uintptr(laddr), 0, addr.SizeTwoMiB)
	return paddr, nil
}

// UnmapTracingPage tears down the mapping installed by MapTracingPage and
// releases its backing frame.
func UnmapTracingPage(owner addr.MemoryOwner, idx uint64) *kernel.Error {
	laddr := TraceWindowAddress(owner, idx)
	paddr, err := Unmap(laddr, addr.TwoMiB)
	if err != nil {
		return err
	}
	return pmm.Map.Release(paddr, addr.TwoMiB, addr.Kernel)
}
