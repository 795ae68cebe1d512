package syscall

import (
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/alloc"
)

// allocBackend adapts the alloc package's *kernel.Error-returning API to
// the plain error interface Backend expects, so that a *kernel.Error(nil)
// never turns into a non-nil error interface value.
type allocBackend struct{}

// DefaultBackend dispatches syscalls against the real allocator façade.
var DefaultBackend Backend = allocBackend{}

func (allocBackend) TotalMemory() uint64     { return alloc.TotalMemory() }
func (allocBackend) AvailableMemory() uint64 { return alloc.AvailableMemory() }

func (allocBackend) Alloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error) {
	laddr, err := alloc.Alloc(size, owner)
	if err != nil {
		return 0, err
	}
	return laddr, nil
}

func (allocBackend) Zalloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error) {
	laddr, err := alloc.Zalloc(size, owner)
	if err != nil {
		return 0, err
	}
	return laddr, nil
}

func (allocBackend) Realloc(laddr addr.LogicalAddress, newSize uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error) {
	newLaddr, err := alloc.Realloc(laddr, newSize, owner)
	if err != nil {
		return 0, err
	}
	return newLaddr, nil
}

func (allocBackend) Dealloc(laddr addr.LogicalAddress, owner addr.MemoryOwner) error {
	if err := alloc.Dealloc(laddr, owner); err != nil {
		return err
	}
	return nil
}
