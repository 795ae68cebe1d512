package trace

import (
	"testing"
	"unsafe"

	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
)

// newTestChain wires the chain's four vmm seams to in-memory buffers and
// pure address arithmetic so the cascading logic can be exercised without a
// real, hardware-mapped address space. Each buffer stands in for one tracing
// page's backing 2 MiB frame.
func newTestChain(t *testing.T, owner addr.MemoryOwner, maxPages int) *Chain {
	t.Helper()

	bufs := make([][]Metadata, maxPages)
	for i := range bufs {
		bufs[i] = make([]Metadata, MetadataArraySize)
	}

	prevMap, prevWindow, prevUnmap, prevTranslate := mapTracingPageFn, traceWindowAddrFn, unmapTracingPageFn, translateFn
	t.Cleanup(func() {
		mapTracingPageFn, traceWindowAddrFn, unmapTracingPageFn, translateFn = prevMap, prevWindow, prevUnmap, prevTranslate
		_ = bufs // keep the backing buffers alive for the duration of the test
	})

	mapTracingPageFn = func(_ addr.MemoryOwner, idx uint64) (addr.PhysicalAddress, *kernel.Error) {
		if int(idx) >= maxPages {
			return 0, ErrInternalFailure
		}
		return addr.PhysicalAddress(idx + 1), nil
	}
	traceWindowAddrFn = func(_ addr.MemoryOwner, idx uint64) addr.LogicalAddress {
		return addr.LogicalAddress(uintptr(unsafe.Pointer(&bufs[idx][0])))
	}
	unmapTracingPageFn = func(_ addr.MemoryOwner, _ uint64) *kernel.Error {
		return nil
	}
	translateFn = func(laddr addr.LogicalAddress) (addr.PhysicalAddress, *kernel.Error) {
		return laddr.ToPhysical(owner)
	}

	return NewChain(owner)
}

// heapAddr returns a (physical, logical) pair describing byte offset n of a
// region of managed heap memory for owner, using the real, pure address
// translation arithmetic rather than any mocked seam.
func heapAddr(t *testing.T, owner addr.MemoryOwner, base addr.PhysicalAddress, n uint64) (addr.PhysicalAddress, addr.LogicalAddress) {
	t.Helper()
	paddr := base + addr.PhysicalAddress(n)
	laddr, err := paddr.ToLogical(owner)
	if err != nil {
		t.Fatalf("ToLogical: unexpected error: %v", err)
	}
	return paddr, laddr
}

func TestChainInsertAndFindAvailableSpace(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 2)

	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: 8192, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}

	paddr, laddr, ok := c.FindAvailableSpace(4096)
	if !ok {
		t.Fatal("expected to find available space")
	}
	if paddr != base || laddr != logBase {
		t.Fatalf("unexpected address returned: paddr=%v laddr=%v", paddr, laddr)
	}
}

func TestChainTakeAndDropRoundTrip(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 2)

	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: 8192, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}

	paddr, laddr, ok := c.FindAvailableSpace(4096)
	if !ok {
		t.Fatal("expected to find available space")
	}
	if err := c.TakeAvailableSpace(paddr, 4096, laddr); err != nil {
		t.Fatalf("TakeAvailableSpace: unexpected error: %v", err)
	}

	if _, _, ok := c.FindAvailableSpace(8192); ok {
		t.Fatal("expected no 8192-byte run to remain available after a 4096-byte take")
	}

	size, err := c.DropOccupiedSpace(laddr)
	if err != nil {
		t.Fatalf("DropOccupiedSpace: unexpected error: %v", err)
	}
	if size != 4096 {
		t.Fatalf("expected dropped size 4096, got %d", size)
	}

	if _, _, ok := c.FindAvailableSpace(8192); !ok {
		t.Fatal("expected the full 8192-byte run to be available again after drop")
	}
}

func TestChainDropOccupiedSpaceNotFound(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 1)
	_, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)

	if _, err := c.DropOccupiedSpace(logBase); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChainTakeCascadesAcrossPages(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 3)

	// Fill the first page with individually-taken 4 KiB chunks carved off
	// the front of one large Free region. Each take but the last leaves a
	// shrinking trailing Free remainder, so the page's entry count grows
	// by one per call; once it is completely full, one more take has to
	// split that remainder again and the displaced tail record cascades
	// into a second page via pushExcess.
	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	regionSize := uint64(MetadataArraySize+8) * 4096
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: regionSize, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}

	for i := 0; i < MetadataArraySize; i++ {
		paddr, laddr := heapAddr(t, addr.Kernel, 0x400000, uint64(i)*4096)
		if err := c.TakeAvailableSpace(paddr, 4096, laddr); err != nil {
			t.Fatalf("TakeAvailableSpace[%d]: unexpected error: %v", i, err)
		}
	}

	if len(c.pages) != 2 {
		t.Fatalf("expected the cascade to have grown a second tracing page, got %d pages", len(c.pages))
	}
}

func TestChainRemoveSpacePartial(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 2)

	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: 8192, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}
	if err := c.TakeAvailableSpace(base, 8192, logBase); err != nil {
		t.Fatalf("TakeAvailableSpace: unexpected error: %v", err)
	}

	if err := c.RemoveSpace(base, 4096); err != nil {
		t.Fatalf("RemoveSpace: unexpected error: %v", err)
	}

	if _, _, ok := c.FindAvailableSpace(4096); !ok {
		t.Fatal("expected the freed leading half to be available again")
	}
	if _, _, ok := c.FindAvailableSpace(8192); ok {
		t.Fatal("expected the trailing half to still be Taken")
	}
}

func TestChainResizeGrowAndShrink(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 2)

	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: 8192, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}
	if err := c.TakeAvailableSpace(base, 4096, logBase); err != nil {
		t.Fatalf("TakeAvailableSpace: unexpected error: %v", err)
	}

	ok, curSize, err := c.CanRelocateInplace(base, 8192)
	if err != nil {
		t.Fatalf("CanRelocateInplace: unexpected error: %v", err)
	}
	if !ok || curSize != 4096 {
		t.Fatalf("expected growth into the trailing free run to be possible, got ok=%v curSize=%d", ok, curSize)
	}

	if err := c.Resize(base, 8192); err != nil {
		t.Fatalf("Resize: unexpected error: %v", err)
	}
	if _, _, ok := c.FindAvailableSpace(1); ok {
		t.Fatal("expected no free space to remain after growing into the whole region")
	}

	if err := c.Resize(base, 4096); err != nil {
		t.Fatalf("Resize (shrink): unexpected error: %v", err)
	}
	if _, _, ok := c.FindAvailableSpace(4096); !ok {
		t.Fatal("expected shrinking back to free the trailing half again")
	}
}

func TestChainCanRelocateInplaceFalseWhenNoRoom(t *testing.T) {
	c := newTestChain(t, addr.Kernel, 2)

	base, logBase := heapAddr(t, addr.Kernel, 0x400000, 0)
	if err := c.InsertAvailableSpace(Metadata{LowerPhys: base, LowerLog: logBase, Size: 4096, State: StateFree}); err != nil {
		t.Fatalf("InsertAvailableSpace: unexpected error: %v", err)
	}
	if err := c.TakeAvailableSpace(base, 4096, logBase); err != nil {
		t.Fatalf("TakeAvailableSpace: unexpected error: %v", err)
	}

	ok, _, err := c.CanRelocateInplace(base, 8192)
	if err != nil {
		t.Fatalf("CanRelocateInplace: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected CanRelocateInplace to report false with no trailing free space")
	}
}
