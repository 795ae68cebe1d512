package vmm

import "github.com/achilleasa/memkern/kernel/cpu"

// flushTLBEntry invalidates any cached translation for laddr so that a
// subsequent access observes the page table's current contents.
func flushTLBEntry(virtAddr uintptr) {
	cpu.FlushTLBEntry(virtAddr)
}

// switchPageMap loads pml4PhysAddr into CR3, activating it as the single
// combined address space and flushing every cached translation.
func switchPageMap(pml4PhysAddr uintptr) {
	cpu.SwitchPDT(pml4PhysAddr)
}

// activePageMap returns the physical address of the PML4 table currently
// loaded into CR3.
func activePageMap() uintptr {
	return cpu.ActivePDT()
}
