// Package e820 reads the firmware-provided physical memory map that the
// boot loader leaves at a fixed, pre-agreed address before the kernel's Go
// runtime starts, and folds it into the physical frame map.
package e820

import (
	"unsafe"

	"github.com/achilleasa/memkern/kernel/kfmt/early"
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/pmm"
)

// regionStride is the exact wire size of one record: u64 + u64 + u32. It
// must not be replaced with unsafe.Sizeof(Region{}), which the Go compiler
// pads out to a multiple of 8 bytes.
const regionStride = 20

var (
	// countAddr holds a u32 count of memory region records.
	countAddr uintptr = 0x20000

	// regionsAddr holds the first of count region records.
	regionsAddr uintptr = 0x20008
)

// SetInfoPtr repoints the region list this package reads at a different
// address. Production code never calls this; it exists so tests can supply
// a region list backed by an ordinary Go byte slice.
func SetInfoPtr(countPtr, regionsPtr uintptr) {
	countAddr = countPtr
	regionsAddr = regionsPtr
}

// RegionType classifies a memory region as reported by firmware.
type RegionType uint32

// nolint
const (
	Free RegionType = iota + 1
	Reserved
	AcpiReclaimable
	AcpiReserved
	Bad
)

// String implements fmt.Stringer.
func (t RegionType) String() string {
	switch t {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "acpi-reclaimable"
	case AcpiReserved:
		return "acpi-reserved"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// Region describes one contiguous physical memory range.
type Region struct {
	BasePhysAddr uint64
	Size         uint64
	Type         RegionType
}

// End returns the physical address one past the end of the region.
func (r Region) End() uint64 { return r.BasePhysAddr + r.Size }

// RegionVisitor is invoked once per non-empty region found by VisitRegions.
// Returning false stops the scan early.
type RegionVisitor func(*Region) bool

// VisitRegions walks the firmware-provided region list, skipping any
// zero-length entries, and normalizes out-of-range types to Reserved.
func VisitRegions(visitor RegionVisitor) {
	count := *(*uint32)(unsafe.Pointer(countAddr))
	cur := regionsAddr

	for i := uint32(0); i < count; i++ {
		region := Region{
			BasePhysAddr: *(*uint64)(unsafe.Pointer(cur)),
			Size:         *(*uint64)(unsafe.Pointer(cur + 8)),
			Type:         RegionType(*(*uint32)(unsafe.Pointer(cur + 16))),
		}
		cur += regionStride

		if region.Size == 0 {
			continue
		}
		if region.Type == 0 || region.Type > Bad {
			region.Type = Reserved
		}
		if !visitor(&region) {
			return
		}
	}
}

// MemorySize returns the highest physical address reported by any region,
// i.e. the total span of installed memory.
func MemorySize() uint64 {
	var last uint64
	VisitRegions(func(r *Region) bool {
		if end := r.End(); end > last {
			last = end
		}
		return true
	})
	return last
}

// ParseAndReserve walks the firmware memory map, logs it and marks every
// non-Free region as reserved in m so the allocator never hands its frames
// out.
func ParseAndReserve(m *pmm.FrameMap) {
	early.Printf("[memmap] firmware memory map:\n")
	VisitRegions(func(r *Region) bool {
		early.Printf("\t[0x%10x - 0x%10x] size=%10d type=%s\n", r.BasePhysAddr, r.End(), r.Size, r.Type.String())
		if r.Type != Free {
			m.SetReserved(addr.PhysicalAddress(r.BasePhysAddr), addr.PhysicalAddress(r.End()))
		}
		return true
	})
}
