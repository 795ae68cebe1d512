// Package addr defines the strongly-typed physical and logical address
// representations used throughout the virtual memory core, together with
// the alignment arithmetic and owner-aware translation between the two
// address spaces.
package addr

import (
	"unsafe"

	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem"
)

// MemoryOwner selects which half of the address space, which PML4 index
// ranges and which page-table flag bits apply to an operation.
type MemoryOwner uint8

// nolint
const (
	Kernel MemoryOwner = iota
	User
)

// String implements fmt.Stringer.
func (o MemoryOwner) String() string {
	if o == User {
		return "user"
	}
	return "kernel"
}

// PageType identifies the leaf size of a page-table entry.
type PageType uint8

// nolint
const (
	FourKiB PageType = iota
	TwoMiB
	OneGiB
)

// Byte sizes for each PageType.
const (
	SizeFourKiB = mem.Size(4 * 1024)
	SizeTwoMiB  = mem.Size(2 * 1024 * 1024)
	SizeOneGiB  = mem.Size(1024 * 1024 * 1024)
)

// Size returns the number of bytes spanned by one page of this type.
func (pt PageType) Size() mem.Size {
	switch pt {
	case OneGiB:
		return SizeOneGiB
	case TwoMiB:
		return SizeTwoMiB
	default:
		return SizeFourKiB
	}
}

// String implements fmt.Stringer.
func (pt PageType) String() string {
	switch pt {
	case OneGiB:
		return "1GiB"
	case TwoMiB:
		return "2MiB"
	default:
		return "4KiB"
	}
}

var (
	// ErrNullAddress is returned when a zero address is supplied where a
	// non-zero address is required.
	ErrNullAddress = &kernel.Error{Kind: kernel.ErrKindInvalidAddress, Module: "addr", Message: "address is null"}

	// ErrLogicalToPhysical is returned when a LogicalAddress lies outside
	// the owner's mapped window and therefore has no physical backing.
	ErrLogicalToPhysical = &kernel.Error{Kind: kernel.ErrKindInvalidAddress, Module: "addr", Message: "logical address outside owner window"}

	// ErrPhysicalToLogical is returned when a PhysicalAddress cannot be
	// expressed as a logical address within the owner's window.
	ErrPhysicalToLogical = &kernel.Error{Kind: kernel.ErrKindInvalidAddress, Module: "addr", Message: "physical address outside owner window"}
)

// Direct-map windows. The core maps the whole of physical memory twice: once
// at a high canonical offset for the kernel owner and once, unshifted, for
// the user owner. This is the fixed, compile-time address-space plan
// referenced by the page-table manager (kernel/mem/vmm).
const (
	// KernelWindowBase is added to a PhysicalAddress to obtain the
	// LogicalAddress the kernel owner uses to reach it.
	KernelWindowBase = LogicalAddress(0xFFFF800000000000)

	// KernelWindowLimit bounds how much physical memory the kernel
	// direct-map window can express (32 TiB).
	KernelWindowLimit = PhysicalAddress(0x0000200000000000)

	// UserWindowLimit bounds the low canonical half reserved for the user
	// owner's direct map (the user window has no offset).
	UserWindowLimit = PhysicalAddress(0x0000400000000000)
)

// PhysicalAddress is a 64-bit address into physical memory.
type PhysicalAddress uintptr

// LogicalAddress is a 64-bit address as seen by code running with paging
// enabled, post-translation by the CPU.
type LogicalAddress uintptr

// IsNull reports whether this is the null address.
func (a PhysicalAddress) IsNull() bool { return a == 0 }

// IsNull reports whether this is the null address.
func (a LogicalAddress) IsNull() bool { return a == 0 }

// Get returns the raw numeric value of the address.
func (a PhysicalAddress) Get() uintptr { return uintptr(a) }

// Get returns the raw numeric value of the address.
func (a LogicalAddress) Get() uintptr { return uintptr(a) }

// Ptr returns an unsafe.Pointer for the logical address. Callers are
// responsible for ensuring the address is actually mapped before
// dereferencing it.
func (a LogicalAddress) Ptr() unsafe.Pointer { return unsafe.Pointer(uintptr(a)) }

// GetAt reads a value of type T directly out of the memory at a. Callers are
// responsible for ensuring a is mapped and holds a live T.
func GetAt[T any](a LogicalAddress) T {
	return *(*T)(a.Ptr())
}

// PutAt writes v directly into the memory at a. Callers are responsible for
// ensuring a is mapped read-write and large enough to hold a T.
func PutAt[T any](a LogicalAddress, v T) {
	*(*T)(a.Ptr()) = v
}

// IsAligned reports whether the address is a multiple of bound, which must
// be a power of two.
func (a PhysicalAddress) IsAligned(bound mem.Size) bool {
	return uintptr(a)&(uintptr(bound)-1) == 0
}

// IsAligned reports whether the address is a multiple of bound, which must
// be a power of two.
func (a LogicalAddress) IsAligned(bound mem.Size) bool {
	return uintptr(a)&(uintptr(bound)-1) == 0
}

// AlignToLower rounds the address down to the nearest multiple of bound.
func (a PhysicalAddress) AlignToLower(bound mem.Size) PhysicalAddress {
	return PhysicalAddress(uintptr(a) &^ (uintptr(bound) - 1))
}

// AlignToLower rounds the address down to the nearest multiple of bound.
func (a LogicalAddress) AlignToLower(bound mem.Size) LogicalAddress {
	return LogicalAddress(uintptr(a) &^ (uintptr(bound) - 1))
}

// AlignToUpper rounds the address up to the nearest multiple of bound,
// leaving it untouched if it is already aligned.
func (a PhysicalAddress) AlignToUpper(bound mem.Size) PhysicalAddress {
	return PhysicalAddress((uintptr(a) + uintptr(bound) - 1) &^ (uintptr(bound) - 1))
}

// AlignToUpper rounds the address up to the nearest multiple of bound,
// leaving it untouched if it is already aligned.
func (a LogicalAddress) AlignToUpper(bound mem.Size) LogicalAddress {
	return LogicalAddress((uintptr(a) + uintptr(bound) - 1) &^ (uintptr(bound) - 1))
}

// ForceAlignToUpper rounds the address up to the next multiple of bound,
// always advancing even if the address is already aligned.
func (a PhysicalAddress) ForceAlignToUpper(bound mem.Size) PhysicalAddress {
	next := a.AlignToUpper(bound)
	if next == a {
		next += PhysicalAddress(bound)
	}
	return next
}

// ForceAlignToUpper rounds the address up to the next multiple of bound,
// always advancing even if the address is already aligned.
func (a LogicalAddress) ForceAlignToUpper(bound mem.Size) LogicalAddress {
	next := a.AlignToUpper(bound)
	if next == a {
		next += LogicalAddress(bound)
	}
	return next
}

// ToLogical translates a PhysicalAddress into the LogicalAddress an owner
// uses to reach it, failing if the address falls outside that owner's
// direct-map window.
func (a PhysicalAddress) ToLogical(owner MemoryOwner) (LogicalAddress, *kernel.Error) {
	if a.IsNull() {
		return 0, ErrNullAddress
	}
	switch owner {
	case Kernel:
		if a >= KernelWindowLimit {
			return 0, ErrPhysicalToLogical
		}
		return KernelWindowBase + LogicalAddress(a), nil
	default:
		if a >= UserWindowLimit {
			return 0, ErrPhysicalToLogical
		}
		return LogicalAddress(a), nil
	}
}

// ToPhysical translates a LogicalAddress back to the PhysicalAddress it maps
// to for the given owner, failing if the address falls outside that owner's
// direct-map window.
func (a LogicalAddress) ToPhysical(owner MemoryOwner) (PhysicalAddress, *kernel.Error) {
	if a.IsNull() {
		return 0, ErrNullAddress
	}
	switch owner {
	case Kernel:
		if a < KernelWindowBase || a-KernelWindowBase >= LogicalAddress(KernelWindowLimit) {
			return 0, ErrLogicalToPhysical
		}
		return PhysicalAddress(a - KernelWindowBase), nil
	default:
		if a >= LogicalAddress(UserWindowLimit) {
			return 0, ErrLogicalToPhysical
		}
		return PhysicalAddress(a), nil
	}
}

// PML4Index returns the bits of the address that select a PML4 entry.
func (a LogicalAddress) PML4Index() uint16 { return uint16((uintptr(a) >> 39) & 0x1FF) }

// PDPTIndex returns the bits of the address that select a PDPT entry.
func (a LogicalAddress) PDPTIndex() uint16 { return uint16((uintptr(a) >> 30) & 0x1FF) }

// PDTIndex returns the bits of the address that select a PDT entry.
func (a LogicalAddress) PDTIndex() uint16 { return uint16((uintptr(a) >> 21) & 0x1FF) }

// PTIndex returns the bits of the address that select a PT entry.
func (a LogicalAddress) PTIndex() uint16 { return uint16((uintptr(a) >> 12) & 0x1FF) }

// PageOffset returns the offset of the address within a leaf page of the
// given type.
func (a LogicalAddress) PageOffset(pt PageType) uint64 {
	return uint64(a) & (uint64(pt.Size()) - 1)
}
