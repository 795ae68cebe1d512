package pmm

import (
	"reflect"
	"unsafe"

	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem"
	"github.com/achilleasa/memkern/kernel/mem/addr"
)

// frameState describes the occupancy of a single 4 KiB physical frame, the
// finest granularity tracked by FrameMap. 2 MiB and 1 GiB operations are
// expressed in terms of runs of 4 KiB frames sharing the same state.
type frameState uint8

const (
	stateFree frameState = iota
	stateReserved
	stateOwnedKernel
	stateOwnedUser
)

func ownerState(owner addr.MemoryOwner) frameState {
	if owner == addr.User {
		return stateOwnedUser
	}
	return stateOwnedKernel
}

var (
	// ErrNotAvailable is returned when the requested frame(s) are not free.
	ErrNotAvailable = &kernel.Error{Kind: kernel.ErrKindNoSpaceAvailable, Module: "pmm", Message: "no space available"}

	// ErrReserved is returned when an operation targets a frame that the
	// firmware memory map marked as reserved.
	ErrReserved = &kernel.Error{Kind: kernel.ErrKindInvalidRequest, Module: "pmm", Message: "frame is reserved"}

	// ErrOwnerMismatch is returned when releasing a frame under an owner
	// that does not currently hold it.
	ErrOwnerMismatch = &kernel.Error{Kind: kernel.ErrKindInvalidRequest, Module: "pmm", Message: "frame owned by a different owner"}

	// ErrOutOfRange is returned when an address falls outside the frame
	// map's tracked physical range.
	ErrOutOfRange = &kernel.Error{Kind: kernel.ErrKindInvalidRequest, Module: "pmm", Message: "address out of range"}

	// errTakenBytesUnderflow signals that a caller tried to drop more
	// bytes than were ever taken from a frame; this indicates a bookkeeping
	// invariant was violated elsewhere.
	errTakenBytesUnderflow = &kernel.Error{Kind: kernel.ErrKindInternalFailure, Module: "pmm", Message: "taken-byte accounting underflow"}
)

// FrameMap is a flat, byte-granularity registry of physical frame occupancy
// across all three page sizes the page-table manager can install as leaves.
// A frame marked occupied at a coarse granularity implies occupancy of every
// 4 KiB frame it contains; FrameMap enforces this by only ever operating on
// whole runs of the finest-granularity state slice.
type FrameMap struct {
	state    []frameState
	stateHdr reflect.SliceHeader

	// takenBytes counts, per 4 KiB frame, how many bytes of that frame are
	// currently accounted for by an allocation. It backs HasSpace and is
	// updated by the *Unconstrained operations, independent of whether the
	// frame itself was acquired as part of a 4 KiB, 2 MiB or 1 GiB page.
	takenBytes    []uint32
	takenBytesHdr reflect.SliceHeader

	frameCount uint64
	freeCount  uint64
}

// Map is the process-wide physical frame map singleton.
var Map FrameMap

func frameIndex(paddr addr.PhysicalAddress) uint64 {
	return uint64(paddr) >> mem.PageShift
}

func frameSpan(pt addr.PageType) uint64 {
	return uint64(pt.Size()) >> mem.PageShift
}

// storageBytes returns the number of bytes required to back a FrameMap
// tracking frameCount frames.
func storageBytes(frameCount uint64) mem.Size {
	perFrame := mem.Size(unsafe.Sizeof(frameState(0)) + unsafe.Sizeof(uint32(0)))
	return (mem.Size(frameCount)*perFrame + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// Init reserves backing storage for frameCount frames at storageAddr (which
// must already be mapped read-write for at least storageBytes(frameCount)
// bytes) and resets every frame to Free.
func (m *FrameMap) Init(frameCount uint64, storageAddr uintptr) {
	m.frameCount = frameCount
	m.freeCount = frameCount

	m.stateHdr = reflect.SliceHeader{Data: storageAddr, Len: int(frameCount), Cap: int(frameCount)}
	m.state = *(*[]frameState)(unsafe.Pointer(&m.stateHdr))

	takenAddr := storageAddr + uintptr(frameCount)*unsafe.Sizeof(frameState(0))
	m.takenBytesHdr = reflect.SliceHeader{Data: takenAddr, Len: int(frameCount), Cap: int(frameCount)}
	m.takenBytes = *(*[]uint32)(unsafe.Pointer(&m.takenBytesHdr))

	for i := range m.state {
		m.state[i] = stateFree
	}
	for i := range m.takenBytes {
		m.takenBytes[i] = 0
	}
}

// SetReserved marks every 4 KiB frame overlapping [paddrBegin, paddrEnd) as
// reserved, rounding the range outward to the nearest 4 KiB boundaries. It
// is used at init time to apply the firmware E820 memory map.
func (m *FrameMap) SetReserved(paddrBegin, paddrEnd addr.PhysicalAddress) {
	lo := paddrBegin.AlignToLower(mem.PageSize)
	hi := paddrEnd.AlignToUpper(mem.PageSize)

	start := frameIndex(lo)
	end := frameIndex(hi)
	if end > m.frameCount {
		end = m.frameCount
	}
	for i := start; i < end; i++ {
		if m.state[i] == stateFree {
			m.freeCount--
		}
		m.state[i] = stateReserved
	}
}

func (m *FrameMap) runIsFree(start, span uint64) bool {
	if start+span > m.frameCount {
		return false
	}
	for i := start; i < start+span; i++ {
		if m.state[i] != stateFree {
			return false
		}
	}
	return true
}

// FindAvailable returns the lowest free frame of the requested size.
func (m *FrameMap) FindAvailable(pt addr.PageType) (addr.PhysicalAddress, bool) {
	return m.FindAvailableRange(pt, 1)
}

// FindAvailableRange returns the lowest contiguous run of n frames of the
// requested size.
func (m *FrameMap) FindAvailableRange(pt addr.PageType, n uint64) (addr.PhysicalAddress, bool) {
	span := frameSpan(pt) * n
	if span == 0 || span > m.frameCount {
		return 0, false
	}
	for start := uint64(0); start+span <= m.frameCount; start += frameSpan(pt) {
		if m.runIsFree(start, span) {
			return addr.PhysicalAddress(start << mem.PageShift), true
		}
	}
	return 0, false
}

func (m *FrameMap) markRun(start, span uint64, s frameState) {
	for i := start; i < start+span; i++ {
		if m.state[i] == stateFree {
			m.freeCount--
		} else if s == stateFree {
			m.freeCount++
		}
		m.state[i] = s
	}
}

// Acquire marks one frame of the given size as owned by owner.
func (m *FrameMap) Acquire(paddr addr.PhysicalAddress, pt addr.PageType, owner addr.MemoryOwner) *kernel.Error {
	return m.AcquireRange(paddr, pt, 1, owner)
}

// AcquireRange marks n contiguous frames of the given size, starting at
// paddr, as owned by owner.
func (m *FrameMap) AcquireRange(paddr addr.PhysicalAddress, pt addr.PageType, n uint64, owner addr.MemoryOwner) *kernel.Error {
	start := frameIndex(paddr)
	span := frameSpan(pt) * n
	if start+span > m.frameCount {
		return ErrOutOfRange
	}
	if !m.runIsFree(start, span) {
		for i := start; i < start+span; i++ {
			if m.state[i] == stateReserved {
				return ErrReserved
			}
		}
		return ErrNotAvailable
	}
	m.markRun(start, span, ownerState(owner))
	return nil
}

// Release marks one frame of the given size as free again.
func (m *FrameMap) Release(paddr addr.PhysicalAddress, pt addr.PageType, owner addr.MemoryOwner) *kernel.Error {
	return m.ReleaseRange(paddr, pt, 1, owner)
}

// ReleaseRange marks n contiguous frames of the given size, starting at
// paddr, as free again. It fails with ErrOwnerMismatch unless every frame in
// the range is currently owned by owner.
func (m *FrameMap) ReleaseRange(paddr addr.PhysicalAddress, pt addr.PageType, n uint64, owner addr.MemoryOwner) *kernel.Error {
	start := frameIndex(paddr)
	span := frameSpan(pt) * n
	if start+span > m.frameCount {
		return ErrOutOfRange
	}
	want := ownerState(owner)
	for i := start; i < start+span; i++ {
		if m.state[i] != want {
			return ErrOwnerMismatch
		}
	}
	m.markRun(start, span, stateFree)
	return nil
}

// TakeSpaceUnconstrained marks size bytes starting at paddr as held by an
// allocation. Unlike Acquire/Release, the range need not be frame-aligned or
// frame-sized; it may span multiple already-owned frames.
func (m *FrameMap) TakeSpaceUnconstrained(paddr addr.PhysicalAddress, size mem.Size, owner addr.MemoryOwner) *kernel.Error {
	return m.adjustUnconstrained(paddr, size, owner, true)
}

// DropSpaceUnconstrained reverses a prior TakeSpaceUnconstrained call.
func (m *FrameMap) DropSpaceUnconstrained(paddr addr.PhysicalAddress, size mem.Size, owner addr.MemoryOwner) *kernel.Error {
	return m.adjustUnconstrained(paddr, size, owner, false)
}

func (m *FrameMap) adjustUnconstrained(paddr addr.PhysicalAddress, size mem.Size, owner addr.MemoryOwner, take bool) *kernel.Error {
	if size == 0 {
		return nil
	}

	want := ownerState(owner)
	first := frameIndex(paddr)
	last := frameIndex(addr.PhysicalAddress(uint64(paddr) + uint64(size) - 1))
	if last >= m.frameCount {
		return ErrOutOfRange
	}

	remaining := uint64(size)
	cur := uint64(paddr)
	for i := first; i <= last; i++ {
		if m.state[i] != want {
			return ErrOwnerMismatch
		}
		frameEnd := (i + 1) << mem.PageShift
		chunk := frameEnd - cur
		if chunk > remaining {
			chunk = remaining
		}
		if take {
			m.takenBytes[i] += uint32(chunk)
		} else {
			if uint64(m.takenBytes[i]) < chunk {
				return errTakenBytesUnderflow
			}
			m.takenBytes[i] -= uint32(chunk)
		}
		cur += chunk
		remaining -= chunk
	}
	return nil
}

// HasSpace reports whether the region at paddr spanning one page of the
// given PageType currently has zero bytes accounted for by any allocation
// (i.e. the backing page is entirely unused and safe to release).
func (m *FrameMap) HasSpace(paddr addr.PhysicalAddress, pt addr.PageType, owner addr.MemoryOwner) bool {
	start := frameIndex(paddr)
	span := frameSpan(pt)
	if start+span > m.frameCount {
		return false
	}
	for i := start; i < start+span; i++ {
		if m.state[i] != ownerState(owner) {
			return false
		}
		if m.takenBytes[i] != 0 {
			return false
		}
	}
	return true
}

// FreeBytes returns the total number of bytes currently marked free.
func (m *FrameMap) FreeBytes() mem.Size {
	return mem.Size(m.freeCount) * mem.PageSize
}

// TotalBytes returns the total number of bytes tracked by the map.
func (m *FrameMap) TotalBytes() mem.Size {
	return mem.Size(m.frameCount) * mem.PageSize
}
