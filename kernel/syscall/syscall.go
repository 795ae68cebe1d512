// Package syscall implements the fixed system-call surface through which
// user-space requests memory-subsystem services: total/available memory
// queries and the allocate/reallocate/deallocate trio. Every call is
// dispatched by number, matching the register-based calling convention the
// kernel's syscall entry point decodes arguments with.
package syscall

import "github.com/achilleasa/memkern/kernel/mem/addr"

// Number identifies one of the supported system calls.
type Number uint64

// nolint
const (
	TotalMemory Number = iota
	AvailableMemory
	Allocate
	AllocateZeroed
	Reallocate
	Deallocate
)

// ErrInvalidSyscall is returned (as the raw u64 sentinel, not a Go error)
// for any syscall number outside the supported range.
const ErrInvalidSyscall = ^uint64(0)

// ErrSyscallFailed is the sentinel returned in place of a result when a
// supported syscall's underlying operation fails.
const ErrSyscallFailed = ^uint64(0) - 1

// Backend supplies the allocator operations the dispatcher calls into. It
// exists so tests can dispatch against a fake without touching the real
// frame map and tracing chain.
type Backend interface {
	TotalMemory() uint64
	AvailableMemory() uint64
	Alloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error)
	Zalloc(size uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error)
	Realloc(laddr addr.LogicalAddress, newSize uint64, owner addr.MemoryOwner) (addr.LogicalAddress, error)
	Dealloc(laddr addr.LogicalAddress, owner addr.MemoryOwner) error
}

// Dispatch decodes and executes one system call issued by owner, given its
// number and up to two register-sized arguments. Its return value is the
// raw u64 the calling convention places in the return register: a real
// result on success, ErrSyscallFailed on a backend failure, or
// ErrInvalidSyscall for an unrecognized number.
func Dispatch(backend Backend, num Number, arg1, arg2 uint64, owner addr.MemoryOwner) uint64 {
	switch num {
	case TotalMemory:
		return backend.TotalMemory()

	case AvailableMemory:
		return backend.AvailableMemory()

	case Allocate:
		laddr, err := backend.Alloc(arg1, owner)
		if err != nil {
			return ErrSyscallFailed
		}
		return uint64(laddr)

	case AllocateZeroed:
		laddr, err := backend.Zalloc(arg1, owner)
		if err != nil {
			return ErrSyscallFailed
		}
		return uint64(laddr)

	case Reallocate:
		laddr, err := backend.Realloc(addr.LogicalAddress(arg1), arg2, owner)
		if err != nil {
			return ErrSyscallFailed
		}
		return uint64(laddr)

	case Deallocate:
		if err := backend.Dealloc(addr.LogicalAddress(arg1), owner); err != nil {
			return ErrSyscallFailed
		}
		return 0

	default:
		return ErrInvalidSyscall
	}
}
