package vmm

import (
	"testing"

	"github.com/achilleasa/memkern/kernel/mem/addr"
)

func TestAllocWindowsDoNotOverlap(t *testing.T) {
	uLo, uHi := allocWindow(addr.User)
	kLo, kHi := allocWindow(addr.Kernel)

	if uHi >= kLo {
		t.Fatalf("user window [%d,%d] overlaps kernel window [%d,%d]", uLo, uHi, kLo, kHi)
	}
	if tracePML4(addr.Kernel) <= kHi {
		t.Fatalf("kernel trace slot %d must sit above the kernel alloc window (hi=%d)", tracePML4(addr.Kernel), kHi)
	}
	if tracePML4(addr.User) >= uLo {
		t.Fatalf("user trace slot %d must sit below the user alloc window (lo=%d)", tracePML4(addr.User), uLo)
	}
	if recursivePML4 <= kHi {
		t.Fatal("recursive self-map slot must sit above every other window")
	}
}

func TestWindowBaseEndOrdering(t *testing.T) {
	for _, owner := range []addr.MemoryOwner{addr.Kernel, addr.User} {
		base := windowBase(owner)
		end := windowEnd(owner)
		if end <= base {
			t.Fatalf("[%s] windowEnd must be strictly greater than windowBase", owner)
		}
	}
}
