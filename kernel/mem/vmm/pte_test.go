package vmm

import (
	"testing"

	"github.com/achilleasa/memkern/kernel/mem/addr"
)

func TestPageTableEntryFlags(t *testing.T) {
	var e pageTableEntry

	if e.HasFlags(FlagPresent) {
		t.Fatal("zero-value entry should have no flags set")
	}

	e.SetFlags(FlagPresent | FlagRW)
	if !e.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected both flags to be set")
	}
	if e.HasFlags(FlagUser) {
		t.Fatal("did not expect FlagUser to be set")
	}
	if !e.HasAnyFlag(FlagUser | FlagRW) {
		t.Fatal("expected HasAnyFlag to find FlagRW")
	}

	e.ClearFlags(FlagRW)
	if e.HasFlags(FlagRW) {
		t.Fatal("expected FlagRW to be cleared")
	}
}

func TestPageTableEntryFrame(t *testing.T) {
	var e pageTableEntry
	e.SetFlags(FlagPresent | FlagRW)

	want := addr.PhysicalAddress(0x123456000)
	e.SetFrame(want)

	if got := e.Frame(); got != want {
		t.Fatalf("Frame: got 0x%x, want 0x%x", got, want)
	}
	if !e.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("SetFrame must not disturb existing flags")
	}
}

func TestFlagsForOwner(t *testing.T) {
	if f := flagsForOwner(addr.Kernel); uintptr(f)&uintptr(FlagUser) != 0 {
		t.Fatal("kernel owner must not carry FlagUser")
	}
	if f := flagsForOwner(addr.User); uintptr(f)&uintptr(FlagUser) == 0 {
		t.Fatal("user owner must carry FlagUser")
	}
}
