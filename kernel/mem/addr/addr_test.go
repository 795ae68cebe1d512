package addr

import "testing"

func TestAlignment(t *testing.T) {
	a := PhysicalAddress(0x1001)

	if got := a.AlignToLower(0x1000); got != 0x1000 {
		t.Fatalf("AlignToLower: expected 0x1000, got 0x%x", got)
	}
	if got := a.AlignToUpper(0x1000); got != 0x2000 {
		t.Fatalf("AlignToUpper: expected 0x2000, got 0x%x", got)
	}

	aligned := PhysicalAddress(0x2000)
	if got := aligned.AlignToUpper(0x1000); got != 0x2000 {
		t.Fatalf("AlignToUpper on aligned addr: expected no change, got 0x%x", got)
	}
	if got := aligned.ForceAlignToUpper(0x1000); got != 0x3000 {
		t.Fatalf("ForceAlignToUpper on aligned addr: expected 0x3000, got 0x%x", got)
	}

	if !PhysicalAddress(0x2000).IsAligned(0x1000) {
		t.Fatal("expected 0x2000 to be aligned to 0x1000")
	}
	if PhysicalAddress(0x2001).IsAligned(0x1000) {
		t.Fatal("expected 0x2001 to not be aligned to 0x1000")
	}
}

func TestRoundTripTranslation(t *testing.T) {
	for _, owner := range []MemoryOwner{Kernel, User} {
		paddr := PhysicalAddress(0x123000)

		laddr, err := paddr.ToLogical(owner)
		if err != nil {
			t.Fatalf("[%s] ToLogical: unexpected error: %v", owner, err)
		}

		roundTripped, err := laddr.ToPhysical(owner)
		if err != nil {
			t.Fatalf("[%s] ToPhysical: unexpected error: %v", owner, err)
		}

		if roundTripped != paddr {
			t.Fatalf("[%s] round-trip mismatch: got 0x%x, want 0x%x", owner, roundTripped, paddr)
		}
	}
}

func TestNullAddress(t *testing.T) {
	if _, err := PhysicalAddress(0).ToLogical(Kernel); err != ErrNullAddress {
		t.Fatalf("expected ErrNullAddress, got %v", err)
	}
	if _, err := LogicalAddress(0).ToPhysical(User); err != ErrNullAddress {
		t.Fatalf("expected ErrNullAddress, got %v", err)
	}
}

func TestOutOfWindowTranslation(t *testing.T) {
	if _, err := KernelWindowLimit.ToLogical(Kernel); err != ErrPhysicalToLogical {
		t.Fatalf("expected ErrPhysicalToLogical, got %v", err)
	}
	if _, err := LogicalAddress(0).ToPhysical(Kernel); err != ErrNullAddress {
		t.Fatalf("expected ErrNullAddress, got %v", err)
	}
	if _, err := LogicalAddress(0x1000).ToPhysical(Kernel); err != ErrLogicalToPhysical {
		t.Fatalf("expected ErrLogicalToPhysical for a low-half address under the Kernel owner, got %v", err)
	}
}

func TestIndexExtraction(t *testing.T) {
	laddr := LogicalAddress(0)
	laddr |= LogicalAddress(0x15) << 39
	laddr |= LogicalAddress(0x16) << 30
	laddr |= LogicalAddress(0x17) << 21
	laddr |= LogicalAddress(0x18) << 12
	laddr |= 0x123

	if got := laddr.PML4Index(); got != 0x15 {
		t.Fatalf("PML4Index: got %d, want %d", got, 0x15)
	}
	if got := laddr.PDPTIndex(); got != 0x16 {
		t.Fatalf("PDPTIndex: got %d, want %d", got, 0x16)
	}
	if got := laddr.PDTIndex(); got != 0x17 {
		t.Fatalf("PDTIndex: got %d, want %d", got, 0x17)
	}
	if got := laddr.PTIndex(); got != 0x18 {
		t.Fatalf("PTIndex: got %d, want %d", got, 0x18)
	}
	if got := laddr.PageOffset(FourKiB); got != 0x123 {
		t.Fatalf("PageOffset: got 0x%x, want 0x123", got)
	}
}

func TestPageTypeSize(t *testing.T) {
	specs := []struct {
		pt   PageType
		want uint64
	}{
		{FourKiB, 4 * 1024},
		{TwoMiB, 2 * 1024 * 1024},
		{OneGiB, 1024 * 1024 * 1024},
	}

	for _, spec := range specs {
		if got := uint64(spec.pt.Size()); got != spec.want {
			t.Errorf("%s: got size %d, want %d", spec.pt, got, spec.want)
		}
	}
}
