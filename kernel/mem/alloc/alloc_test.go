package alloc

import (
	"testing"

	"github.com/achilleasa/memkern/kernel/mem/addr"
)

func TestSuitablePages(t *testing.T) {
	specs := []struct {
		size    uint64
		wantPt  addr.PageType
		wantN   uint64
	}{
		{size: 1, wantPt: addr.FourKiB, wantN: 1},
		{size: 4096, wantPt: addr.FourKiB, wantN: 1},
		{size: 4097, wantPt: addr.FourKiB, wantN: 2},
		{size: size512KiB - 1, wantPt: addr.FourKiB, wantN: (size512KiB - 1 + 4095) / 4096},
		{size: size512KiB, wantPt: addr.TwoMiB, wantN: 1},
		{size: size512KiB + 1, wantPt: addr.TwoMiB, wantN: 1},
		{size: uint64(addr.SizeTwoMiB) + 1, wantPt: addr.TwoMiB, wantN: 2},
		{size: size256MiB - 1, wantPt: addr.TwoMiB, wantN: (size256MiB - 1 + uint64(addr.SizeTwoMiB) - 1) / uint64(addr.SizeTwoMiB)},
		{size: size256MiB, wantPt: addr.OneGiB, wantN: 1},
		{size: size256MiB + 1, wantPt: addr.OneGiB, wantN: 1},
		{size: uint64(addr.SizeOneGiB) + 1, wantPt: addr.OneGiB, wantN: 2},
	}

	for _, spec := range specs {
		pt, n := SuitablePages(spec.size)
		if pt != spec.wantPt {
			t.Errorf("SuitablePages(%d): page type = %v, want %v", spec.size, pt, spec.wantPt)
		}
		if n != spec.wantN {
			t.Errorf("SuitablePages(%d): page count = %d, want %d", spec.size, n, spec.wantN)
		}
	}
}
