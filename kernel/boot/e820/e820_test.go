package e820

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/pmm"
)

func newTestFrameMap(t *testing.T, frameCount uint64) *pmm.FrameMap {
	t.Helper()
	buf := make([]byte, frameCount*16+4096)
	var m pmm.FrameMap
	m.Init(frameCount, uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { _ = buf })
	return &m
}

// encodeRegions packs regions into the fixed u64+u64+u32 wire format this
// package expects, with no trailing pad between records.
func encodeRegions(regions []Region) []byte {
	buf := make([]byte, len(regions)*regionStride)
	for i, r := range regions {
		off := i * regionStride
		binary.LittleEndian.PutUint64(buf[off:], r.BasePhysAddr)
		binary.LittleEndian.PutUint64(buf[off+8:], r.Size)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(r.Type))
	}
	return buf
}

func withTestRegions(t *testing.T, regions []Region) {
	t.Helper()
	prevCount, prevRegions := countAddr, regionsAddr
	t.Cleanup(func() { countAddr, regionsAddr = prevCount, prevRegions })

	count := uint32(len(regions))
	regionBuf := encodeRegions(regions)

	SetInfoPtr(uintptr(unsafe.Pointer(&count)), uintptr(unsafe.Pointer(&regionBuf[0])))
	t.Cleanup(func() { _, _ = count, regionBuf })
}

func TestVisitRegionsSkipsZeroLengthEntries(t *testing.T) {
	withTestRegions(t, []Region{
		{BasePhysAddr: 0, Size: 0, Type: Free},
		{BasePhysAddr: 0x100000, Size: 4096, Type: Free},
	})

	var visited []Region
	VisitRegions(func(r *Region) bool {
		visited = append(visited, *r)
		return true
	})

	if len(visited) != 1 {
		t.Fatalf("expected zero-length entries to be skipped, got %d regions", len(visited))
	}
	if visited[0].BasePhysAddr != 0x100000 || visited[0].Size != 4096 {
		t.Fatalf("unexpected region: %+v", visited[0])
	}
}

func TestVisitRegionsNormalizesUnknownType(t *testing.T) {
	withTestRegions(t, []Region{
		{BasePhysAddr: 0, Size: 4096, Type: RegionType(99)},
	})

	var got RegionType
	VisitRegions(func(r *Region) bool {
		got = r.Type
		return true
	})
	if got != Reserved {
		t.Fatalf("expected an out-of-range type to normalize to Reserved, got %v", got)
	}
}

func TestVisitRegionsStopsEarly(t *testing.T) {
	withTestRegions(t, []Region{
		{BasePhysAddr: 0, Size: 4096, Type: Free},
		{BasePhysAddr: 4096, Size: 4096, Type: Free},
		{BasePhysAddr: 8192, Size: 4096, Type: Free},
	})

	var count int
	VisitRegions(func(r *Region) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected the visitor to stop after the first region, visited %d", count)
	}
}

func TestMemorySize(t *testing.T) {
	withTestRegions(t, []Region{
		{BasePhysAddr: 0, Size: 0x100000, Type: Free},
		{BasePhysAddr: 0x100000, Size: 0xf00000, Type: Reserved},
	})

	if got := MemorySize(); got != 0x1000000 {
		t.Fatalf("expected MemorySize to report the highest region end 0x1000000, got 0x%x", got)
	}
}

func TestParseAndReserveMarksNonFreeRegions(t *testing.T) {
	withTestRegions(t, []Region{
		{BasePhysAddr: 0, Size: 8 * 4096, Type: Reserved},
		{BasePhysAddr: 8 * 4096, Size: 8 * 4096, Type: Free},
	})

	m := newTestFrameMap(t, 16)
	ParseAndReserve(m)

	paddr, ok := m.FindAvailable(addr.FourKiB)
	if !ok {
		t.Fatal("expected a free frame")
	}
	if paddr < addr.PhysicalAddress(8*4096) {
		t.Fatalf("expected ParseAndReserve to exclude the reserved region, got 0x%x", paddr)
	}
}

func TestRegionTypeString(t *testing.T) {
	cases := map[RegionType]string{
		Free:            "free",
		Reserved:        "reserved",
		AcpiReclaimable: "acpi-reclaimable",
		AcpiReserved:    "acpi-reserved",
		Bad:             "bad",
		RegionType(123): "unknown",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("RegionType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
