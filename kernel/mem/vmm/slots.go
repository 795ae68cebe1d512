package vmm

import "github.com/achilleasa/memkern/kernel/mem/addr"

// levelSpan returns the number of bytes one entry at lvl covers.
func levelSpan(lvl tableLevel) uintptr {
	switch lvl {
	case pml4Level:
		return 1 << 39
	case pdptLevel:
		return 1 << 30
	case pdtLevel:
		return 1 << 21
	default:
		return 1 << 12
	}
}

// indexAddr builds a synthetic logical address whose PML4/PDPT/PDT/PT index
// fields are exactly i4/i3/i2/i1. Nothing but index extraction ever reads
// back these addresses, so no canonical sign-extension is needed - the same
// shortcut windowBase and traceWindowBase already take.
func indexAddr(i4, i3, i2, i1 uint16) addr.LogicalAddress {
	return addr.LogicalAddress(uintptr(i4)<<39 | uintptr(i3)<<30 | uintptr(i2)<<21 | uintptr(i1)<<12)
}

// withIndex returns base with its index at lvl replaced by i, leaving every
// other level's index untouched.
func withIndex(lvl tableLevel, base addr.LogicalAddress, i uint16) addr.LogicalAddress {
	i4, i3, i2, i1 := base.PML4Index(), base.PDPTIndex(), base.PDTIndex(), base.PTIndex()
	switch lvl {
	case pml4Level:
		i4 = i
	case pdptLevel:
		i3 = i
	case pdtLevel:
		i2 = i
	default:
		i1 = i
	}
	return indexAddr(i4, i3, i2, i1)
}

// pageTypeForLevel returns the PageType of a huge leaf found present at lvl.
func pageTypeForLevel(lvl tableLevel) addr.PageType {
	switch lvl {
	case pdptLevel:
		return addr.OneGiB
	case pdtLevel:
		return addr.TwoMiB
	default:
		return addr.FourKiB
	}
}

// freeRunFrom reports the size of the free span starting at laddr, down to
// leafLvl granularity, without visiting every leaf slot inside an absent
// subtree individually: it walks top-down and stops at the first absent
// entry, whose own span is free in its entirety. It returns 0 if laddr's
// own leaf-level entry is present.
func freeRunFrom(laddr addr.LogicalAddress, leafLvl tableLevel) uintptr {
	for lvl := pml4Level; lvl > leafLvl; lvl-- {
		if !entryAt(lvl, laddr).HasFlags(FlagPresent) {
			return levelSpan(lvl)
		}
	}
	if entryAt(leafLvl, laddr).HasFlags(FlagPresent) {
		return 0
	}
	return levelSpan(leafLvl)
}

// pageSlotScanner walks a PageType's leaf-level slots across one owner's
// allocation window in ascending order, yielding the free runs it finds one
// at a time. It is the logical-address counterpart of the physical frame
// map's FindAvailableRange: insert_pages needs both a free physical range
// and a free logical range before it can bind the two together with Map.
type pageSlotScanner struct {
	lvl tableLevel
	cur addr.LogicalAddress
	end addr.LogicalAddress

	// Start and Len describe the free run found by the most recent call
	// to next that returned true.
	Start addr.LogicalAddress
	Len   uintptr
}

// newPageSlotScanner starts a scan for pt-sized slots across owner's
// allocation window.
func newPageSlotScanner(pt addr.PageType, owner addr.MemoryOwner) *pageSlotScanner {
	return &pageSlotScanner{
		lvl: leafLevel(pt),
		cur: windowBase(owner),
		end: windowEnd(owner),
	}
}

// next advances the scanner to the next free run in the window and reports
// whether one was found before the window was exhausted. A run returned by
// one call to next is contiguous with the run returned by the previous call
// only when its Start lines up exactly with the previous run's end; any gap
// means occupied slots lie between them, the same distinction the
// (contiguous_with_previous, entry) cursor this is modeled on reports.
func (s *pageSlotScanner) next() bool {
	for s.cur < s.end {
		free := freeRunFrom(s.cur, s.lvl)
		if free == 0 {
			s.cur += addr.LogicalAddress(levelSpan(s.lvl))
			continue
		}
		s.Start = s.cur
		s.Len = free
		s.cur += addr.LogicalAddress(free)
		return true
	}
	return false
}

// findPagesSlots searches owner's allocation window for n contiguous pt
// slots, returning the logical address of the first one. It mirrors
// findAvailableRange's contract on the physical side: pages are assembled
// by walking the window once, restarting the candidate run whenever a gap
// of occupied slots breaks contiguity with what came before.
func findPagesSlots(pt addr.PageType, n uint64, owner addr.MemoryOwner) (addr.LogicalAddress, bool) {
	need := n * uint64(pt.Size())
	scanner := newPageSlotScanner(pt, owner)

	var runStart addr.LogicalAddress
	var runLen uint64
	haveRun := false

	for scanner.next() {
		contiguous := haveRun && scanner.Start == runStart+addr.LogicalAddress(runLen)
		if !contiguous {
			runStart = scanner.Start
			runLen = 0
			haveRun = true
		}
		runLen += uint64(scanner.Len)
		if runLen >= need {
			return runStart, true
		}
	}
	return 0, false
}
