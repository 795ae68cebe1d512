package trace

import (
	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
	"github.com/achilleasa/memkern/kernel/mem/vmm"
)

// cleanupSlackPercent is the fill level, as a percentage of a tracing page's
// capacity, below which cleanupUnusedTracingPages treats a page as the last
// one worth keeping: it keeps the first page filled below this level and
// releases every page after it back to the frame map.
const cleanupSlackPercent = 70

var (
	// The following four functions delegate to the vmm package; tests
	// replace them with in-memory stand-ins.
	mapTracingPageFn   = vmm.MapTracingPage
	traceWindowAddrFn  = vmm.TraceWindowAddress
	unmapTracingPageFn = vmm.UnmapTracingPage
	translateFn        = vmm.Translate
)

// Chain is the ordered sequence of TracingPages that records heap-chunk
// metadata for one owner. Pages are kept in ascending physical-address
// order; entries never span a page boundary, so every cross-page operation
// here is a cascade across the ordered page list.
type Chain struct {
	owner addr.MemoryOwner
	pages []*TracingPage
	phys  []addr.PhysicalAddress
}

// NewChain returns an empty chain for owner. The first tracing page is
// grown lazily on first use so that constructing a Chain never fails.
func NewChain(owner addr.MemoryOwner) *Chain {
	return &Chain{owner: owner}
}

// growByOne maps a fresh, zeroed tracing page and appends it to the chain.
// It starts out holding no entries; callers populate it by cascading real
// records in through Insert, just as a freshly created page in the page
// table holds nothing until the allocator hands it a region to track.
func (c *Chain) growByOne() (*TracingPage, *kernel.Error) {
	idx := uint64(len(c.pages))
	if idx >= vmm.TracePageCapacity {
		return nil, ErrInternalFailure
	}

	paddr, err := mapTracingPageFn(c.owner, idx)
	if err != nil {
		return nil, err
	}
	laddr := traceWindowAddrFn(c.owner, idx)

	page := newTracingPageAt(laddr)
	c.pages = append(c.pages, page)
	c.phys = append(c.phys, paddr)
	return page, nil
}

// ensurePage returns the chain's page at index i, growing the chain as
// needed to reach it.
func (c *Chain) ensurePage(i int) (*TracingPage, *kernel.Error) {
	for len(c.pages) <= i {
		if _, err := c.growByOne(); err != nil {
			return nil, err
		}
	}
	return c.pages[i], nil
}

// FindAvailableSpace scans the chain in order for the first Free record of
// at least size bytes and returns its physical and logical base addresses.
func (c *Chain) FindAvailableSpace(size uint64) (paddr addr.PhysicalAddress, laddr addr.LogicalAddress, ok bool) {
	for _, page := range c.pages {
		n := page.Count()
		for i := 0; i < n; i++ {
			e := page.entries[i]
			if e.IsFree() && e.Size >= size {
				return e.LowerPhys, e.LowerLog, true
			}
		}
	}
	return 0, 0, false
}

// TakeAvailableSpace marks [paddr, paddr+size) Taken, splitting the owning
// Free record and cascading any entries displaced off the tail of a page
// into the next one, growing the chain if the cascade runs off its end.
func (c *Chain) TakeAvailableSpace(paddr addr.PhysicalAddress, size uint64, laddr addr.LogicalAddress) *kernel.Error {
	idx, ok := c.pageIndexCovering(paddr, StateFree)
	if !ok {
		return ErrEntryIsNone
	}

	excess, err := c.pages[idx].Take(paddr, size, laddr)
	if err != nil {
		return err
	}
	return c.pushExcess(idx+1, excess)
}

// pushExcess cascades records displaced off the tail of a page into the
// page at (and past) toIdx, growing the chain as needed. Each record that
// itself displaces further records is cascaded in turn.
func (c *Chain) pushExcess(toIdx int, excess []Metadata) *kernel.Error {
	for _, md := range excess {
		page, err := c.ensurePage(toIdx)
		if err != nil {
			return err
		}
		more, hadExcess := page.Insert(md)
		if hadExcess {
			if err := c.pushExcess(toIdx+1, []Metadata{more}); err != nil {
				return err
			}
		}
	}
	return nil
}

// pageIndexCovering returns the index of the chain page whose entries
// contain paddr in the given state.
func (c *Chain) pageIndexCovering(paddr addr.PhysicalAddress, state State) (int, bool) {
	for i, page := range c.pages {
		if _, ok := page.findCovering(paddr, state); ok {
			return i, true
		}
	}
	return 0, false
}

// DropOccupiedSpace marks the Taken allocation starting at the physical
// address laddr translates to as Free again, merges it with any adjacent
// Free neighbors and always runs a chain-wide merge pass afterward. It
// returns the size of the allocation that was dropped.
func (c *Chain) DropOccupiedSpace(laddr addr.LogicalAddress) (uint64, *kernel.Error) {
	paddr, aerr := translateFn(laddr)
	if aerr != nil {
		return 0, aerr
	}

	idx, ok := c.pageIndexCovering(paddr, StateTaken)
	if !ok {
		return 0, ErrNotFound
	}
	page := c.pages[idx]
	i, _ := page.findCovering(paddr, StateTaken)
	taken := page.entries[i]
	if taken.LowerPhys != paddr {
		return 0, ErrEntrySizeMismatch
	}

	if err := page.Drop(taken.LowerPhys, taken.Size); err != nil {
		return 0, err
	}
	c.mergeTracingPages()
	return taken.Size, nil
}

// InsertAvailableSpace inserts a new Free record into the chain, choosing
// the target page as the first one that is empty, that starts after md, or
// that already contains md's base address; this mirrors the placement rule
// used to keep each page's range contiguous with its neighbors.
func (c *Chain) InsertAvailableSpace(md Metadata) *kernel.Error {
	if len(c.pages) == 0 {
		if _, err := c.growByOne(); err != nil {
			return err
		}
	}

	targetIdx := len(c.pages) - 1
	for i, page := range c.pages {
		first, ok := page.First()
		if page.IsEmpty() || !ok || first.LowerPhys > md.LowerPhys || page.Contains(md.LowerPhys) {
			targetIdx = i
			break
		}
	}

	excess, hadExcess := c.pages[targetIdx].Insert(md)
	if hadExcess {
		return c.pushExcess(targetIdx+1, []Metadata{excess})
	}
	return nil
}

// Contains reports whether any live entry in p covers paddr.
func (p *TracingPage) Contains(paddr addr.PhysicalAddress) bool {
	n := p.Count()
	for i := 0; i < n; i++ {
		if p.entries[i].Contains(paddr) {
			return true
		}
	}
	return false
}

// RemoveSpace marks [paddr, paddr+size) Free again. When size is smaller
// than the Taken entry it finds, only the leading portion is freed and the
// remainder stays Taken; when larger, it frees entries across as many
// pages as needed. Always ends with a chain-wide merge pass.
func (c *Chain) RemoveSpace(paddr addr.PhysicalAddress, size uint64) *kernel.Error {
	idx, ok := c.pageIndexCovering(paddr, StateTaken)
	if !ok {
		return ErrEntryIsNone
	}
	if err := c.removeFrom(idx, paddr, size); err != nil {
		return err
	}
	c.mergeTracingPages()
	return nil
}

// removeFrom applies Remove starting at page idx, cascading into later
// pages as reported by the Reminder.
func (c *Chain) removeFrom(idx int, paddr addr.PhysicalAddress, size uint64) *kernel.Error {
	reminder, err := c.pages[idx].Remove(paddr, size)
	if err != nil {
		return err
	}

	switch reminder.Kind {
	case ReminderZero:
		return nil
	case ReminderPositive:
		return c.pushExcess(idx+1, []Metadata{reminder.Record})
	case ReminderNegative:
		if _, err := c.ensurePage(idx + 1); err != nil {
			return err
		}
		return c.removeFrom(idx+1, reminder.Record.LowerPhys, reminder.Record.Size)
	}
	return nil
}

// Resize grows or shrinks the Taken allocation at paddr to newSize,
// cascading growth that overflows the current page into the next one via
// the Reminder mechanism TracingPage.Resize reports.
func (c *Chain) Resize(paddr addr.PhysicalAddress, newSize uint64) *kernel.Error {
	idx, ok := c.pageIndexCovering(paddr, StateTaken)
	if !ok {
		return ErrEntryIsNone
	}

	reminder, err := c.pages[idx].Resize(paddr, newSize)
	if err != nil {
		return err
	}

	switch reminder.Kind {
	case ReminderZero:
		return nil
	case ReminderPositive:
		return c.pushExcess(idx+1, []Metadata{reminder.Record})
	case ReminderNegative:
		next, err := c.ensurePage(idx + 1)
		if err != nil {
			return err
		}
		excess, err := next.Take(reminder.Record.LowerPhys, reminder.Record.Size, reminder.Record.LowerLog)
		if err != nil {
			return err
		}
		return c.pushExcess(idx+2, excess)
	}
	return nil
}

// CanRelocateInplace reports whether the Taken allocation at paddr can grow
// to newSize without moving: either the record's own page has enough
// trailing Free space, or the allocation sits at the very end of its page
// and the immediately following page (if any) starts with enough Free
// space to absorb the rest. It returns the allocation's current size
// alongside the verdict so a false result can be used directly to size the
// fallback relocate-and-copy path.
func (c *Chain) CanRelocateInplace(paddr addr.PhysicalAddress, newSize uint64) (bool, uint64, *kernel.Error) {
	idx, ok := c.pageIndexCovering(paddr, StateTaken)
	if !ok {
		return false, 0, ErrEntryIsNone
	}
	page := c.pages[idx]
	i, _ := page.findCovering(paddr, StateTaken)
	cur := page.entries[i]

	if newSize <= cur.Size {
		return true, cur.Size, nil
	}
	need := newSize - cur.Size

	n := page.Count()
	if i+1 < n {
		if page.entries[i+1].IsFree() && page.entries[i+1].Size >= need {
			return true, cur.Size, nil
		}
		return false, cur.Size, nil
	}

	// cur is the last entry on its page; the growth may continue into
	// the start of the next page in the chain.
	if idx+1 >= len(c.pages) {
		return false, cur.Size, nil
	}
	next := c.pages[idx+1]
	first, ok := next.First()
	if !ok || !first.IsFree() {
		return false, cur.Size, nil
	}
	return first.Size >= need, cur.Size, nil
}

// mergeTracingPages walks adjacent page pairs, shifting Free/Taken records
// from the head of each successor into the tail of its predecessor while
// the predecessor has spare capacity and the successor has entries to
// give, then hands off to cleanupUnusedTracingPages.
func (c *Chain) mergeTracingPages() {
	for i := 0; i+1 < len(c.pages); i++ {
		prev, curr := c.pages[i], c.pages[i+1]
		for !prev.IsFull() && curr.Count() > 0 {
			md, ok := curr.ExtractFirst()
			if !ok {
				break
			}
			if last, ok := prev.Last(); ok && last.IsFree() && md.IsFree() {
				prev.entries[prev.Count()-1].Size += md.Size
				continue
			}
			if !prev.TryPush(md) {
				break
			}
		}
	}
	c.cleanupUnusedTracingPages()
}

// cleanupUnusedTracingPages assumes mergeTracingPages has already packed
// entries toward the front of the chain, so any run of under-filled pages
// can only occur at the tail. It walks forward looking for the first page
// whose entry count falls below the cleanupSlackPercent threshold, leaves
// that one page mapped (in case it is still in active use), and releases
// every page after it back to the frame map.
func (c *Chain) cleanupUnusedTracingPages() {
	threshold := MetadataArraySize / 100 * cleanupSlackPercent

	deleteFrom := -1
	for i, page := range c.pages {
		if page.Count() < threshold {
			deleteFrom = i + 1
			break
		}
	}
	if deleteFrom < 0 || deleteFrom >= len(c.pages) {
		return
	}

	for i := len(c.pages) - 1; i >= deleteFrom; i-- {
		if err := unmapTracingPageFn(c.owner, uint64(i)); err != nil {
			return
		}
		c.pages = c.pages[:i]
		c.phys = c.phys[:i]
	}
}
