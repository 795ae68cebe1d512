package trace

import (
	"reflect"
	"unsafe"

	"github.com/achilleasa/memkern/kernel"
	"github.com/achilleasa/memkern/kernel/mem/addr"
)

// MetadataArraySize is the number of Metadata records a single tracing page
// holds. It is sized to fill a 2 MiB backing frame and is guaranteed to be
// at least 8192.
var MetadataArraySize = int(uint64(addr.SizeTwoMiB) / uint64(unsafe.Sizeof(Metadata{})))

// TracingPage is a single fixed-capacity, sorted, left-packed array of
// Metadata records backed by one 2 MiB frame.
type TracingPage struct {
	entries []Metadata
	hdr     reflect.SliceHeader
}

// newTracingPageOverBuffer wraps buf (which must have len ==
// MetadataArraySize) as a TracingPage. Used by tests, which cannot map real
// page-table memory.
func newTracingPageOverBuffer(buf []Metadata) *TracingPage {
	return &TracingPage{entries: buf}
}

// newTracingPageAt constructs a TracingPage directly over the live 2 MiB
// frame mapped at laddr.
func newTracingPageAt(laddr addr.LogicalAddress) *TracingPage {
	p := &TracingPage{}
	p.hdr = reflect.SliceHeader{Data: uintptr(laddr), Len: MetadataArraySize, Cap: MetadataArraySize}
	p.entries = *(*[]Metadata)(unsafe.Pointer(&p.hdr))
	return p
}

// Count returns the number of non-None entries. Entries are left-packed, so
// this is the index of the first None slot.
func (p *TracingPage) Count() int {
	for i, e := range p.entries {
		if e.IsNone() {
			return i
		}
	}
	return len(p.entries)
}

// IsFull reports whether the page has no remaining capacity.
func (p *TracingPage) IsFull() bool {
	return p.Count() == len(p.entries)
}

// IsEmpty reports whether the page records no Taken allocations.
func (p *TracingPage) IsEmpty() bool {
	for _, e := range p.entries[:p.Count()] {
		if e.IsTaken() {
			return false
		}
	}
	return true
}

// FillRatio returns the fraction (0-100) of slots currently occupied.
func (p *TracingPage) FillRatio() int {
	return p.Count() * 100 / len(p.entries)
}

// First returns the page's first entry, if any.
func (p *TracingPage) First() (Metadata, bool) {
	if p.Count() == 0 {
		return none, false
	}
	return p.entries[0], true
}

// Last returns the page's last non-None entry, if any.
func (p *TracingPage) Last() (Metadata, bool) {
	n := p.Count()
	if n == 0 {
		return none, false
	}
	return p.entries[n-1], true
}

// TryPush appends md at the tail if the page has capacity, reporting
// success.
func (p *TracingPage) TryPush(md Metadata) bool {
	n := p.Count()
	if n == len(p.entries) {
		return false
	}
	p.entries[n] = md
	return true
}

// Append is an alias of TryPush kept for readability at call sites that
// only ever expect success.
func (p *TracingPage) Append(md Metadata) bool { return p.TryPush(md) }

// ExtractFirst removes and returns the page's first entry, shifting every
// other entry left by one slot.
func (p *TracingPage) ExtractFirst() (Metadata, bool) {
	n := p.Count()
	if n == 0 {
		return none, false
	}
	first := p.entries[0]
	copy(p.entries, p.entries[1:n])
	p.entries[n-1] = none
	return first, true
}

// insertAt places md at index i, shifting entries[i:] right by one slot. If
// the page is already full the last entry is displaced and returned as
// excess.
func (p *TracingPage) insertAt(i int, md Metadata) (excess Metadata, hadExcess bool) {
	n := p.Count()
	full := n == len(p.entries)
	if full {
		excess, hadExcess = p.entries[len(p.entries)-1], true
		n--
	}
	copy(p.entries[i+1:n+1], p.entries[i:n])
	p.entries[i] = md
	return
}

// findInsertIndex returns the index of the first entry whose LowerPhys is
// strictly greater than paddr (or Count() if none).
func (p *TracingPage) findInsertIndex(paddr addr.PhysicalAddress) int {
	n := p.Count()
	for i := 0; i < n; i++ {
		if p.entries[i].LowerPhys > paddr {
			return i
		}
	}
	return n
}

// Insert places md in sorted position by LowerPhys. Any record displaced
// off the tail by the insertion is returned as excess.
func (p *TracingPage) Insert(md Metadata) (excess Metadata, hadExcess bool) {
	i := p.findInsertIndex(md.LowerPhys)
	return p.insertAt(i, md)
}

// findCovering returns the index of the entry whose range contains paddr,
// restricted to entries with the given state.
func (p *TracingPage) findCovering(paddr addr.PhysicalAddress, state State) (int, bool) {
	n := p.Count()
	for i := 0; i < n; i++ {
		if p.entries[i].State == state && p.entries[i].Contains(paddr) {
			return i, true
		}
	}
	return 0, false
}

// Take locates the Free entry covering [paddr, paddr+size), splits it into
// up to three pieces (leading Free, the new Taken range, trailing Free) and
// reports any records displaced off the tail as excess, in the order they
// must be cascaded into later pages.
func (p *TracingPage) Take(paddr addr.PhysicalAddress, size uint64, laddr addr.LogicalAddress) (excess []Metadata, err *kernel.Error) {
	i, ok := p.findCovering(paddr, StateFree)
	if !ok {
		return nil, ErrEntryIsNone
	}
	free := p.entries[i]
	if paddr+addr.PhysicalAddress(size) > free.End() {
		return nil, ErrEntrySizeMismatch
	}

	var replacement []Metadata
	if paddr > free.LowerPhys {
		replacement = append(replacement, Metadata{LowerPhys: free.LowerPhys, LowerLog: free.LowerLog, Size: uint64(paddr - free.LowerPhys), State: StateFree})
	}
	replacement = append(replacement, Metadata{LowerPhys: paddr, LowerLog: laddr, Size: size, State: StateTaken})
	if tail := uint64(free.End()) - uint64(paddr+addr.PhysicalAddress(size)); tail > 0 {
		replacement = append(replacement, Metadata{
			LowerPhys: paddr + addr.PhysicalAddress(size),
			LowerLog:  addr.LogicalAddress(uintptr(free.LowerLog) + uintptr(size) + uintptr(paddr-free.LowerPhys)),
			Size:      tail,
			State:     StateFree,
		})
	}

	return p.spliceAt(i, replacement), nil
}

// spliceAt replaces the single entry at index i with replacement (which may
// hold 1-3 records), shifting the tail right as needed and returning any
// records displaced off the end of the page, in order.
func (p *TracingPage) spliceAt(i int, replacement []Metadata) []Metadata {
	n := p.Count()
	grow := len(replacement) - 1

	var displaced []Metadata
	if grow > 0 {
		if overflow := n + grow - len(p.entries); overflow > 0 {
			if tailLen := n - (i + 1); overflow <= tailLen {
				displaced = append(displaced, p.entries[n-overflow:n]...)
				n -= overflow
			} else {
				// The replacement itself runs off the end of the page: its
				// trailing records spill ahead of the entries that followed i.
				keep := len(replacement) - (overflow - tailLen)
				displaced = append(displaced, replacement[keep:]...)
				displaced = append(displaced, p.entries[i+1:n]...)
				replacement = replacement[:keep]
				n, grow = i+1, keep-1
			}
		}
		copy(p.entries[i+1+grow:n+grow], p.entries[i+1:n])
	} else if grow < 0 {
		copy(p.entries[i+1+grow:n+grow], p.entries[i+1:n])
		for j := n + grow; j < n; j++ {
			p.entries[j] = none
		}
	}

	for k, md := range replacement {
		p.entries[i+k] = md
	}
	return displaced
}

// Drop locates the Taken entry exactly matching [paddr, paddr+size), flips
// it to Free and merges it with an immediately adjacent Free neighbor on
// either side.
func (p *TracingPage) Drop(paddr addr.PhysicalAddress, size uint64) *kernel.Error {
	i, ok := p.findCovering(paddr, StateTaken)
	if !ok {
		return ErrEntryIsNone
	}
	if p.entries[i].LowerPhys != paddr || p.entries[i].Size != size {
		return ErrEntrySizeMismatch
	}

	merged := p.entries[i]
	merged.State = StateFree

	n := p.Count()
	removeHi := i + 1
	if i+1 < n && p.entries[i+1].IsFree() {
		merged.Size += p.entries[i+1].Size
		removeHi = i + 2
	}
	removeLo := i
	if i > 0 && p.entries[i-1].IsFree() {
		merged.LowerPhys = p.entries[i-1].LowerPhys
		merged.LowerLog = p.entries[i-1].LowerLog
		merged.Size += p.entries[i-1].Size
		removeLo = i - 1
	}

	copy(p.entries[removeLo+1:], p.entries[removeHi:n])
	for j := n - (removeHi - removeLo - 1); j < n; j++ {
		p.entries[j] = none
	}
	p.entries[removeLo] = merged
	return nil
}

// Remove frees size bytes starting at paddr, which must equal the base of a
// Taken entry. A size matching the entry exactly flips it to Free and
// merges with any adjacent Free neighbor. A smaller size splits off a new
// leading Free range, displacing the shrunk Taken remainder one slot right
// (reported as a Positive Reminder if that displacement overflows the
// page). A larger size frees the whole entry and reports a Negative
// Reminder carrying the physical base and byte count still to be removed,
// which the caller applies to the next page in the chain.
func (p *TracingPage) Remove(paddr addr.PhysicalAddress, size uint64) (Reminder, *kernel.Error) {
	i, ok := p.findCovering(paddr, StateTaken)
	if !ok {
		return Reminder{}, ErrEntryIsNone
	}
	cur := p.entries[i]
	if cur.LowerPhys != paddr {
		return Reminder{}, ErrEntrySizeMismatch
	}

	switch {
	case size == cur.Size:
		return Reminder{}, p.Drop(paddr, cur.Size)

	case size < cur.Size:
		remaining := Metadata{
			LowerPhys: paddr + addr.PhysicalAddress(size),
			LowerLog:  addr.LogicalAddress(uintptr(cur.LowerLog) + uintptr(size)),
			Size:      cur.Size - size,
			State:     StateTaken,
		}
		if i > 0 && p.entries[i-1].IsFree() {
			p.entries[i-1].Size += size
			p.entries[i] = remaining
			return Reminder{}, nil
		}
		freed := Metadata{LowerPhys: paddr, LowerLog: cur.LowerLog, Size: size, State: StateFree}
		displaced := p.spliceAt(i, []Metadata{freed, remaining})
		return p.reminderFromDisplaced(displaced), nil

	default:
		remaining := size - cur.Size
		if err := p.Drop(paddr, cur.Size); err != nil {
			return Reminder{}, err
		}
		return Reminder{Kind: ReminderNegative, Record: Metadata{
			LowerPhys: cur.End(),
			LowerLog:  addr.LogicalAddress(uintptr(cur.LowerLog) + uintptr(cur.Size)),
			Size:      remaining,
			State:     StateTaken,
		}}, nil
	}
}

// reminderFromDisplaced wraps a record displaced off the tail of a
// splice (if any) as a Positive Reminder for the caller to cascade.
func (p *TracingPage) reminderFromDisplaced(displaced []Metadata) Reminder {
	if len(displaced) == 0 {
		return Reminder{}
	}
	return Reminder{Kind: ReminderPositive, Record: displaced[0]}
}

// ReminderKind distinguishes how a Resize spilled past this page.
type ReminderKind uint8

// nolint
const (
	ReminderZero ReminderKind = iota
	ReminderPositive
	ReminderNegative
)

// Reminder carries spillover that must be applied to the next page in the
// chain. Positive carries a record to insert there: the record a Remove
// split pushed off the tail of this page, or, for a Resize whose entry has
// no Free neighbor after it, a Taken record covering the growth past the
// entry's old end (the entry itself already records the full new size).
// Negative carries a
// Taken record describing the portion of the growth that spilled past this
// page's final Free neighbor; the caller applies it by calling Take on the
// next page, which is expected to start with a Free record covering it.
type Reminder struct {
	Kind   ReminderKind
	Record Metadata
}

// Resize grows or shrinks the Taken entry at paddr to newSize. Growing
// consumes the immediately following Free neighbor, returning any growth
// beyond it as a Negative Reminder; when the next entry is not Free, or
// there is none, the entry is recorded at newSize and the growth past its
// old end is returned as a Positive Reminder. Shrinking splits off a new
// Free entry after it.
func (p *TracingPage) Resize(paddr addr.PhysicalAddress, newSize uint64) (Reminder, *kernel.Error) {
	i, ok := p.findCovering(paddr, StateTaken)
	if !ok {
		return Reminder{}, ErrEntryIsNone
	}
	cur := p.entries[i]

	if newSize == cur.Size {
		return Reminder{}, nil
	}

	if newSize < cur.Size {
		shrunk := cur
		shrunk.Size = newSize
		freed := Metadata{
			LowerPhys: paddr + addr.PhysicalAddress(newSize),
			LowerLog:  addr.LogicalAddress(uintptr(cur.LowerLog) + uintptr(newSize)),
			Size:      cur.Size - newSize,
			State:     StateFree,
		}
		p.spliceAt(i, []Metadata{shrunk, freed})
		return Reminder{}, nil
	}

	need := newSize - cur.Size
	n := p.Count()
	if i+1 < n && p.entries[i+1].IsFree() {
		succ := p.entries[i+1]
		if succ.Size > need {
			grown := cur
			grown.Size = newSize
			remaining := succ
			remaining.LowerPhys += addr.PhysicalAddress(need)
			remaining.LowerLog = addr.LogicalAddress(uintptr(remaining.LowerLog) + uintptr(need))
			remaining.Size -= need
			p.entries[i] = grown
			p.entries[i+1] = remaining
			return Reminder{}, nil
		}
		grown := cur
		grown.Size = newSize
		p.entries[i] = grown
		p.spliceAt(i+1, nil)
		if succ.Size == need {
			return Reminder{}, nil
		}
		spill := need - succ.Size
		return Reminder{Kind: ReminderNegative, Record: Metadata{
			LowerPhys: succ.End(),
			LowerLog:  addr.LogicalAddress(uintptr(succ.LowerLog) + uintptr(succ.Size)),
			Size:      spill,
			State:     StateTaken,
		}}, nil
	}

	grown := cur
	grown.Size = newSize
	p.entries[i] = grown
	return Reminder{Kind: ReminderPositive, Record: Metadata{
		LowerPhys: cur.End(),
		LowerLog:  addr.LogicalAddress(uintptr(cur.LowerLog) + uintptr(cur.Size)),
		Size:      need,
		State:     StateTaken,
	}}, nil
}
