// Package extable maps faulting instruction addresses to fixup addresses.
// A fault handler running privileged code consults it to resume at a
// fixup instead of treating the fault as fatal.
package extable

import (
	"sort"

	"github.com/pkg/errors"
)

// Tolerance is how far past a recorded instruction start a reported fault
// address may land and still match that entry.
const Tolerance = 2

// Entry pairs the start of a faulting access with the address to resume at.
type Entry struct {
	Insn  uint64
	Fixup uint64
}

// Table is an immutable sequence of entries in ascending Insn order.
type Table struct {
	entries []Entry
}

// Build wraps entries, which must already be sorted by Insn. Build does
// not sort. When Insn values repeat only the first is ever returned.
func Build(entries []Entry) Table {
	if len(entries) == 0 {
		return Table{}
	}

	cp := make([]Entry, len(entries))
	copy(cp, entries)

	return Table{entries: cp}
}

func (t Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the table contents.
func (t Table) Entries() []Entry {
	cp := make([]Entry, len(t.entries))
	copy(cp, t.entries)
	return cp
}

// Validate checks the ordering the table producer owes Lookup: ascending
// Insn, and no two distinct entries close enough for their windows to
// overlap.
func (t Table) Validate() error {
	for i := 1; i < len(t.entries); i++ {
		prev, cur := t.entries[i-1], t.entries[i]

		switch {
		case cur.Insn < prev.Insn:
			return errors.Wrapf(ErrUnsorted, "index=%d, insn=%#x after %#x", i, cur.Insn, prev.Insn)
		case cur.Insn != prev.Insn && cur.Insn-prev.Insn <= Tolerance:
			return errors.Wrapf(ErrOverlap, "index=%d, insn=%#x within %d of %#x", i, cur.Insn, Tolerance, prev.Insn)
		}
	}

	return nil
}

// Lookup returns the fixup for addr if some entry satisfies
// 0 <= addr - Insn <= Tolerance.
func (t Table) Lookup(addr uint64) (uint64, bool) {
	e := t.entries

	// First entry starting past addr; the candidate is the one before it.
	i := sort.Search(len(e), func(i int) bool {
		return e[i].Insn > addr
	})

	if i == 0 {
		return 0, false
	}

	cand := e[i-1]
	if addr-cand.Insn > Tolerance {
		return 0, false
	}

	first := sort.Search(i, func(j int) bool {
		return e[j].Insn >= cand.Insn
	})

	return e[first].Fixup, true
}

// Lookup searches a single table. See Table.Lookup.
func Lookup(t Table, addr uint64) (uint64, bool) {
	return t.Lookup(addr)
}
