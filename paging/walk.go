package paging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPresent reports a clear present bit somewhere along the
	// walk. It is the normal outcome for an unmapped virtual
	// address, not a defect.
	ErrNotPresent = errors.New("entry not present")

	// ErrNotCanonical reports a virtual address whose bits 63:48 do
	// not sign-extend bit 47. Such an address faults on real
	// hardware without touching any table.
	ErrNotCanonical = errors.New("virtual address not canonical")
)

// Step records one level of a walk: which table was consulted, at
// which index, and the raw entry found there.
type Step struct {
	Level Level
	Table uint64
	Index uint64
	Entry Entry
}

// EntryAddr returns the physical address the entry was read from.
func (s Step) EntryAddr() uint64 { return s.Table + s.Index*entrySize }

// Report is the result of a successful walk. Steps holds one entry
// per level consulted in walk order, so a 1 GiB mapping has two, a
// 2 MiB mapping three and a 4 KiB mapping four.
type Report struct {
	VirtAddr VirtAddr
	PhysAddr uint64
	PageSize uint64
	Steps    []Step
}

// WalkError is a failed walk. Err is ErrNotPresent or the reader's
// error verbatim; Level names the structure where the walk stopped
// and Steps the levels consulted up to and including it.
type WalkError struct {
	Level Level
	Entry Entry
	Steps []Step
	Err   error
}

func (e *WalkError) Error() string {
	if errors.Is(e.Err, ErrNotPresent) {
		return fmt.Sprintf("%s entry not present", e.Level)
	}

	return fmt.Sprintf("reading %s entry: %v", e.Level, e.Err)
}

func (e *WalkError) Unwrap() error { return e.Err }

// Translate walks the four-level page table rooted at cr3 and
// resolves vaddr to a physical address. Only bits 51:12 of cr3 are
// used, so values carrying PCID or flush bits work as-is. The reader
// is called once per level, at most four times, and not at all for a
// non-canonical address.
//
// On failure the error is ErrNotCanonical or a *WalkError wrapping
// ErrNotPresent or the reader's error; the *WalkError carries the
// partial trace. Two walks over unchanged tables return equal
// reports.
func Translate(vaddr VirtAddr, cr3 uint64, r Reader) (*Report, error) {
	if !vaddr.Canonical() {
		return nil, fmt.Errorf("%#x: %w", uint64(vaddr), ErrNotCanonical)
	}

	var steps []Step

	leaf := func(base, size uint64) *Report {
		return &Report{
			VirtAddr: vaddr,
			PhysAddr: base + (uint64(vaddr) & (size - 1)),
			PageSize: size,
			Steps:    steps,
		}
	}

	table := cr3 & addrMask

	for level := LevelPML4; ; level++ {
		index := vaddr.index(level)

		raw, err := r.ReadQword(table + index*entrySize)
		if err != nil {
			return nil, &WalkError{Level: level, Steps: steps, Err: err}
		}

		entry := Entry(raw)

		steps = append(steps, Step{Level: level, Table: table, Index: index, Entry: entry})

		if !entry.Present() {
			return nil, &WalkError{Level: level, Entry: entry, Steps: steps, Err: ErrNotPresent}
		}

		// Huge leaves short-circuit the walk; the virtual bits
		// below the page boundary ride through untranslated.
		if level == LevelPDPT && entry.PageSize() {
			return leaf(entry.Addr1GB(), PageSize1GB), nil
		}

		if level == LevelPD && entry.PageSize() {
			return leaf(entry.Addr2MB(), PageSize2MB), nil
		}

		if level == LevelPT {
			return leaf(entry.Addr(), PageSize4KB), nil
		}

		table = entry.Addr()
	}
}
