// Package paging translates x86-64 virtual addresses to physical
// addresses by walking the four-level page table hierarchy
// (PML4 -> PDPT -> PD -> PT) through a host-supplied physical memory
// reader.
//
// The walk is pure and stateless: the caller provides the virtual
// address, the table root (a CR3 value) and a Reader, and gets back
// the physical address together with an ordered trace of every entry
// consulted. Huge pages terminate the walk early: a PDPT leaf maps
// 1 GiB, a PD leaf maps 2 MiB. Nothing is cached, retried or logged;
// reader failures and non-present entries surface as errors carrying
// the partial trace.
package paging

// A Reader fetches 8-byte words from guest physical memory. ReadQword
// returns the qword stored little-endian at paddr, or an error if the
// address is inaccessible. Translate calls it once per table level.
type Reader interface {
	ReadQword(paddr uint64) (uint64, error)
}

// Paging-structure geometry: each of the four levels indexes 512
// entries of 8 bytes with a 9-bit slice of the virtual address.
const (
	ptShift   = 12
	pdShift   = 21
	pdptShift = 30
	pml4Shift = 39

	indexMask  = 0x1ff
	offsetMask = 0xfff

	entrySize = 8

	// addrMask selects the physical base stored in an entry or in
	// CR3 (bits 51:12). The low flag bits and the high NX/reserved
	// bits drop out, which also strips PCID bits from CR3 values.
	addrMask = 0x000ffffffffff000

	// addrMask1GB and addrMask2MB select the base of a huge leaf
	// (bits 51:30 and 51:21). Entry bits below the page boundary
	// are ignored by the hardware and by us.
	addrMask1GB = 0x000fffffc0000000
	addrMask2MB = 0x000fffffffe00000
)

// Mapping sizes a walk can resolve to.
const (
	PageSize4KB uint64 = 1 << ptShift
	PageSize2MB uint64 = 1 << pdShift
	PageSize1GB uint64 = 1 << pdptShift
)

// Level identifies one of the four paging structures consulted during
// a walk.
type Level int

const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT
)

func (l Level) String() string {
	switch l {
	case LevelPML4:
		return "PML4"
	case LevelPDPT:
		return "PDPT"
	case LevelPD:
		return "PD"
	case LevelPT:
		return "PT"
	}

	return "?"
}

// shift returns the position of the level's 9-bit index inside a
// virtual address.
func (l Level) shift() uint {
	switch l {
	case LevelPML4:
		return pml4Shift
	case LevelPDPT:
		return pdptShift
	case LevelPD:
		return pdShift
	}

	return ptShift
}
