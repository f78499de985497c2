package paging

// Architectural flag bits shared by entries at every level.
const (
	flagPresent  = 1 << 0
	flagWritable = 1 << 1
	flagUser     = 1 << 2
	flagPageSize = 1 << 7
)

// Entry is a raw 64-bit page table entry. The accessors are total:
// reserved and software-defined bits are ignored, never validated, so
// any qword read from guest memory decodes without error.
type Entry uint64

// Present reports bit 0. A clear present bit means the entry maps
// nothing and every other bit is software-defined.
func (e Entry) Present() bool { return e&flagPresent != 0 }

// Writable reports bit 1.
func (e Entry) Writable() bool { return e&flagWritable != 0 }

// User reports bit 2.
func (e Entry) User() bool { return e&flagUser != 0 }

// PageSize reports bit 7, which marks a huge leaf in PDPT and PD
// entries. At other levels the bit means something else (PAT at PT)
// and the walker does not consult it.
func (e Entry) PageSize() bool { return e&flagPageSize != 0 }

// Addr returns the 4 KiB-aligned physical base of the next level
// table, or of the final page for a PT entry (bits 51:12).
func (e Entry) Addr() uint64 { return uint64(e) & addrMask }

// Addr1GB returns the 1 GiB-aligned physical base of a PDPT huge
// leaf (bits 51:30).
func (e Entry) Addr1GB() uint64 { return uint64(e) & addrMask1GB }

// Addr2MB returns the 2 MiB-aligned physical base of a PD huge leaf
// (bits 51:21).
func (e Entry) Addr2MB() uint64 { return uint64(e) & addrMask2MB }
