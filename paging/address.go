package paging

// VirtAddr is a 64-bit virtual address carved into the four table
// indices and the page offset the hardware uses.
type VirtAddr uint64

// PML4Index returns bits 47:39.
func (v VirtAddr) PML4Index() uint64 { return (uint64(v) >> pml4Shift) & indexMask }

// PDPTIndex returns bits 38:30.
func (v VirtAddr) PDPTIndex() uint64 { return (uint64(v) >> pdptShift) & indexMask }

// PDIndex returns bits 29:21.
func (v VirtAddr) PDIndex() uint64 { return (uint64(v) >> pdShift) & indexMask }

// PTIndex returns bits 20:12.
func (v VirtAddr) PTIndex() uint64 { return (uint64(v) >> ptShift) & indexMask }

// Offset returns bits 11:0, the byte offset inside a 4 KiB page.
func (v VirtAddr) Offset() uint64 { return uint64(v) & offsetMask }

// index returns the 9-bit table index for the given level.
func (v VirtAddr) index(l Level) uint64 { return (uint64(v) >> l.shift()) & indexMask }

// Canonical reports whether bits 63:48 are a sign extension of
// bit 47. The CPU faults on non-canonical addresses before any table
// is consulted, and so does Translate.
func (v VirtAddr) Canonical() bool {
	ext := int64(v) >> 47

	return ext == 0 || ext == -1
}
