package paging_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JJ-8/ptwalk/paging"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

// ---- fake physical memory ---------------------------------------------------

// memReader is a sparse in-memory physical address space. Missing
// addresses read as zero, so untouched entries decode as not present.
type memReader map[uint64]uint64

func (m memReader) ReadQword(paddr uint64) (uint64, error) {
	return m[paddr], nil
}

// countReader counts the reads issued through it.
type countReader struct {
	r     paging.Reader
	reads int
}

func (c *countReader) ReadQword(paddr uint64) (uint64, error) {
	c.reads++

	return c.r.ReadQword(paddr)
}

// failReader fails reads of one specific address.
type failReader struct {
	memReader
	failAt uint64
	err    error
}

func (f *failReader) ReadQword(paddr uint64) (uint64, error) {
	if paddr == f.failAt {
		return 0, f.err
	}

	return f.memReader.ReadQword(paddr)
}

const (
	pml4Base = 0x1000
	pdptBase = 0x2000
	pdBase   = 0x3000
	ptBase   = 0x4000
)

// fourLevelChain maps v through all four levels down to a 4 KiB page
// at pageBase.
func fourLevelChain(v paging.VirtAddr, pageBase uint64) memReader {
	return memReader{
		pml4Base + 8*v.PML4Index(): pdptBase | 0x067,
		pdptBase + 8*v.PDPTIndex(): pdBase | 0x067,
		pdBase + 8*v.PDIndex():     ptBase | 0x067,
		ptBase + 8*v.PTIndex():     pageBase | 0x063,
	}
}

func mustTranslate(t *testing.T, v paging.VirtAddr, cr3 uint64, r paging.Reader) *paging.Report {
	t.Helper()

	rep, err := paging.Translate(v, cr3, r)
	if err != nil {
		t.Fatalf("Translate(%#x): %v", uint64(v), err)
	}

	return rep
}

// ---- full walks -------------------------------------------------------------

func TestTranslate4KB(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)

	rep := mustTranslate(t, v, pml4Base, mem)

	want := &paging.Report{
		VirtAddr: v,
		PhysAddr: 0x5567,
		PageSize: paging.PageSize4KB,
		Steps: []paging.Step{
			{Level: paging.LevelPML4, Table: pml4Base, Index: 511, Entry: 0x2067},
			{Level: paging.LevelPDPT, Table: pdptBase, Index: 510, Entry: 0x3067},
			{Level: paging.LevelPD, Table: pdBase, Index: 9, Entry: 0x4067},
			{Level: paging.LevelPT, Table: ptBase, Index: 52, Entry: 0x5063},
		},
	}

	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	if got := rep.Steps[0].EntryAddr(); got != pml4Base+511*8 {
		t.Fatalf("EntryAddr: got %#x, want %#x", got, pml4Base+511*8)
	}
}

func TestTranslateHighHalfBoundary(t *testing.T) {
	t.Parallel()

	// The lowest canonical high-half address.
	v := paging.VirtAddr(0xffff800000000000)
	mem := fourLevelChain(v, 0x6000)

	rep := mustTranslate(t, v, pml4Base, mem)

	if rep.PhysAddr != 0x6000 {
		t.Fatalf("PhysAddr: got %#x, want 0x6000", rep.PhysAddr)
	}

	if len(rep.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(rep.Steps))
	}
}

// TestTranslateCR3FlagsStripped verifies that PCID and flush bits in
// CR3 do not disturb the walk.
func TestTranslateCR3FlagsStripped(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)

	clean := mustTranslate(t, v, pml4Base, mem)
	dirty := mustTranslate(t, v, pml4Base|1<<63|0x01f, mem)

	if diff := cmp.Diff(clean, dirty); diff != "" {
		t.Fatalf("CR3 flag bits changed the walk (-clean +dirty):\n%s", diff)
	}
}

// TestTranslatePageSizeBitIgnoredOutsideHugeLevels sets bit 7 on the
// PML4 and PT entries, where it is not a huge-page marker, and
// expects a plain four-level walk.
func TestTranslatePageSizeBitIgnoredOutsideHugeLevels(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)
	mem[pml4Base+8*v.PML4Index()] |= 0x80
	mem[ptBase+8*v.PTIndex()] |= 0x80

	rep := mustTranslate(t, v, pml4Base, mem)

	if rep.PageSize != paging.PageSize4KB {
		t.Fatalf("PageSize: got %#x, want 4KB", rep.PageSize)
	}

	if rep.PhysAddr != 0x5567 {
		t.Fatalf("PhysAddr: got %#x, want 0x5567", rep.PhysAddr)
	}

	if len(rep.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(rep.Steps))
	}
}

// ---- huge pages -------------------------------------------------------------

func TestTranslate2MB(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)
	mem[pdBase+8*v.PDIndex()] = 0x40000000 | 0x0e3

	cr := &countReader{r: mem}

	rep := mustTranslate(t, v, pml4Base, cr)

	if rep.PhysAddr != 0x40034567 {
		t.Fatalf("PhysAddr: got %#x, want 0x40034567", rep.PhysAddr)
	}

	if rep.PageSize != paging.PageSize2MB {
		t.Fatalf("PageSize: got %#x, want 2MB", rep.PageSize)
	}

	if len(rep.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(rep.Steps))
	}

	if cr.reads != 3 {
		t.Fatalf("got %d reads, want 3", cr.reads)
	}
}

func TestTranslate1GB(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)
	mem[pdptBase+8*v.PDPTIndex()] = 0x80000000 | 0x0e3

	cr := &countReader{r: mem}

	rep := mustTranslate(t, v, pml4Base, cr)

	if rep.PhysAddr != 0x81234567 {
		t.Fatalf("PhysAddr: got %#x, want 0x81234567", rep.PhysAddr)
	}

	if rep.PageSize != paging.PageSize1GB {
		t.Fatalf("PageSize: got %#x, want 1GB", rep.PageSize)
	}

	if cr.reads != 2 {
		t.Fatalf("got %d reads, want 2", cr.reads)
	}
}

// TestTranslateHugeLeafLowBitsIgnored puts garbage in the entry bits
// below the 2 MiB boundary; the mapped base must stay aligned.
func TestTranslateHugeLeafLowBitsIgnored(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)
	mem[pdBase+8*v.PDIndex()] = 0x40000000 | 0x3f000 | 0x0e3

	rep := mustTranslate(t, v, pml4Base, mem)

	if rep.PhysAddr != 0x40034567 {
		t.Fatalf("PhysAddr: got %#x, want 0x40034567", rep.PhysAddr)
	}
}

// ---- failed walks -----------------------------------------------------------

func TestTranslateNotPresentPML4(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	cr := &countReader{r: memReader{}}

	_, err := paging.Translate(v, pml4Base, cr)
	if !errors.Is(err, paging.ErrNotPresent) {
		t.Fatalf("got %v, want ErrNotPresent", err)
	}

	var werr *paging.WalkError
	if !errors.As(err, &werr) {
		t.Fatalf("error is %T, want *WalkError", err)
	}

	if werr.Level != paging.LevelPML4 {
		t.Fatalf("Level: got %v, want PML4", werr.Level)
	}

	if len(werr.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(werr.Steps))
	}

	if cr.reads != 1 {
		t.Fatalf("got %d reads, want 1", cr.reads)
	}
}

func TestTranslateNotPresentPT(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)
	delete(mem, ptBase+8*v.PTIndex())

	_, err := paging.Translate(v, pml4Base, mem)
	if !errors.Is(err, paging.ErrNotPresent) {
		t.Fatalf("got %v, want ErrNotPresent", err)
	}

	var werr *paging.WalkError
	if !errors.As(err, &werr) {
		t.Fatalf("error is %T, want *WalkError", err)
	}

	if werr.Level != paging.LevelPT {
		t.Fatalf("Level: got %v, want PT", werr.Level)
	}

	if len(werr.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(werr.Steps))
	}
}

// TestTranslateReadFailure fails the PD fetch and expects the
// reader's error back verbatim with the two completed steps.
func TestTranslateReadFailure(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	v := paging.VirtAddr(0xffffffff81234567)
	fr := &failReader{
		memReader: fourLevelChain(v, 0x5000),
		failAt:    pdBase + 8*v.PDIndex(),
		err:       errBoom,
	}

	_, err := paging.Translate(v, pml4Base, fr)
	if !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want wrapped errBoom", err)
	}

	var werr *paging.WalkError
	if !errors.As(err, &werr) {
		t.Fatalf("error is %T, want *WalkError", err)
	}

	if werr.Level != paging.LevelPD {
		t.Fatalf("Level: got %v, want PD", werr.Level)
	}

	if len(werr.Steps) != 2 {
		t.Fatalf("got %d steps, want 2 (PML4 and PDPT)", len(werr.Steps))
	}
}

func TestTranslateNotCanonical(t *testing.T) {
	t.Parallel()

	cr := &countReader{r: memReader{}}

	_, err := paging.Translate(0x0000800000000000, pml4Base, cr)
	if !errors.Is(err, paging.ErrNotCanonical) {
		t.Fatalf("got %v, want ErrNotCanonical", err)
	}

	var werr *paging.WalkError
	if errors.As(err, &werr) {
		t.Fatalf("non-canonical address produced a trace: %+v", werr)
	}

	if cr.reads != 0 {
		t.Fatalf("got %d reads, want 0", cr.reads)
	}
}

func TestWalkErrorMessage(t *testing.T) {
	t.Parallel()

	notPresent := &paging.WalkError{
		Level: paging.LevelPDPT,
		Err:   paging.ErrNotPresent,
	}
	if got := notPresent.Error(); got != "PDPT entry not present" {
		t.Fatalf("got %q", got)
	}

	readFail := &paging.WalkError{
		Level: paging.LevelPD,
		Err:   errors.New("boom"),
	}
	if got := readFail.Error(); got != "reading PD entry: boom" {
		t.Fatalf("got %q", got)
	}
}

// ---- determinism ------------------------------------------------------------

func TestTranslateIdempotent(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)

	first := mustTranslate(t, v, pml4Base, mem)
	second := mustTranslate(t, v, pml4Base, mem)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeat walk differs (-first +second):\n%s", diff)
	}
}

func TestTranslateConcurrent(t *testing.T) {
	t.Parallel()

	v := paging.VirtAddr(0xffffffff81234567)
	mem := fourLevelChain(v, 0x5000)

	var g errgroup.Group

	for i := 0; i < 16; i++ {
		g.Go(func() error {
			rep, err := paging.Translate(v, pml4Base, mem)
			if err != nil {
				return err
			}

			if rep.PhysAddr != 0x5567 {
				return fmt.Errorf("got %#x, want 0x5567", rep.PhysAddr)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
