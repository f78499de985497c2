package paging

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	colorAddr = color.New(color.Faint).SprintfFunc()
	colorPhys = color.New(color.Bold, color.FgHiGreen).SprintfFunc()
	colorFlag = color.New(color.FgHiCyan).SprintFunc()
	colorMiss = color.New(color.FgHiRed).SprintFunc()
)

// Fprint writes a human-readable account of a successful walk to w:
// the root and virtual address, one line per level consulted, the
// mapping size and the resolved physical address.
func Fprint(w io.Writer, cr3 uint64, rep *Report) {
	fmt.Fprintf(w, "CR3  = %s\n", colorAddr("%#018x", cr3))
	fmt.Fprintf(w, "virt = %s\n", colorAddr("%#018x", uint64(rep.VirtAddr)))

	fprintSteps(w, rep.Steps)

	fmt.Fprintf(w, "%s page\n", sizeName(rep.PageSize))
	fmt.Fprintf(w, "phys = %s\n", colorPhys("%#018x", rep.PhysAddr))
}

// FprintError writes the partial trace of a failed walk and the
// failure itself. Failures without a trace, such as a non-canonical
// address or an unreachable target, print as a single line.
func FprintError(w io.Writer, vaddr VirtAddr, cr3 uint64, err error) {
	var werr *WalkError
	if !errors.As(err, &werr) {
		fmt.Fprintln(w, colorMiss(err.Error()))

		return
	}

	fmt.Fprintf(w, "CR3  = %s\n", colorAddr("%#018x", cr3))
	fmt.Fprintf(w, "virt = %s\n", colorAddr("%#018x", uint64(vaddr)))

	fprintSteps(w, werr.Steps)

	fmt.Fprintln(w, colorMiss(werr.Error()))
}

func fprintSteps(w io.Writer, steps []Step) {
	for _, s := range steps {
		fmt.Fprintf(w, "%-4s %#010x[%3d] = %#018x %s\n",
			s.Level, s.Table, s.Index, uint64(s.Entry), flagString(s.Level, s.Entry))
	}
}

// flagString decodes the architectural flags of an entry for display.
// PS only means huge leaf at PDPT and PD, so it is shown only there.
func flagString(l Level, e Entry) string {
	if !e.Present() {
		return colorMiss("not present")
	}

	flags := []string{"P"}

	if e.Writable() {
		flags = append(flags, "W")
	}

	if e.User() {
		flags = append(flags, "U")
	}

	if (l == LevelPDPT || l == LevelPD) && e.PageSize() {
		flags = append(flags, "PS")
	}

	return colorFlag(strings.Join(flags, " "))
}

func sizeName(size uint64) string {
	switch size {
	case PageSize1GB:
		return "1GB"
	case PageSize2MB:
		return "2MB"
	}

	return "4KB"
}
