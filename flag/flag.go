// Package flag defines the ptwalk command line: the shared
// connection flags plus one subcommand per target operation, parsed
// with kong.
package flag

import (
	"fmt"
	"strconv"
	"time"
)

// Globals are the connection flags every subcommand shares.
type Globals struct {
	Addr       string        `optional:"" default:"localhost:1234" help:"Address of the QEMU gdbstub (-s listens on localhost:1234)."`
	CR3        string        `optional:"" name:"cr3" default:"" help:"Page table root to walk instead of the live CR3 register, hex or decimal."`
	Timeout    time.Duration `optional:"" default:"10s" help:"Connection timeout."`
	Verbose    bool          `optional:"" short:"v" help:"Log every protocol packet."`
	CPUProfile string        `optional:"" name:"cpuprofile" default:"" help:"Write a CPU profile into this directory."`
}

// CLI is the top-level command tree.
type CLI struct {
	Globals

	Walk  WalkCMD  `cmd:"" help:"Translate a virtual address and print the page table walk."`
	Read  ReadCMD  `cmd:"" help:"Hex-dump guest-physical memory."`
	Regs  RegsCMD  `cmd:"" help:"Print the target's register state."`
	Disas DisasCMD `cmd:"" help:"Disassemble guest code at a virtual address."`
	Shell ShellCMD `cmd:"" help:"Interactive session against the target."`
}

type WalkCMD struct {
	Vaddr string `arg:"" help:"Virtual address, hex (0x...) or decimal."`
}

type ReadCMD struct {
	Paddr string `arg:"" help:"Physical address, hex (0x...) or decimal."`
	Len   string `arg:"" optional:"" default:"64" help:"Byte count."`
}

type RegsCMD struct{}

type DisasCMD struct {
	Vaddr string `arg:"" help:"Virtual address, hex (0x...) or decimal."`
	Len   string `arg:"" optional:"" default:"32" help:"Window size in bytes."`
}

type ShellCMD struct{}

// ParseAddress parses an address or count written in any base a Go
// literal knows: 0x hex, 0 octal, 0b binary or plain decimal.
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: can't parse as address: %w", s, err)
	}

	return v, nil
}
