package flag

import (
	"errors"
	"fmt"
	"os"

	"github.com/JJ-8/ptwalk/paging"
	"github.com/JJ-8/ptwalk/target"
	"github.com/alecthomas/kong"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/pkg/profile"
)

var errLenTooLarge = errors.New("length too large")

func Parse() error {
	c := CLI{}

	programName := "ptwalk"
	programDesc := "ptwalk walks the x86-64 page tables of a live QEMU guest through its gdbstub"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	log.SetHandler(cli.New(os.Stderr))

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if c.CPUProfile != "" {
		defer profile.Start(profile.ProfilePath(c.CPUProfile)).Stop()
	}

	return ctx.Run(&c.Globals)
}

// connect builds a Target from the shared flags and dials it.
func connect(g *Globals) (*target.Target, error) {
	c := target.Config{
		Addr:    g.Addr,
		Timeout: g.Timeout,
	}

	if g.CR3 != "" {
		cr3, err := ParseAddress(g.CR3)
		if err != nil {
			return nil, fmt.Errorf("--cr3: %w", err)
		}

		c.CR3 = cr3
	}

	t := target.New(c)
	if err := t.Connect(); err != nil {
		return nil, err
	}

	return t, nil
}

func (w *WalkCMD) Run(g *Globals) error {
	vaddr, err := ParseAddress(w.Vaddr)
	if err != nil {
		return err
	}

	t, err := connect(g)
	if err != nil {
		return err
	}
	defer t.Close()

	rep, cr3, err := t.Walk(vaddr)
	if err != nil {
		paging.FprintError(os.Stdout, paging.VirtAddr(vaddr), cr3, err)

		// An unmapped or non-canonical address is a diagnosis,
		// not a tool failure.
		if errors.Is(err, paging.ErrNotPresent) || errors.Is(err, paging.ErrNotCanonical) {
			return nil
		}

		return err
	}

	paging.Fprint(os.Stdout, cr3, rep)

	return nil
}

func (r *ReadCMD) Run(g *Globals) error {
	addr, err := ParseAddress(r.Paddr)
	if err != nil {
		return err
	}

	n, err := ParseAddress(r.Len)
	if err != nil {
		return err
	}

	if n > 1<<20 {
		return fmt.Errorf("%d: %w", n, errLenTooLarge)
	}

	t, err := connect(g)
	if err != nil {
		return err
	}
	defer t.Close()

	data, err := t.ReadPhys(addr, int(n))
	if err != nil {
		return err
	}

	target.HexDump(os.Stdout, addr, data)

	return nil
}

func (r *RegsCMD) Run(g *Globals) error {
	t, err := connect(g)
	if err != nil {
		return err
	}
	defer t.Close()

	dump, err := t.Registers()
	if err != nil {
		return err
	}

	fmt.Print(dump)

	return nil
}

func (d *DisasCMD) Run(g *Globals) error {
	vaddr, err := ParseAddress(d.Vaddr)
	if err != nil {
		return err
	}

	n, err := ParseAddress(d.Len)
	if err != nil {
		return err
	}

	if n > 1<<20 {
		return fmt.Errorf("%d: %w", n, errLenTooLarge)
	}

	t, err := connect(g)
	if err != nil {
		return err
	}
	defer t.Close()

	insts, err := t.Disas(vaddr, int(n))
	if err != nil {
		return err
	}

	for _, inst := range insts {
		fmt.Printf("%#018x: %s\n", inst.Addr, inst.Text)
	}

	return nil
}

func (s *ShellCMD) Run(g *Globals) error {
	t, err := connect(g)
	if err != nil {
		return err
	}
	defer t.Close()

	return t.Shell(os.Stdin, os.Stdout)
}
