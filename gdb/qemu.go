package gdb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PhysMemMode toggles QEMU's physical memory mode. While it is on,
// memory packets bypass the MMU and address guest-physical memory
// directly. Stubs other than QEMU answer with an empty packet, which
// surfaces as ErrUnsupported.
func (c *Client) PhysMemMode(on bool) error {
	mode := "0"
	if on {
		mode = "1"
	}

	cmd := "Qqemu.PhyMemMode:" + mode

	reply, err := c.Exchange(cmd)
	if err != nil {
		return err
	}

	if err := checkReply(cmd, reply); err != nil {
		return err
	}

	if reply != "OK" {
		return fmt.Errorf("%q: %w: %q", cmd, ErrUnexpectedReply, reply)
	}

	return nil
}

// ReadMem reads n bytes of target memory at addr with an m packet.
// With PhysMemMode on the address is interpreted as physical,
// otherwise it goes through the MMU of the current CPU.
func (c *Client) ReadMem(addr uint64, n int) ([]byte, error) {
	cmd := fmt.Sprintf("m%x,%x", addr, n)

	reply, err := c.Exchange(cmd)
	if err != nil {
		return nil, err
	}

	if err := checkReply(cmd, reply); err != nil {
		return nil, err
	}

	buf, err := hex.DecodeString(reply)
	if err != nil {
		return nil, fmt.Errorf("%q: decoding reply: %w", cmd, err)
	}

	if len(buf) != n {
		return nil, fmt.Errorf("%q: got %d bytes, want %d: %w", cmd, len(buf), n, ErrShortRead)
	}

	return buf, nil
}

// ReadQword reads the little-endian qword at addr. Together with
// PhysMemMode it makes the client a physical memory reader for page
// table walks.
func (c *Client) ReadQword(addr uint64) (uint64, error) {
	b, err := c.ReadMem(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// MonitorCmd runs a QEMU monitor command over the stub (qRcmd) and
// returns its console output. The stub streams the output as O
// packets followed by a final OK, or as one hex-encoded reply.
func (c *Client) MonitorCmd(cmd string) (string, error) {
	pkt := "qRcmd," + hex.EncodeToString([]byte(cmd))

	reply, err := c.Exchange(pkt)
	if err != nil {
		return "", err
	}

	var out strings.Builder

	for {
		switch {
		case reply == "OK":
			return out.String(), nil

		case strings.HasPrefix(reply, "O"):
			b, err := hex.DecodeString(reply[1:])
			if err != nil {
				return "", fmt.Errorf("monitor %q: decoding output: %w", cmd, err)
			}

			out.Write(b)

		default:
			if err := checkReply(pkt, reply); err != nil {
				return "", err
			}

			b, err := hex.DecodeString(reply)
			if err != nil {
				return "", fmt.Errorf("monitor %q: decoding reply: %w", cmd, err)
			}

			out.Write(b)

			return out.String(), nil
		}

		// More console output is on the way; 'O' is not a hex
		// digit so these packets cannot be mistaken for data.
		if reply, err = c.recv(); err != nil {
			return "", fmt.Errorf("monitor %q: %w", cmd, err)
		}
	}
}

// CR3 returns the page table root of the current CPU, fished out of
// the monitor's "info registers" dump.
func (c *Client) CR3() (uint64, error) {
	out, err := c.MonitorCmd("info registers")
	if err != nil {
		return 0, err
	}

	return parseRegister(out, "CR3")
}

// parseRegister extracts a NAME=hexvalue field from monitor output.
func parseRegister(out, name string) (uint64, error) {
	for _, field := range strings.Fields(out) {
		val, ok := strings.CutPrefix(field, name+"=")
		if !ok {
			continue
		}

		v, err := strconv.ParseUint(val, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("register %s: parsing %q: %w", name, val, err)
		}

		return v, nil
	}

	return 0, fmt.Errorf("register %s: %w", name, ErrUnexpectedReply)
}
