// Package gdb speaks the GDB Remote Serial Protocol to a stub,
// typically QEMU's built-in gdbserver started with -s or -gdb. It
// covers the slice of the protocol a page table walk needs: packet
// exchange, memory reads, and the QEMU extensions for physical
// memory access and monitor command passthrough.
//
// A packet travels as "$" payload "#" checksum, where the checksum
// is the payload byte sum modulo 256 as two hex digits. Every packet
// is answered with "+" (accepted) or "-" (resend). Reply payloads
// may compress runs as "c*n", meaning c repeated n-29 further times,
// and escape 0x23, 0x24 and 0x7d as "}" followed by the byte xor
// 0x20.
package gdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apex/log"
)

var (
	// ErrRetransmit reports a packet refused or garbled more times
	// than the protocol is worth retrying.
	ErrRetransmit = errors.New("too many retransmits")

	// ErrUnsupported reports an empty reply, the stub's way of
	// saying it does not implement a command.
	ErrUnsupported = errors.New("command not supported by stub")

	// ErrStub reports an Exx error reply.
	ErrStub = errors.New("stub error reply")

	// ErrUnexpectedReply reports a reply that does not fit the
	// command it answers.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrShortRead reports a memory reply carrying fewer bytes
	// than requested.
	ErrShortRead = errors.New("short memory read")
)

const maxRetransmit = 3

// Client is a connection to a gdbstub. It is not safe for concurrent
// use; the protocol itself is strictly command/reply.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to a gdbstub at addr (host:port).
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial gdbstub %s: %w", addr, err)
	}

	return NewClient(conn), nil
}

// NewClient wraps an established stub connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *Client) Close() error { return c.conn.Close() }

// Exchange sends one command and returns the payload of the stub's
// reply, retransmitting in either direction as the protocol demands.
func (c *Client) Exchange(cmd string) (string, error) {
	for attempt := 0; ; attempt++ {
		if err := c.send(cmd); err != nil {
			return "", err
		}

		ack, err := c.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("reading ack for %q: %w", cmd, err)
		}

		if ack == '+' {
			break
		}

		if ack != '-' {
			return "", fmt.Errorf("%q: ack byte %#x: %w", cmd, ack, ErrUnexpectedReply)
		}

		if attempt == maxRetransmit {
			return "", fmt.Errorf("%q: %w", cmd, ErrRetransmit)
		}
	}

	reply, err := c.recv()
	if err != nil {
		return "", fmt.Errorf("reply to %q: %w", cmd, err)
	}

	return reply, nil
}

// send transmits one framed packet.
func (c *Client) send(payload string) error {
	pkt := fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload)))

	log.Debugf("gdb: send %q", pkt)

	if _, err := c.conn.Write([]byte(pkt)); err != nil {
		return fmt.Errorf("sending %q: %w", payload, err)
	}

	return nil
}

// recv reads one framed reply, validates its checksum, acks it and
// returns the expanded payload.
func (c *Client) recv() (string, error) {
	for attempt := 0; ; attempt++ {
		// Sync to the packet start, skipping stray acks.
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return "", fmt.Errorf("reading reply: %w", err)
			}

			if b == '$' {
				break
			}
		}

		// An unescaped '#' never occurs inside a payload, so it
		// reliably terminates the packet.
		payload, err := c.r.ReadBytes('#')
		if err != nil {
			return "", fmt.Errorf("reading reply: %w", err)
		}

		payload = payload[:len(payload)-1]

		var ck [2]byte
		if _, err := io.ReadFull(c.r, ck[:]); err != nil {
			return "", fmt.Errorf("reading checksum: %w", err)
		}

		want, err := strconv.ParseUint(string(ck[:]), 16, 8)
		if err == nil && checksum(payload) == byte(want) {
			if _, err := c.conn.Write([]byte{'+'}); err != nil {
				return "", fmt.Errorf("sending ack: %w", err)
			}

			expanded, err := expand(payload)
			if err != nil {
				return "", err
			}

			log.Debugf("gdb: recv %q", expanded)

			return string(expanded), nil
		}

		if attempt == maxRetransmit {
			return "", ErrRetransmit
		}

		// Garbled packet: ask for a retransmit.
		if _, err := c.conn.Write([]byte{'-'}); err != nil {
			return "", fmt.Errorf("sending nack: %w", err)
		}
	}
}

// expand undoes reply payload encoding: "}" escapes and "c*n" run
// compression, in one left-to-right pass so a run can repeat an
// escaped character.
func expand(payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(payload))

	for i := 0; i < len(payload); i++ {
		switch payload[i] {
		case '}':
			if i+1 >= len(payload) {
				return nil, fmt.Errorf("truncated escape: %w", ErrUnexpectedReply)
			}

			i++
			out = append(out, payload[i]^0x20)

		case '*':
			if len(out) == 0 || i+1 >= len(payload) {
				return nil, fmt.Errorf("malformed run: %w", ErrUnexpectedReply)
			}

			i++
			last := out[len(out)-1]

			for n := int(payload[i]) - 29; n > 0; n-- {
				out = append(out, last)
			}

		default:
			out = append(out, payload[i])
		}
	}

	return out, nil
}

func checksum(payload []byte) byte {
	var sum byte

	for _, b := range payload {
		sum += b
	}

	return sum
}

// checkReply screens a reply for the two stub-side failure shapes:
// an empty packet (command unknown) and "Exx" (command failed).
func checkReply(cmd, reply string) error {
	if reply == "" {
		return fmt.Errorf("%q: %w", cmd, ErrUnsupported)
	}

	if len(reply) == 3 && reply[0] == 'E' && isHex(reply[1]) && isHex(reply[2]) {
		return fmt.Errorf("%q: %w: %s", cmd, ErrStub, reply[1:])
	}

	return nil
}

func isHex(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}
