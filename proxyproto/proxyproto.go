// Package proxyproto recognizes and strips a HAProxy PROXY-protocol preamble
// (v1 text or v2 binary) from the front of a freshly accepted connection,
// recovering the original client address the proxy declares on the
// connection's behalf.
package proxyproto

import (
	"bufio"
	"errors"
	"net"
)

// ErrMalformed is returned when a PROXY preamble is present but fails to
// parse against the v1 grammar or the v2 wire format.
var ErrMalformed = errors.New("proxyproto: malformed header")

// Mode controls how the dispatcher treats connections that do not begin
// with a recognizable PROXY preamble.
type Mode int

const (
	// ModeDisabled never attempts to read a PROXY preamble; all bytes are
	// handed to the SMTP session unmodified.
	ModeDisabled Mode = iota
	// ModePermissive accepts either a PROXY preamble or plain SMTP.
	ModePermissive
	// ModeRequired rejects any connection that does not open with a valid
	// PROXY preamble.
	ModeRequired
)

// v2Magic is the 12-byte signature that introduces a v2 header. It can
// never appear at the start of a v1 header or of plain SMTP traffic.
var v2Magic = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// v1Prefix is the ASCII prefix that introduces a v1 header.
const v1Prefix = "PROXY "

// Result is the outcome of dispatching a connection's preamble.
type Result struct {
	// Proxied is true when a PROXY header was present and carried a usable
	// source address (family TCP4/TCP6/INET/INET6, command PROXY).
	Proxied bool
	// SourceAddr is the address the preamble declares for the original
	// client. Nil when Proxied is false.
	SourceAddr net.Addr
}

// Dispatch peeks the leading bytes of r and decides whether a v1, v2, or no
// PROXY preamble is present, consuming it from r in the first two cases.
// mode governs the behavior when no preamble is found. maxV2DataLen bounds
// the v2 address-block-plus-TLV length field; zero selects
// DefaultMaxV2DataLength.
func Dispatch(r *bufio.Reader, mode Mode, maxV2DataLen int) (Result, error) {
	if mode == ModeDisabled {
		return Result{}, nil
	}

	head, err := r.Peek(len(v2Magic))
	if err == nil && string(head) == string(v2Magic[:]) {
		res, err := readV2WithLimit(r, maxV2DataLen)
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}

	prefix, err := r.Peek(len(v1Prefix))
	if err == nil && string(prefix) == v1Prefix {
		res, err := readV1(r)
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}

	if mode == ModeRequired {
		return Result{}, ErrMalformed
	}
	return Result{}, nil
}
