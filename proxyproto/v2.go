package proxyproto

import (
	"bufio"
	"net"
)

// DefaultMaxV2DataLength bounds the v2 address-block-plus-TLV length field
// when the caller does not override it via ServerConfig.
const DefaultMaxV2DataLength = 2048

const v2HeaderSize = 16

const (
	v2CmdLocal = 0x0
	v2CmdProxy = 0x1
)

const (
	v2FamUnspec = 0x0
	v2FamInet   = 0x1
	v2FamInet6  = 0x2
	v2FamUnix   = 0x3
)

const (
	v2TransUnspec = 0x0
	v2TransStream = 0x1
	v2TransDgram  = 0x2
)

// readV2WithLimit consumes a v2 PROXY header from r, including the
// variable-length address block, bounding its length at maxDataLen per
// ServerConfig.ProxyV2MaxDataLength.
func readV2WithLimit(r *bufio.Reader, maxDataLen int) (Result, error) {
	var header [v2HeaderSize]byte
	if _, err := readFull(r, header[:]); err != nil {
		return Result{}, ErrMalformed
	}
	for i, b := range v2Magic {
		if header[i] != b {
			return Result{}, ErrMalformed
		}
	}

	verCmd := header[12]
	if verCmd>>4 != 0x2 {
		return Result{}, ErrMalformed
	}
	cmd := verCmd & 0x0F
	if cmd != v2CmdLocal && cmd != v2CmdProxy {
		return Result{}, ErrMalformed
	}

	famTrans := header[13]
	family := famTrans >> 4
	// Transport is validated for wire-format conformance only; it is never
	// branched on below (see spec's PROXY v2 open question).
	transport := famTrans & 0x0F
	switch family {
	case v2FamUnspec, v2FamInet, v2FamInet6, v2FamUnix:
	default:
		return Result{}, ErrMalformed
	}
	switch transport {
	case v2TransUnspec, v2TransStream, v2TransDgram:
	default:
		return Result{}, ErrMalformed
	}

	length := int(header[14])<<8 | int(header[15])
	if maxDataLen <= 0 {
		maxDataLen = DefaultMaxV2DataLength
	}
	if length > maxDataLen {
		return Result{}, ErrMalformed
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := readFull(r, data); err != nil {
			return Result{}, ErrMalformed
		}
	}

	if cmd == v2CmdLocal {
		return Result{}, nil
	}

	switch family {
	case v2FamUnix:
		// UNIX addresses carry no routable TCP peer; treated as a no-op.
		return Result{}, nil
	case v2FamUnspec:
		return Result{}, nil
	case v2FamInet:
		const ipv4Len = 4
		if len(data) < ipv4Len*2+2*2 {
			return Result{}, ErrMalformed
		}
		srcIP := net.IP(data[0:ipv4Len])
		srcPort := int(data[ipv4Len*2])<<8 | int(data[ipv4Len*2+1])
		return Result{Proxied: true, SourceAddr: &net.TCPAddr{IP: srcIP, Port: srcPort}}, nil
	case v2FamInet6:
		const ipv6Len = 16
		if len(data) < ipv6Len*2+2*2 {
			return Result{}, ErrMalformed
		}
		srcIP := net.IP(data[0:ipv6Len])
		srcPort := int(data[ipv6Len*2])<<8 | int(data[ipv6Len*2+1])
		return Result{Proxied: true, SourceAddr: &net.TCPAddr{IP: srcIP, Port: srcPort}}, nil
	}

	return Result{}, ErrMalformed
}
