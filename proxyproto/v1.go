package proxyproto

import (
	"bufio"
	"net"
	"regexp"
	"strconv"
)

// maxV1HeaderLength bounds the v1 header, including the "PROXY " prefix and
// the terminating CRLF, at 107 bytes per the HAProxy specification.
const maxV1HeaderLength = 107

// v1Grammar matches the full v1 header body (without the "PROXY " prefix
// that the caller has already consumed, but including the trailing CRLF).
var v1Grammar = regexp.MustCompile(
	`^(UNKNOWN|TCP4|TCP6)(?: ([0-9a-fA-F.:]+) ([0-9a-fA-F.:]+) ([0-9]{1,5}) ([0-9]{1,5}))?\r\n$`,
)

// readV1 consumes a v1 PROXY header from r. The caller has already verified
// that r begins with "PROXY ". Bytes are read one at a time into a fixed
// buffer until CRLF is observed, mirroring the reference two-state
// recognizer (reading, then expecting LF right after a CR).
func readV1(r *bufio.Reader) (Result, error) {
	prefix := make([]byte, len(v1Prefix))
	if _, err := readFull(r, prefix); err != nil || string(prefix) != v1Prefix {
		return Result{}, ErrMalformed
	}

	var buf [maxV1HeaderLength - len(v1Prefix)]byte
	n := 0
	sawCR := false
	for {
		if n >= len(buf) {
			return Result{}, ErrMalformed
		}
		b, err := r.ReadByte()
		if err != nil {
			return Result{}, ErrMalformed
		}
		buf[n] = b
		n++
		if sawCR {
			if b != '\n' {
				return Result{}, ErrMalformed
			}
			break
		}
		if b == '\r' {
			sawCR = true
		}
	}

	m := v1Grammar.FindStringSubmatch(string(buf[:n]))
	if m == nil {
		return Result{}, ErrMalformed
	}

	family := m[1]
	if family == "UNKNOWN" {
		return Result{}, nil
	}

	srcAddrStr, srcPortStr := m[2], m[4]
	if srcAddrStr == "" || srcPortStr == "" {
		return Result{}, ErrMalformed
	}

	ip := net.ParseIP(srcAddrStr)
	if ip == nil {
		return Result{}, ErrMalformed
	}
	isV4 := ip.To4() != nil
	if (family == "TCP4" && !isV4) || (family == "TCP6" && isV4) {
		return Result{}, ErrMalformed
	}

	port, err := strconv.Atoi(srcPortStr)
	if err != nil || port < 1 || port > 65535 {
		return Result{}, ErrMalformed
	}

	return Result{
		Proxied:    true,
		SourceAddr: &net.TCPAddr{IP: ip, Port: port},
	}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
