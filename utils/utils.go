package utils

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	// Extract IP from the address
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		// Try to parse from string representation
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
// This works for both string validation (addresses, headers) and message content validation.
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// EqualFoldASCII reports whether s and t are equal under ASCII case-folding.
// Header names and SMTP verbs are ASCII, so this avoids the Unicode-aware
// cost of strings.EqualFold for the hot paths that call it per header line.
func EqualFoldASCII(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		a, b := s[i], t[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// GenerateID creates a session/message identifier as a ULID: a 26-character,
// lexicographically sortable string with millisecond time resolution followed
// by a random payload, so log lines for the same connection sort together
// without needing a separate timestamp field.
func GenerateID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
