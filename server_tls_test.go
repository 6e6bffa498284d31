package raven

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// generateTestCert creates a self-signed certificate for exercising STARTTLS
// without relying on any file on disk.
func generateTestCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test"},
			CommonName:   "test.example.com",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"test.example.com", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	cert.Leaf = leaf

	certPool := x509.NewCertPool()
	certPool.AddCert(leaf)

	return cert, certPool
}

func TestSTARTTLSAdvertisedOnlyWithConfig(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)

	for _, line := range lines {
		if strings.Contains(line, "STARTTLS") {
			t.Error("STARTTLS should not be advertised without a TLS config")
		}
	}
}

func TestSTARTTLSHandshakeSucceeds(t *testing.T) {
	cert, certPool := generateTestCert(t)
	server, addr := startTestServer(t, ServerConfig{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	defer server.Close()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		return strings.TrimRight(line, "\r\n")
	}

	if line := readLine(); !strings.HasPrefix(line, "220") {
		t.Fatalf("unexpected greeting: %s", line)
	}

	conn.Write([]byte("EHLO client.example.com\r\n"))
	for {
		line := readLine()
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}

	conn.Write([]byte("STARTTLS\r\n"))
	if line := readLine(); !strings.HasPrefix(line, "220") {
		t.Fatalf("expected 220 for STARTTLS, got: %s", line)
	}

	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    certPool,
		ServerName: "test.example.com",
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}
	defer tlsConn.Close()

	tlsReader := bufio.NewReader(tlsConn)
	tlsConn.Write([]byte("EHLO client.example.com\r\n"))
	line, err := tlsReader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read post-handshake EHLO response: %v", err)
	}
	if !strings.HasPrefix(line, "250") {
		t.Fatalf("unexpected EHLO response after TLS upgrade: %s", line)
	}
}

// TestSTARTTLSResetsPlaintextState verifies the RFC 3207 Section 6
// requirement: a MAIL/RCPT transaction and EHLO hostname established
// before the TLS handshake must not survive into the encrypted session.
func TestSTARTTLSResetsPlaintextState(t *testing.T) {
	cert, certPool := generateTestCert(t)

	var mu sync.Mutex
	var captured *Connection

	server, addr := startTestServer(t, ServerConfig{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		Callbacks: &Callbacks{
			OnConnect: func(ctx context.Context, conn *Connection) error {
				mu.Lock()
				captured = conn
				mu.Unlock()
				return nil
			},
		},
	})
	defer server.Close()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		return strings.TrimRight(line, "\r\n")
	}
	expect := func(prefix string) string {
		line := readLine()
		if !strings.HasPrefix(line, prefix) {
			t.Fatalf("expected response starting with %q, got: %s", prefix, line)
		}
		return line
	}

	expect("220")
	conn.Write([]byte("EHLO attacker.example.com\r\n"))
	for {
		line := readLine()
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}

	conn.Write([]byte("MAIL FROM:<injected@attacker.example.com>\r\n"))
	expect("250")
	conn.Write([]byte("RCPT TO:<victim@example.com>\r\n"))
	expect("250")

	mu.Lock()
	if captured == nil {
		mu.Unlock()
		t.Fatal("OnConnect callback never fired")
	}
	before := captured.CurrentMail()
	mu.Unlock()
	if before == nil {
		t.Fatal("expected an in-progress transaction before STARTTLS")
	}

	conn.Write([]byte("STARTTLS\r\n"))
	expect("220")

	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    certPool,
		ServerName: "test.example.com",
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}
	defer tlsConn.Close()

	mu.Lock()
	afterMail := captured.CurrentMail()
	afterHostname := captured.Trace.ClientHostname
	afterState := captured.State()
	mu.Unlock()

	if afterMail != nil {
		t.Error("MAIL/RCPT transaction survived the STARTTLS upgrade")
	}
	if afterHostname != "" {
		t.Errorf("EHLO hostname %q survived the STARTTLS upgrade", afterHostname)
	}
	if afterState >= StateGreeted {
		t.Errorf("connection state %v did not drop below StateGreeted after STARTTLS", afterState)
	}

	// The client must re-issue EHLO before MAIL FROM is accepted again,
	// proving the server-side state machine agrees with the reset above.
	tlsReader := bufio.NewReader(tlsConn)
	tlsConn.Write([]byte("MAIL FROM:<retry@example.com>\r\n"))
	line, err := tlsReader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read post-handshake MAIL FROM response: %v", err)
	}
	if !strings.HasPrefix(line, "503") {
		t.Fatalf("expected 503 for MAIL FROM before EHLO on the TLS session, got: %s", line)
	}
}
